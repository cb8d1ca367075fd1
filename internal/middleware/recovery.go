package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Recovery turns a panic in the pipeline into a 500 JSON error. A panic
// with http.ErrAbortHandler is passed on so the server drops the
// connection.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler: //nolint:errorlint // sentinel compared by identity
					panic(rec)
				}

				logger.WithContext(r.Context()).Error("handler panicked",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.Any("panic", rec),
					observability.String("stack", string(debug.Stack())),
				)
				util.WriteError(w, http.StatusInternalServerError, "",
					observability.RequestIDFromContext(r.Context()))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
