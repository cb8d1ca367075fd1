package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// BodyLimit returns a middleware that limits the request body size.
// A declared Content-Length above the limit is rejected with 413 up
// front; otherwise reads past the limit fail with *http.MaxBytesError,
// which the dispatcher maps to 413. A non-positive maxSize disables the
// limit.
func BodyLimit(maxSize int64, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				logger.Debug("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
					observability.String("path", r.URL.Path),
				)

				util.WriteError(w, http.StatusRequestEntityTooLarge,
					"request body exceeds the configured limit",
					observability.RequestIDFromContext(r.Context()))
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			}

			next.ServeHTTP(w, r)
		})
	}
}
