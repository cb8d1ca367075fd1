package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Logging returns a middleware that writes one access log entry per
// request. Server errors are logged at warn, everything else at info.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, meta := util.EnsureRequestMeta(r.Context())
			r = r.WithContext(ctx)

			rw := util.NewStatusCapturingResponseWriter(w)

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.StatusCode),
				observability.Int("size", rw.Size),
				observability.Duration("duration", duration),
				observability.String("user_agent", r.UserAgent()),
			}
			if instance := meta.Instance(); instance != "" {
				fields = append(fields, observability.String("instance", instance))
			}

			// WithContext adds request ID, trace, client IP and service.
			log := logger.WithContext(r.Context()) //nolint:contextcheck
			if rw.StatusCode >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Info("http request", fields...)
		})
	}
}
