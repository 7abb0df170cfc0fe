// Package middleware holds the ops server's HTTP middleware.
package middleware

import (
	"net/http"
	"time"

	applog "github.com/0xmhha/crowdfund-indexer/internal/logger"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}

// Logger returns a middleware that logs each request at a level chosen by
// its status. Successful scrapes and health checks log at debug. Handlers
// get a logger tagged with the request id through applog.FromContext.
func Logger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqLog := log.With(zap.String("request_id", requestID(r)))
			next.ServeHTTP(ww, r.WithContext(applog.WithLogger(r.Context(), reqLog)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestID(r)),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}

			switch {
			case status >= 500:
				log.Error("http request - server error", fields...)
			case status >= 400:
				log.Warn("http request - client error", fields...)
			default:
				log.Debug("http request", fields...)
			}
		}

		return http.HandlerFunc(fn)
	}
}
