package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger returns chi middleware that logs each completed request
// with method, path, status, size and latency. Health and metrics probes
// are logged at debug to keep the stream readable.
func RequestLogger(l *zap.Logger) func(next http.Handler) http.Handler {
	logger := l.Named("http")

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			defer func() {
				fields := []zap.Field{
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", ww.Status()),
					zap.Int64("bytes", int64(ww.BytesWritten())),
					zap.Duration("latency", time.Since(start)),
				}

				msg := "request completed"
				switch {
				case ww.Status() >= 500:
					logger.Error(msg, fields...)
				case ww.Status() >= 400:
					logger.Warn(msg, fields...)
				case isProbe(r.Method, r.URL.Path):
					logger.Debug(msg, fields...)
				default:
					logger.Info(msg, fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func isProbe(method, path string) bool {
	return method == http.MethodGet && (path == "/health" || path == "/metrics")
}
