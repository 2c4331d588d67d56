// Package logging provides per-request structured logging, correlated by
// request ID, built on zap.
package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// New builds a production zap.Logger. Callers that want a different
// encoder/level (e.g. development console output) should build their own
// and pass it to Middleware directly.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// RequestID extracts the request ID stored in ctx by Middleware, or "" if
// none is present.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRequestID attaches a request ID to ctx, for use outside the HTTP
// middleware chain (e.g. background prewarm tasks).
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed responses keep their
// incremental delivery through this middleware.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware assigns or propagates X-Request-ID, stores it on the request
// context, and logs one structured completion event per request.
func Middleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			r = r.WithContext(WithRequestID(r.Context(), requestID))

			wrapped := &statusCapturingWriter{ResponseWriter: w}
			next.ServeHTTP(wrapped, r)

			logger.Info("request completed",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.status),
				zap.Int64("bytes", wrapped.bytesWritten),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
