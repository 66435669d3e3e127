package api

import (
	"net/http"
	"time"

	"log/slog"
)

// statusRecorder captures the status code a handler writes so the logging
// middleware can report it, since http.ResponseWriter doesn't expose it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request's method, path, status, and duration,
// and feeds the duration into the HTTP request histogram — the same shape
// as the teacher's handlers.LoggingMiddleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(r.URL.Path, rec.status, elapsed.Seconds())
		}
	})
}
