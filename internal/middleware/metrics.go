package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"habit-sync/internal/metrics"
)

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Instrument records request count and latency per endpoint and logs
// requests that end in a server error
func Instrument(endpoint string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			statusStr := strconv.Itoa(rec.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(endpoint, statusStr).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(endpoint, statusStr).Observe(duration.Seconds())

			if rec.statusCode >= http.StatusInternalServerError {
				logger.Error("Request failed",
					"endpoint", endpoint,
					"method", r.Method,
					"status", rec.statusCode,
					"duration_ms", duration.Milliseconds())
			}
		})
	}
}

// RequireBearer rejects requests whose Authorization header does not carry
// the expected bearer token
func RequireBearer(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	expected := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if apiKey == "" || subtle.ConstantTimeCompare(got, expected) != 1 {
				logger.Warn("Unauthorized request", "path", r.URL.Path, "has_auth", len(got) > 0)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WrapHandler instruments an unauthenticated HandlerFunc
func WrapHandler(endpoint string, handler http.HandlerFunc) http.Handler {
	return Instrument(endpoint, nil)(handler)
}

// WrapProtected instruments a HandlerFunc and requires the internal API key
func WrapProtected(endpoint, apiKey string, handler http.HandlerFunc) http.Handler {
	return Instrument(endpoint, nil)(RequireBearer(apiKey, nil)(handler))
}
