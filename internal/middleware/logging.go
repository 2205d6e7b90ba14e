package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger assigns a request id and logs one line per request. An
// inbound X-Request-ID from a trusted proxy is kept so traces line up across
// services.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		start := time.Now()

		w.Header().Set("X-Request-ID", reqID)
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(withRequestID(r.Context(), reqID)))

		log.Printf("[REQ:%s] %s %s from %s -> %d in %v",
			reqID, r.Method, r.URL.Path, r.RemoteAddr, rw.status, time.Since(start))
	})
}
