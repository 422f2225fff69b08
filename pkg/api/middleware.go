package api

import (
	"net/http"
	"time"

	"github.com/tcmartin/agentrunner/pkg/logging"
)

// corsMiddleware allows browser clients from any origin and answers
// preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request at debug level
func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("Request",
				logging.F("method", r.Method),
				logging.F("path", r.URL.Path),
				logging.F("remote", r.RemoteAddr),
				logging.F("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}
