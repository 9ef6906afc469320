package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
)

// Recover turns a panic into a 500 with the API's error envelope. The panic
// is logged with the request ID so it can be matched to the caller.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := w.Header().Get(RequestIDHeader)
			m.log.WithRequestID(requestID).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Panic recovered")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":      "internal_error",
					"message":   "An unexpected error occurred",
					"requestId": requestID,
				},
			})
		}()

		next.ServeHTTP(w, r)
	})
}
