package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds a caller-supplied ID before it reaches the logs
const maxRequestIDLen = 64

type requestInfoKey struct{}

type requestInfo struct {
	id    string
	start time.Time
}

// RequestID tags each request with an ID and its arrival time. A
// caller-supplied X-Request-ID is kept when it is short and printable,
// otherwise a fresh UUID is used.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo{id: r.Header.Get(RequestIDHeader), start: time.Now()}
		if !validRequestID(info.id) {
			info.id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, info.id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.id
}

// GetStartTime returns when the request arrived, or now outside a request
func GetStartTime(ctx context.Context) time.Time {
	if info, ok := ctx.Value(requestInfoKey{}).(requestInfo); ok {
		return info.start
	}
	return time.Now()
}
