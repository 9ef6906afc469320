package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/middleware"
)

func newMiddleware() *middleware.Middleware {
	return middleware.New(nil, logger.Nop(), &config.Config{})
}

// echoSubject writes the authenticated subject, or "-" when there is none
var echoSubject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		subject = "-"
	}
	_, _ = w.Write([]byte(subject))
})

func TestAuth(t *testing.T) {
	t.Parallel()

	tokens := auth.NewTokenService(config.APITokenConfig{Secret: "k", Issuer: "premail", TTL: time.Minute})
	h := newMiddleware().Auth(tokens)(echoSubject)

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()
		token, err := tokens.Issue("user-1", "", 0)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", rec.Body.String())
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		open := newMiddleware().Auth(auth.NewTokenService(config.APITokenConfig{}))(echoSubject)
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "-", rec.Body.String())
	})
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := newMiddleware().CORS([]string{"https://app.example"})(echoSubject)

	t.Run("preflight", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/send", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
	})

	t.Run("unknown origin", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newMiddleware().SecurityHeaders(echoSubject).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRecoverAndRequestID(t *testing.T) {
	t.Parallel()

	mw := newMiddleware()
	var seen string
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
		panic("boom")
	})
	h := mw.Recover(mw.RequestID(panicky))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "missing", header: ""},
		{name: "kept", header: "req-42", keep: true},
		{name: "too long", header: strings.Repeat("a", 65)},
		{name: "control characters", header: "req\r\nX-Evil: 1"},
		{name: "spaces", header: "req 42"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var (
				seen  string
				start time.Time
			)
			h := newMiddleware().RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = middleware.GetRequestID(r.Context())
				start = middleware.GetStartTime(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("X-Request-ID", tc.header)
			}
			before := time.Now()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			assert.False(t, start.Before(before))
			if tc.keep {
				assert.Equal(t, tc.header, seen)
				return
			}
			assert.NotEqual(t, tc.header, seen)
			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
		})
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	t.Parallel()

	h := newMiddleware().RateLimit(middleware.RateLimitConfig{Name: "send", Limit: 1, Window: time.Minute, KeyFn: middleware.IPKey})(echoSubject)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
