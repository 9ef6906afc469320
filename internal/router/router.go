package router

import (
	"net/http"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/handler"
	"github.com/premail/premail/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, cfg *config.Config, tokenSvc *auth.TokenService) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"premail API v1","version":"0.1.0"}`))
	})

	authMw := mw.Auth(tokenSvc)

	// Direct send (rate limited per caller)
	sendRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "send",
		Limit:  cfg.Security.RateLimiting.SendLimit,
		Window: cfg.Security.RateLimiting.SendWindow,
		KeyFn:  middleware.SubjectKey,
	})
	mux.Handle("POST /api/v1/send", authMw(sendRateLimit(http.HandlerFunc(h.Send))))

	// Email records
	mux.Handle("POST /api/v1/emails", authMw(http.HandlerFunc(h.CreateEmail)))
	mux.Handle("GET /api/v1/emails/{id}", authMw(http.HandlerFunc(h.GetEmail)))
	mux.Handle("PATCH /api/v1/emails/{id}", authMw(http.HandlerFunc(h.UpdateEmail)))
	mux.Handle("DELETE /api/v1/emails/{id}", authMw(http.HandlerFunc(h.DeleteEmail)))
	mux.Handle("GET /api/v1/users/{userId}/emails", authMw(http.HandlerFunc(h.ListUserEmails)))

	// Gmail credentials
	mux.Handle("PUT /api/v1/users/{userId}/credential", authMw(http.HandlerFunc(h.PutCredential)))
	mux.Handle("GET /api/v1/users/{userId}/credential", authMw(http.HandlerFunc(h.GetCredential)))
	mux.Handle("DELETE /api/v1/users/{userId}/credential", authMw(http.HandlerFunc(h.DeleteCredential)))
	mux.Handle("GET /api/v1/users/{userId}/credential/authorize-url", authMw(http.HandlerFunc(h.CredentialAuthURL)))

	// Dispatcher
	mux.Handle("GET /api/v1/dispatcher", authMw(http.HandlerFunc(h.DispatcherStatus)))
	mux.Handle("POST /api/v1/dispatcher/tick", authMw(http.HandlerFunc(h.DispatcherTick)))

	// Apply middleware stack
	var handler http.Handler = mux

	handler = mw.CORS(cfg.Server.AllowedOrigins)(handler)

	// Security headers
	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Request ID and arrival time
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
