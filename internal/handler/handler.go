package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/dispatcher"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/middleware"
	"github.com/premail/premail/internal/service"
)

// HealthChecker is a dependency that can report its health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DispatcherControl is the part of the dispatcher exposed over HTTP
type DispatcherControl interface {
	Status() dispatcher.Status
	Tick(ctx context.Context) (dispatcher.TickResult, error)
}

// AuthURLer builds consent URLs for the external authorization flow
type AuthURLer interface {
	AuthCodeURL(state string) string
}

// Handler holds all HTTP handlers
type Handler struct {
	db         HealthChecker
	rdb        HealthChecker
	log        *logger.Logger
	cfg        *config.Config
	emailSvc   *service.EmailService
	credSvc    *service.CredentialService
	tx         mailer.Transmitter
	authURLs   AuthURLer
	dispatcher DispatcherControl
}

// New creates a new Handler instance. rdb may be nil when Redis is not used.
func New(db, rdb HealthChecker, log *logger.Logger, cfg *config.Config, emailSvc *service.EmailService, credSvc *service.CredentialService, tx mailer.Transmitter, authURLs AuthURLer, disp DispatcherControl) *Handler {
	return &Handler{
		db:         db,
		rdb:        rdb,
		log:        log.WithComponent("http"),
		cfg:        cfg,
		emailSvc:   emailSvc,
		credSvc:    credSvc,
		tx:         tx,
		authURLs:   authURLs,
		dispatcher: disp,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// canActFor reports whether the caller may act for userID. Requests without
// an authenticated subject (auth disabled) and service tokens may act for
// anyone; user tokens only for themselves.
func canActFor(r *http.Request, userID string) bool {
	subject, ok := middleware.SubjectFromContext(r.Context())
	if !ok || subject == "" {
		return true
	}
	return subject == userID
}

// isService reports whether the caller holds a service token or auth is off
func isService(r *http.Request) bool {
	subject, ok := middleware.SubjectFromContext(r.Context())
	return !ok || subject == ""
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
