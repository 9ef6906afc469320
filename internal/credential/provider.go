// Package credential hands out authorized Gmail HTTP clients for users and
// keeps their delegated OAuth2 tokens fresh.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/repository"
)

// Credential errors
var (
	// ErrNoCredential means the user never completed delegated authorization.
	ErrNoCredential = errors.New("no credential on file")
	// ErrAuthFailure means the stored credential was rejected and cannot be refreshed.
	ErrAuthFailure = errors.New("credential rejected")
	// ErrUnavailable means the credential could not be loaded, refreshed or
	// persisted for a reason that may go away on its own.
	ErrUnavailable = errors.New("credential temporarily unavailable")
)

// Store persists credentials
type Store interface {
	Get(ctx context.Context, userID string) (*model.Credential, error)
	Upsert(ctx context.Context, c *model.Credential) error
}

// Provider loads, refreshes and persists delegated Gmail credentials.
// All use of one user's credential is serialized, so two sends for the same
// user never race a refresh.
type Provider struct {
	store Store
	oauth *oauth2.Config
	now   func() time.Time
	log   *logger.Logger
	locks sync.Map // userID -> *sync.Mutex
}

// NewProvider creates a new Provider
func NewProvider(store Store, cfg config.GmailConfig, log *logger.Logger) *Provider {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &Provider{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmail.GmailSendScope},
			Endpoint:     endpoint,
		},
		now: time.Now,
		log: log.WithComponent("credential_provider"),
	}
}

// AuthCodeURL returns the consent URL the external authorization flow sends
// a user to. Offline access is requested so a refresh token is issued.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Do runs fn with an HTTP client authorized as userID. If the token was
// refreshed, the new token is persisted before the request that needed it
// goes out, and is returned to the caller.
//
// When the API rejects an access token that still looked valid locally and a
// refresh token is on file, Do forces one refresh and runs fn once more.
func (p *Provider) Do(ctx context.Context, userID string, fn func(ctx context.Context, client *http.Client) error) (*oauth2.Token, error) {
	mu := p.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	cred, err := p.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	src := &persistingSource{
		ctx:  ctx,
		p:    p,
		cred: cred,
		base: p.oauth.TokenSource(ctx, cred.Token()),
	}

	fnErr := fn(ctx, oauth2.NewClient(ctx, src))

	// A refresh problem surfaces through the transport as a generic url
	// error; the source keeps the real cause.
	if src.err != nil {
		return src.refreshed, src.err
	}
	if src.refreshed != nil || cred.RefreshToken == "" || !unauthorized(fnErr) {
		return src.refreshed, fnErr
	}

	p.log.Info().Str("user_id", userID).Msg("Access token rejected, forcing refresh")

	// An empty access token is never valid, so the source goes straight to
	// the token endpoint.
	forced := &persistingSource{
		ctx:  ctx,
		p:    p,
		cred: cred,
		base: p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}),
	}
	fnErr = fn(ctx, oauth2.NewClient(ctx, forced))
	if forced.err != nil {
		return forced.refreshed, forced.err
	}
	return forced.refreshed, fnErr
}

// Token returns a valid access token for userID, refreshing and persisting it
// when needed.
func (p *Provider) Token(ctx context.Context, userID string) (*oauth2.Token, error) {
	mu := p.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	cred, err := p.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	src := &persistingSource{ctx: ctx, p: p, cred: cred, base: p.oauth.TokenSource(ctx, cred.Token())}
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (p *Provider) lock(userID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Provider) load(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := p.store.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, ErrNoCredential
	}

	tok := cred.Token()
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: access token expired and no refresh token on file", ErrAuthFailure)
	}
	return cred, nil
}

// persistingSource wraps the refreshing token source and writes any new
// token back to the store before handing it out.
type persistingSource struct {
	ctx  context.Context
	p    *Provider
	cred *model.Credential
	base oauth2.TokenSource

	refreshed *oauth2.Token
	err       error
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		s.err = classifyRefresh(err)
		return nil, s.err
	}
	if tok.AccessToken == s.cred.AccessToken {
		return tok, nil
	}

	s.cred.ApplyToken(tok)
	s.cred.UpdatedAt = s.p.now().UTC()
	if err := s.p.store.Upsert(s.ctx, s.cred); err != nil {
		s.p.log.Error().Err(err).Str("user_id", s.cred.UserID).Msg("Failed to persist refreshed token")
		s.err = fmt.Errorf("%w: persist refreshed token: %w", ErrUnavailable, err)
		return nil, s.err
	}

	s.p.log.Debug().Str("user_id", s.cred.UserID).Time("expiry", tok.Expiry).Msg("Refreshed access token")
	s.refreshed = tok
	return tok, nil
}

// unauthorized reports whether err is an API response rejecting the bearer
// token.
func unauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

// classifyRefresh maps a token endpoint error to the credential taxonomy.
// The endpoint rejecting the grant is final; everything else may be retried.
func classifyRefresh(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
