package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/repository"
)

// ErrCredentialNotFound is returned when a user has no stored credential
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore persists Gmail credentials
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*model.Credential, error)
	Upsert(ctx context.Context, c *model.Credential) error
	Delete(ctx context.Context, userID string) error
}

// CredentialInput is token material handed over by the external consent flow
type CredentialInput struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
}

// CredentialService manages stored Gmail credentials
type CredentialService struct {
	creds CredentialStore
	now   func() time.Time
	log   *logger.Logger
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(creds CredentialStore, log *logger.Logger) *CredentialService {
	return &CredentialService{
		creds: creds,
		now:   time.Now,
		log:   log.WithComponent("credential_service"),
	}
}

// Put stores token material for userID, replacing what was there. A missing
// refresh token keeps the stored one. A missing expiry is taken as "now" when
// the token can be refreshed.
func (s *CredentialService) Put(ctx context.Context, userID string, in CredentialInput) (*model.Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if in.AccessToken == "" && in.RefreshToken == "" {
		return nil, fmt.Errorf("%w: accessToken or refreshToken is required", ErrValidation)
	}

	now := s.now().UTC()
	cred, err := s.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		cred = &model.Credential{UserID: userID, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	cred.AccessToken = in.AccessToken
	if in.RefreshToken != "" {
		cred.RefreshToken = in.RefreshToken
	}
	cred.TokenType = in.TokenType
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	cred.Expiry = in.Expiry
	if cred.Expiry.IsZero() && cred.RefreshToken != "" {
		// Unknown lifetime. Treat it as already expired so first use refreshes.
		cred.Expiry = now
	}
	cred.Scope = in.Scope
	cred.UpdatedAt = now

	if err := s.creds.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	s.log.Info().Str("user_id", userID).Msg("Credential stored")
	return cred, nil
}

// Get returns the stored credential for userID
func (s *CredentialService) Get(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.creds.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// Delete removes the stored credential for userID
func (s *CredentialService) Delete(ctx context.Context, userID string) error {
	err := s.creds.Delete(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrCredentialNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.log.Info().Str("user_id", userID).Msg("Credential deleted")
	return nil
}
