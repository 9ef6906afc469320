package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/premail/premail/internal/config"
)

// ErrTokensDisabled is returned when no API token secret is configured
var ErrTokensDisabled = errors.New("api tokens are not configured")

// TokenService handles API bearer token creation and validation.
// Tokens are HS256 JWTs whose subject is the user the caller acts for.
type TokenService struct {
	cfg config.APITokenConfig
}

// TokenClaims represents the claims in an API token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// NewTokenService creates a new TokenService.
func NewTokenService(cfg config.APITokenConfig) *TokenService {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	return &TokenService{cfg: cfg}
}

// Enabled reports whether bearer tokens are required
func (s *TokenService) Enabled() bool {
	return s.cfg.Secret != ""
}

// Issue creates a signed token for userID. An empty userID issues a service
// token that may act for any user.
func (s *TokenService) Issue(userID, scope string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrTokensDisabled
	}
	if ttl == 0 {
		ttl = s.cfg.TTL
	}

	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates a token and returns the claims.
func (s *TokenService) ValidateAccessToken(tokenString string) (*TokenClaims, error) {
	if !s.Enabled() {
		return nil, ErrTokensDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
