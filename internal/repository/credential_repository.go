package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/model"
)

// CredentialRepository handles Gmail credential persistence. Token strings
// are sealed before they are written and opened after they are read.
type CredentialRepository struct {
	db     *database.Postgres
	sealer *auth.Sealer
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *database.Postgres, sealer *auth.Sealer) *CredentialRepository {
	return &CredentialRepository{db: db, sealer: sealer}
}

// Get retrieves the credential for a user
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*model.Credential, error) {
	query := `
		SELECT user_id, access_token_enc, refresh_token_enc, token_type, expiry, scope, created_at, updated_at
		FROM gmail_credentials
		WHERE user_id = $1
	`
	var (
		c                 model.Credential
		accessEnc, refEnc string
		expiry            sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&c.UserID,
		&accessEnc,
		&refEnc,
		&c.TokenType,
		&expiry,
		&c.Scope,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiry.Valid {
		c.Expiry = expiry.Time
	}

	if c.AccessToken, err = r.sealer.Open(accessEnc, userID); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if c.RefreshToken, err = r.sealer.Open(refEnc, userID); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return &c, nil
}

// Upsert stores token material for a user, replacing any previous credential
func (r *CredentialRepository) Upsert(ctx context.Context, c *model.Credential) error {
	accessEnc, err := r.sealer.Seal(c.AccessToken, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refEnc, err := r.sealer.Seal(c.RefreshToken, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	var expiry sql.NullTime
	if !c.Expiry.IsZero() {
		expiry = sql.NullTime{Time: c.Expiry, Valid: true}
	}

	query := `
		INSERT INTO gmail_credentials (user_id, access_token_enc, refresh_token_enc, token_type,
		    expiry, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET access_token_enc = EXCLUDED.access_token_enc,
		    refresh_token_enc = EXCLUDED.refresh_token_enc,
		    token_type = EXCLUDED.token_type,
		    expiry = EXCLUDED.expiry,
		    scope = EXCLUDED.scope,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		c.UserID,
		accessEnc,
		refEnc,
		c.TokenType,
		expiry,
		c.Scope,
		c.CreatedAt,
		c.UpdatedAt,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Delete removes a user's credential
func (r *CredentialRepository) Delete(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM gmail_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
