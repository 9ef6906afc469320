package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/model"
)

const emailColumns = `
	id, user_id, to_addresses, cc_addresses, bcc_addresses, subject, body, html_body,
	status, scheduled_date, claimed_at, sent_at, failed_at, message_id, error,
	error_detail, attempts, created_at, updated_at`

// DueCursor is the keyset position of the last due record returned
type DueCursor struct {
	ScheduledDate time.Time
	ID            string
}

// Outcome carries the result of a delivery attempt to a terminal write
type Outcome struct {
	MessageID string
	Reason    string
	Detail    string
	Attempts  int
	At        time.Time
}

// EmailRepository handles email record persistence
type EmailRepository struct {
	db     *database.Postgres
	events *EventRepository
}

// NewEmailRepository creates a new EmailRepository
func NewEmailRepository(db *database.Postgres, events *EventRepository) *EmailRepository {
	return &EmailRepository{db: db, events: events}
}

// Create inserts a new email record
func (r *EmailRepository) Create(ctx context.Context, e *model.Email) error {
	query := `
		INSERT INTO emails (id, user_id, to_addresses, cc_addresses, bcc_addresses,
		    subject, body, html_body, status, scheduled_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		pq.Array(e.To),
		pq.Array(e.Cc),
		pq.Array(e.Bcc),
		e.Subject,
		e.Body,
		e.HTMLBody,
		e.Status,
		e.ScheduledDate,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create email: %w", err)
	}
	return nil
}

// GetByID retrieves an email by ID
func (r *EmailRepository) GetByID(ctx context.Context, id string) (*model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`
	return scanEmail(r.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns a user's emails, most recently updated first
func (r *EmailRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Email, error) {
	query := `SELECT ` + emailColumns + `
		FROM emails
		WHERE user_id = $1
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return collectEmails(rows)
}

// Update writes editor changes. Only draft and scheduled records can be
// changed; anything else returns ErrConflict.
func (r *EmailRepository) Update(ctx context.Context, e *model.Email) error {
	query := `
		UPDATE emails
		SET to_addresses = $1, cc_addresses = $2, bcc_addresses = $3, subject = $4,
		    body = $5, html_body = $6, status = $7, scheduled_date = $8,
		    error = NULL, error_detail = NULL,
		    updated_at = GREATEST(updated_at, $9)
		WHERE id = $10 AND status IN ('draft', 'scheduled')
		RETURNING updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		pq.Array(e.To),
		pq.Array(e.Cc),
		pq.Array(e.Bcc),
		e.Subject,
		e.Body,
		e.HTMLBody,
		e.Status,
		e.ScheduledDate,
		e.UpdatedAt,
		e.ID,
	).Scan(&e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, e.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return nil
}

// Delete removes an email. Records owned by the dispatcher (sending) stay.
func (r *EmailRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM emails WHERE id = $1 AND status <> 'sending'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListDue returns scheduled emails due at or before now, ordered by
// (scheduled_date, id) and starting strictly after the cursor.
// Served by idx_emails_due.
func (r *EmailRepository) ListDue(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]*model.Email, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		query := `SELECT ` + emailColumns + `
			FROM emails
			WHERE status = 'scheduled' AND scheduled_date <= $1
			ORDER BY scheduled_date, id
			LIMIT $2
		`
		rows, err = r.db.QueryContext(ctx, query, now, limit)
	} else {
		query := `SELECT ` + emailColumns + `
			FROM emails
			WHERE status = 'scheduled' AND scheduled_date <= $1
			  AND (scheduled_date, id) > ($2, $3)
			ORDER BY scheduled_date, id
			LIMIT $4
		`
		rows, err = r.db.QueryContext(ctx, query, now, after.ScheduledDate, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query due emails: %w", err)
	}
	return collectEmails(rows)
}

// Claim moves a scheduled email to sending. It returns false when the record
// is no longer scheduled (claimed elsewhere, edited, or deleted).
func (r *EmailRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE emails
		SET status = 'sending', claimed_at = $1, updated_at = GREATEST(updated_at, $1)
		WHERE id = $2 AND status = 'scheduled'
		RETURNING user_id
	`
	return r.transition(ctx, query, []interface{}{at, id}, id, model.EventActionClaimed, at, nil)
}

// MarkSent records a successful delivery
func (r *EmailRepository) MarkSent(ctx context.Context, id string, o Outcome) (bool, error) {
	query := `
		UPDATE emails
		SET status = 'sent', sent_at = $1, message_id = $2, attempts = attempts + $3,
		    error = NULL, error_detail = NULL, updated_at = GREATEST(updated_at, $1)
		WHERE id = $4 AND status IN ('scheduled', 'sending')
		RETURNING user_id
	`
	meta := map[string]interface{}{"message_id": o.MessageID, "attempts": o.Attempts}
	return r.transition(ctx, query, []interface{}{o.At, o.MessageID, o.Attempts, id}, id, model.EventActionSent, o.At, meta)
}

// MarkFailed records a failed delivery with its reason
func (r *EmailRepository) MarkFailed(ctx context.Context, id string, o Outcome) (bool, error) {
	query := `
		UPDATE emails
		SET status = 'failed', failed_at = $1, error = $2, error_detail = $3,
		    attempts = attempts + $4, updated_at = GREATEST(updated_at, $1)
		WHERE id = $5 AND status IN ('scheduled', 'sending')
		RETURNING user_id
	`
	meta := map[string]interface{}{"error": o.Reason, "detail": o.Detail, "attempts": o.Attempts}
	return r.transition(ctx, query, []interface{}{o.At, o.Reason, o.Detail, o.Attempts, id}, id, model.EventActionFailed, o.At, meta)
}

// ReclaimStale returns sending records claimed before cutoff to scheduled
func (r *EmailRepository) ReclaimStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	var reclaimed int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE emails
			SET status = 'scheduled', claimed_at = NULL, updated_at = GREATEST(updated_at, $1)
			WHERE status = 'sending' AND claimed_at < $2
			RETURNING id, user_id
		`, at, cutoff)
		if err != nil {
			return fmt.Errorf("failed to reclaim stale emails: %w", err)
		}

		type pair struct{ id, userID string }
		var reclaimedRows []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.id, &p.userID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan reclaimed email: %w", err)
			}
			reclaimedRows = append(reclaimedRows, p)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range reclaimedRows {
			meta := map[string]interface{}{"cutoff": cutoff}
			if err := r.events.createTx(ctx, tx, newEvent(p.id, p.userID, model.EventActionReclaimed, at, meta)); err != nil {
				return err
			}
		}
		reclaimed = int64(len(reclaimedRows))
		return nil
	})
	return reclaimed, err
}

// transition runs a conditional single-row update and, when it matched,
// appends an event in the same transaction.
func (r *EmailRepository) transition(ctx context.Context, query string, args []interface{}, id, action string, at time.Time, meta map[string]interface{}) (bool, error) {
	changed := false
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, query, args...).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", action, err)
		}
		changed = true
		return r.events.createTx(ctx, tx, newEvent(id, userID, action, at, meta))
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmail(row rowScanner) (*model.Email, error) {
	var (
		e                  model.Email
		to, cc, bcc        []string
		messageID, errName sql.NullString
		errDetail          sql.NullString
		scheduled, claimed sql.NullTime
		sentAt, failedAt   sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.UserID,
		pq.Array(&to),
		pq.Array(&cc),
		pq.Array(&bcc),
		&e.Subject,
		&e.Body,
		&e.HTMLBody,
		&e.Status,
		&scheduled,
		&claimed,
		&sentAt,
		&failedAt,
		&messageID,
		&errName,
		&errDetail,
		&e.Attempts,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan email: %w", err)
	}

	e.To, e.Cc, e.Bcc = to, cc, bcc
	e.ScheduledDate = nullTimePtr(scheduled)
	e.ClaimedAt = nullTimePtr(claimed)
	e.SentAt = nullTimePtr(sentAt)
	e.FailedAt = nullTimePtr(failedAt)
	e.MessageID = nullStringPtr(messageID)
	e.Error = nullStringPtr(errName)
	e.ErrorDetail = nullStringPtr(errDetail)
	return &e, nil
}

func collectEmails(rows *sql.Rows) ([]*model.Email, error) {
	defer rows.Close()

	var emails []*model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emails: %w", err)
	}
	return emails, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
