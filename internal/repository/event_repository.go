package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/model"
)

// EventRepository handles email event persistence
type EventRepository struct {
	db *database.Postgres
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *database.Postgres) *EventRepository {
	return &EventRepository{db: db}
}

func newEvent(emailID, userID, action string, at time.Time, meta map[string]interface{}) *model.EmailEvent {
	return &model.EmailEvent{
		ID:        uuid.New().String(),
		EmailID:   emailID,
		UserID:    userID,
		Action:    action,
		Metadata:  meta,
		CreatedAt: at,
	}
}

const insertEventQuery = `
	INSERT INTO email_events (id, email_id, user_id, action, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

// Create inserts a new email event
func (r *EventRepository) Create(ctx context.Context, ev *model.EmailEvent) error {
	_, err := r.db.ExecContext(ctx, insertEventQuery, eventArgs(ev)...)
	if err != nil {
		return fmt.Errorf("failed to create email event: %w", err)
	}
	return nil
}

func (r *EventRepository) createTx(ctx context.Context, tx *sql.Tx, ev *model.EmailEvent) error {
	if _, err := tx.ExecContext(ctx, insertEventQuery, eventArgs(ev)...); err != nil {
		return fmt.Errorf("failed to create email event: %w", err)
	}
	return nil
}

// ListByEmail returns the events of one email in the order they happened
func (r *EventRepository) ListByEmail(ctx context.Context, emailID string) ([]*model.EmailEvent, error) {
	query := `
		SELECT id, email_id, user_id, action, metadata, created_at
		FROM email_events
		WHERE email_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email events: %w", err)
	}
	defer rows.Close()

	var events []*model.EmailEvent
	for rows.Next() {
		var (
			ev   model.EmailEvent
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EmailID, &ev.UserID, &ev.Action, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan email event: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func eventArgs(ev *model.EmailEvent) []interface{} {
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil || ev.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	return []interface{}{ev.ID, ev.EmailID, ev.UserID, ev.Action, metadataJSON, ev.CreatedAt}
}
