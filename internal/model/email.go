package model

import (
	"time"
)

// EmailStatus represents the lifecycle state of an email record
type EmailStatus string

const (
	EmailStatusDraft     EmailStatus = "draft"
	EmailStatusScheduled EmailStatus = "scheduled"
	EmailStatusSending   EmailStatus = "sending"
	EmailStatusSent      EmailStatus = "sent"
	EmailStatusFailed    EmailStatus = "failed"
)

// Valid reports whether s is a known status
func (s EmailStatus) Valid() bool {
	switch s {
	case EmailStatusDraft, EmailStatusScheduled, EmailStatusSending, EmailStatusSent, EmailStatusFailed:
		return true
	}
	return false
}

// Editable reports whether the editor may still change a record in this status
func (s EmailStatus) Editable() bool {
	return s == EmailStatusDraft || s == EmailStatusScheduled
}

// Terminal reports whether the dispatcher is done with a record in this status
func (s EmailStatus) Terminal() bool {
	return s == EmailStatusSent || s == EmailStatusFailed
}

// Email represents a composed email, optionally scheduled for later delivery
type Email struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	To            []string    `json:"to"`
	Cc            []string    `json:"cc,omitempty"`
	Bcc           []string    `json:"bcc,omitempty"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	HTMLBody      string      `json:"htmlBody,omitempty"`
	Status        EmailStatus `json:"status"`
	ScheduledDate *time.Time  `json:"scheduledDate,omitempty"`
	ClaimedAt     *time.Time  `json:"claimedAt,omitempty"`
	SentAt        *time.Time  `json:"sentAt,omitempty"`
	FailedAt      *time.Time  `json:"failedAt,omitempty"`
	MessageID     *string     `json:"messageId,omitempty"`
	Error         *string     `json:"error,omitempty"`
	ErrorDetail   *string     `json:"errorDetail,omitempty"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsDue reports whether the email should be picked up by a tick at now
func (e *Email) IsDue(now time.Time) bool {
	return e.Status == EmailStatusScheduled && e.ScheduledDate != nil && !e.ScheduledDate.After(now)
}
