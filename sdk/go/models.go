package premail

import (
	"encoding/json"
	"time"
)

// EmailData is the message of a direct send.
type EmailData struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	HTMLBody string   `json:"htmlBody,omitempty"`
	TextBody string   `json:"textBody,omitempty"`
}

// SendRequest is the body of a direct send.
type SendRequest struct {
	UserID    string    `json:"userId"`
	EmailData EmailData `json:"emailData"`
}

// SendResult is returned by a successful direct send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Email is a stored draft or scheduled email.
type Email struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	To            []string   `json:"to"`
	Cc            []string   `json:"cc,omitempty"`
	Bcc           []string   `json:"bcc,omitempty"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	HTMLBody      string     `json:"htmlBody,omitempty"`
	Status        string     `json:"status"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	MessageID     *string    `json:"messageId,omitempty"`
	Error         *string    `json:"error,omitempty"`
	ErrorDetail   *string    `json:"errorDetail,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CreateEmailRequest creates a draft or scheduled email.
type CreateEmailRequest struct {
	UserID        string     `json:"userId"`
	To            []string   `json:"to,omitempty"`
	Cc            []string   `json:"cc,omitempty"`
	Bcc           []string   `json:"bcc,omitempty"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	HTMLBody      string     `json:"htmlBody,omitempty"`
	Status        string     `json:"status,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
}

// UpdateEmailRequest changes an email. Nil fields are left unchanged.
// ClearSchedule sends an explicit null scheduledDate.
type UpdateEmailRequest struct {
	To            *[]string
	Cc            *[]string
	Bcc           *[]string
	Subject       *string
	Body          *string
	HTMLBody      *string
	Status        *string
	ScheduledDate *time.Time
	ClearSchedule bool
}

// MarshalJSON omits unset fields and writes null for a cleared schedule.
func (r UpdateEmailRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if r.To != nil {
		m["to"] = *r.To
	}
	if r.Cc != nil {
		m["cc"] = *r.Cc
	}
	if r.Bcc != nil {
		m["bcc"] = *r.Bcc
	}
	if r.Subject != nil {
		m["subject"] = *r.Subject
	}
	if r.Body != nil {
		m["body"] = *r.Body
	}
	if r.HTMLBody != nil {
		m["htmlBody"] = *r.HTMLBody
	}
	if r.Status != nil {
		m["status"] = *r.Status
	}
	switch {
	case r.ClearSchedule:
		m["scheduledDate"] = nil
	case r.ScheduledDate != nil:
		m["scheduledDate"] = r.ScheduledDate.UTC()
	}
	return json.Marshal(m)
}

// PutCredentialRequest carries Gmail token material.
type PutCredentialRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// Credential describes a stored credential. Token values are never returned.
type Credential struct {
	UserID          string    `json:"userId"`
	TokenType       string    `json:"tokenType"`
	Expiry          time.Time `json:"expiry"`
	Scope           string    `json:"scope,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TickResult summarizes one dispatch pass.
type TickResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Reclaimed int64         `json:"reclaimed"`
	LeaseHeld bool          `json:"leaseHeld,omitempty"`
}

// DispatcherStatus is a point-in-time view of the scheduled-send loop.
type DispatcherStatus struct {
	Running      bool        `json:"running"`
	ClaimPolicy  string      `json:"claimPolicy"`
	PollInterval string      `json:"pollInterval"`
	Ticks        int64       `json:"ticks"`
	LastTick     *TickResult `json:"lastTick,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
}
