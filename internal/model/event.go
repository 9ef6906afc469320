package model

import "time"

// EmailEvent is an append-only record of a dispatcher transition
type EmailEvent struct {
	ID        string                 `json:"id"`
	EmailID   string                 `json:"emailId"`
	UserID    string                 `json:"userId"`
	Action    string                 `json:"action"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Email event action constants
const (
	EventActionClaimed   = "email.claimed"
	EventActionSent      = "email.sent"
	EventActionFailed    = "email.failed"
	EventActionReclaimed = "email.reclaimed"
)
