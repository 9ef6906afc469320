package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/repository"
)

// Email service errors
var (
	ErrEmailNotFound = errors.New("email not found")
	ErrNotEditable   = errors.New("email can no longer be changed")
	ErrValidation    = errors.New("validation failed")
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxSubjectLen   = 998
)

// EmailStore persists email records
type EmailStore interface {
	Create(ctx context.Context, e *model.Email) error
	GetByID(ctx context.Context, id string) (*model.Email, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Email, error)
	Update(ctx context.Context, e *model.Email) error
	Delete(ctx context.Context, id string) error
}

// EmailInput is the editor's view of an email
type EmailInput struct {
	To            []string
	Cc            []string
	Bcc           []string
	Subject       string
	Body          string
	HTMLBody      string
	Status        model.EmailStatus
	ScheduledDate *time.Time
}

// EmailPatch changes the fields that are set
type EmailPatch struct {
	To            *[]string
	Cc            *[]string
	Bcc           *[]string
	Subject       *string
	Body          *string
	HTMLBody      *string
	Status        *model.EmailStatus
	ScheduledDate *time.Time
	// ClearSchedule removes the scheduled date.
	ClearSchedule bool
}

// EmailService handles email record business logic for the editor
type EmailService struct {
	emails EmailStore
	policy *bluemonday.Policy
	now    func() time.Time
	log    *logger.Logger
}

// NewEmailService creates a new EmailService
func NewEmailService(emails EmailStore, log *logger.Logger) *EmailService {
	return &EmailService{
		emails: emails,
		policy: bluemonday.UGCPolicy(),
		now:    time.Now,
		log:    log.WithComponent("email_service"),
	}
}

// Create stores a new draft or scheduled email for userID
func (s *EmailService) Create(ctx context.Context, userID string, in EmailInput) (*model.Email, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if in.Status == "" {
		in.Status = model.EmailStatusDraft
	}

	now := s.now().UTC()
	e := &model.Email{
		ID:        uuid.New().String(),
		UserID:    userID,
		Subject:   in.Subject,
		Body:      in.Body,
		HTMLBody:  in.HTMLBody,
		Status:    in.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.setRecipients(e, in.To, in.Cc, in.Bcc); err != nil {
		return nil, err
	}
	e.ScheduledDate = in.ScheduledDate
	if err := s.normalize(e); err != nil {
		return nil, err
	}

	if err := s.emails.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create email: %w", err)
	}

	s.log.Info().Str("email_id", e.ID).Str("user_id", userID).Str("status", string(e.Status)).Msg("Email created")
	return e, nil
}

// Get returns one email
func (s *EmailService) Get(ctx context.Context, id string) (*model.Email, error) {
	e, err := s.emails.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return e, nil
}

// List returns a user's emails, most recently updated first
func (s *EmailService) List(ctx context.Context, userID string, limit, offset int) ([]*model.Email, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	emails, err := s.emails.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	if emails == nil {
		emails = []*model.Email{}
	}
	return emails, nil
}

// Update applies an editor change. Only draft and scheduled emails can change.
func (s *EmailService) Update(ctx context.Context, id string, patch EmailPatch) (*model.Email, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Status.Editable() {
		return nil, ErrNotEditable
	}

	to, cc, bcc := e.To, e.Cc, e.Bcc
	if patch.To != nil {
		to = *patch.To
	}
	if patch.Cc != nil {
		cc = *patch.Cc
	}
	if patch.Bcc != nil {
		bcc = *patch.Bcc
	}
	if err := s.setRecipients(e, to, cc, bcc); err != nil {
		return nil, err
	}
	if patch.Subject != nil {
		e.Subject = *patch.Subject
	}
	if patch.Body != nil {
		e.Body = *patch.Body
	}
	if patch.HTMLBody != nil {
		e.HTMLBody = *patch.HTMLBody
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.ScheduledDate != nil {
		e.ScheduledDate = patch.ScheduledDate
	}
	if patch.ClearSchedule {
		e.ScheduledDate = nil
	}
	if err := s.normalize(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = s.now().UTC()

	if err := s.emails.Update(ctx, e); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrEmailNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrNotEditable
		}
		return nil, fmt.Errorf("failed to update email: %w", err)
	}

	s.log.Info().Str("email_id", e.ID).Str("status", string(e.Status)).Msg("Email updated")
	return e, nil
}

// Delete removes an email. Emails being sent cannot be deleted.
func (s *EmailService) Delete(ctx context.Context, id string) error {
	err := s.emails.Delete(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrEmailNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrNotEditable
	case err != nil:
		return fmt.Errorf("failed to delete email: %w", err)
	}
	s.log.Info().Str("email_id", id).Msg("Email deleted")
	return nil
}

func (s *EmailService) setRecipients(e *model.Email, to, cc, bcc []string) error {
	var err error
	if e.To, err = auth.ParseRecipients(to...); err != nil {
		return fmt.Errorf("%w: to: %w", ErrValidation, err)
	}
	if e.Cc, err = auth.ParseRecipients(cc...); err != nil {
		return fmt.Errorf("%w: cc: %w", ErrValidation, err)
	}
	if e.Bcc, err = auth.ParseRecipients(bcc...); err != nil {
		return fmt.Errorf("%w: bcc: %w", ErrValidation, err)
	}
	return nil
}

// normalize enforces the editor rules: only draft and scheduled may be
// written, a scheduled email carries a date and must be sendable, and HTML
// bodies are sanitized.
func (s *EmailService) normalize(e *model.Email) error {
	if !e.Status.Editable() {
		return fmt.Errorf("%w: status must be %q or %q", ErrValidation, model.EmailStatusDraft, model.EmailStatusScheduled)
	}
	if len(e.Subject) > maxSubjectLen {
		return fmt.Errorf("%w: subject is too long", ErrValidation)
	}
	if e.HTMLBody != "" {
		e.HTMLBody = s.policy.Sanitize(e.HTMLBody)
	}

	if e.Status == model.EmailStatusDraft {
		e.ScheduledDate = nil
		return nil
	}

	if e.ScheduledDate == nil {
		return fmt.Errorf("%w: scheduledDate is required for scheduled emails", ErrValidation)
	}
	at := e.ScheduledDate.UTC()
	e.ScheduledDate = &at

	msg := mailer.Message{To: e.To, Cc: e.Cc, Bcc: e.Bcc, Subject: e.Subject, HTMLBody: e.HTMLBody, TextBody: e.Body}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
