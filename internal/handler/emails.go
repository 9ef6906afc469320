package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/service"
)

// CreateEmailRequest is the body of POST /api/v1/emails
type CreateEmailRequest struct {
	UserID        string            `json:"userId"`
	To            Recipients        `json:"to"`
	Cc            Recipients        `json:"cc,omitempty"`
	Bcc           Recipients        `json:"bcc,omitempty"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	HTMLBody      string            `json:"htmlBody,omitempty"`
	Status        model.EmailStatus `json:"status,omitempty"`
	ScheduledDate *time.Time        `json:"scheduledDate,omitempty"`
}

// UpdateEmailRequest is the body of PATCH /api/v1/emails/{id}. Absent fields
// are left unchanged; "scheduledDate": null clears the schedule.
type UpdateEmailRequest struct {
	To            *Recipients        `json:"to,omitempty"`
	Cc            *Recipients        `json:"cc,omitempty"`
	Bcc           *Recipients        `json:"bcc,omitempty"`
	Subject       *string            `json:"subject,omitempty"`
	Body          *string            `json:"body,omitempty"`
	HTMLBody      *string            `json:"htmlBody,omitempty"`
	Status        *model.EmailStatus `json:"status,omitempty"`
	ScheduledDate optionalTime       `json:"scheduledDate"`
}

// optionalTime tells an explicit null apart from an absent field
type optionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *optionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

// CreateEmail stores a new draft or scheduled email
func (h *Handler) CreateEmail(w http.ResponseWriter, r *http.Request) {
	var req CreateEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if !canActFor(r, req.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	e, err := h.emailSvc.Create(r.Context(), req.UserID, service.EmailInput{
		To:            req.To,
		Cc:            req.Cc,
		Bcc:           req.Bcc,
		Subject:       req.Subject,
		Body:          req.Body,
		HTMLBody:      req.HTMLBody,
		Status:        req.Status,
		ScheduledDate: req.ScheduledDate,
	})
	if err != nil {
		h.writeEmailError(w, err, "Failed to create email")
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// ListUserEmails returns a user's emails, most recently updated first
func (h *Handler) ListUserEmails(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !canActFor(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	emails, err := h.emailSvc.List(r.Context(), userID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		h.writeEmailError(w, err, "Failed to list emails")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"emails": emails})
}

// GetEmail returns a single email
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadOwnedEmail(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// UpdateEmail applies an editor change to a draft or scheduled email
func (h *Handler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	var req UpdateEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	e, ok := h.loadOwnedEmail(w, r)
	if !ok {
		return
	}

	patch := service.EmailPatch{
		Subject:  req.Subject,
		Body:     req.Body,
		HTMLBody: req.HTMLBody,
		Status:   req.Status,
	}
	patch.To = recipientsPtr(req.To)
	patch.Cc = recipientsPtr(req.Cc)
	patch.Bcc = recipientsPtr(req.Bcc)
	if req.ScheduledDate.Set {
		patch.ScheduledDate = req.ScheduledDate.Value
		patch.ClearSchedule = req.ScheduledDate.Value == nil
	}

	updated, err := h.emailSvc.Update(r.Context(), e.ID, patch)
	if err != nil {
		h.writeEmailError(w, err, "Failed to update email")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteEmail removes an email that is not being sent
func (h *Handler) DeleteEmail(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadOwnedEmail(w, r)
	if !ok {
		return
	}

	if err := h.emailSvc.Delete(r.Context(), e.ID); err != nil {
		h.writeEmailError(w, err, "Failed to delete email")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedEmail fetches the email in the path. Emails of other users are
// reported as missing.
func (h *Handler) loadOwnedEmail(w http.ResponseWriter, r *http.Request) (*model.Email, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email ID is required")
		return nil, false
	}

	e, err := h.emailSvc.Get(r.Context(), id)
	if err == nil && !canActFor(r, e.UserID) {
		err = service.ErrEmailNotFound
	}
	if err != nil {
		h.writeEmailError(w, err, "Failed to get email")
		return nil, false
	}
	return e, true
}

func (h *Handler) writeEmailError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrEmailNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Email not found")
	case errors.Is(err, service.ErrNotEditable):
		writeError(w, http.StatusConflict, "not_editable", "Email can no longer be changed")
	default:
		h.log.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func recipientsPtr(r *Recipients) *[]string {
	if r == nil {
		return nil
	}
	list := []string(*r)
	return &list
}
