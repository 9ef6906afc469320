package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/mailer"
)

// defaultSendTimeout bounds a direct send when no send_timeout is configured
const defaultSendTimeout = 30 * time.Second

// SendRequest is the direct-send request body
type SendRequest struct {
	UserID    string    `json:"userId"`
	EmailData EmailData `json:"emailData"`
}

// EmailData is the message part of a direct-send request
type EmailData struct {
	To       Recipients `json:"to"`
	Cc       Recipients `json:"cc,omitempty"`
	Bcc      Recipients `json:"bcc,omitempty"`
	Subject  string     `json:"subject"`
	HTMLBody string     `json:"htmlBody,omitempty"`
	TextBody string     `json:"textBody,omitempty"`
}

// SendResponse is the direct-send response body
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Send transmits a message immediately on behalf of a user
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := readJSON(r, &req); err != nil {
		writeSendError(w, http.StatusBadRequest, mailer.ReasonInvalidMessage, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeSendError(w, http.StatusBadRequest, mailer.ReasonInvalidMessage, "userId is required")
		return
	}
	if !canActFor(r, req.UserID) {
		writeSendError(w, http.StatusForbidden, "Forbidden", "Token does not allow sending as this user")
		return
	}

	msg, err := buildMessage(req.EmailData)
	if err != nil {
		writeSendError(w, http.StatusBadRequest, mailer.ReasonInvalidMessage, err.Error())
		return
	}

	timeout := h.cfg.Dispatcher.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := h.tx.Send(ctx, req.UserID, msg)
	if err != nil {
		reason := mailer.Reason(err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, mailer.ErrInvalidMessage):
			status = http.StatusBadRequest
		case errors.Is(err, mailer.ErrNoCredential):
			status = http.StatusNotFound
		case errors.Is(err, mailer.ErrAuthFailure):
			status = http.StatusUnauthorized
		default:
			h.log.Error().Err(err).Str("user_id", req.UserID).Msg("direct send failed")
		}
		writeSendError(w, status, reason, err.Error())
		return
	}

	h.log.Info().Str("user_id", req.UserID).Str("message_id", result.MessageID).Msg("direct send succeeded")
	writeJSON(w, http.StatusOK, SendResponse{Success: true, MessageID: result.MessageID})
}

func buildMessage(d EmailData) (mailer.Message, error) {
	to, err := auth.ParseRecipients(d.To...)
	if err != nil {
		return mailer.Message{}, err
	}
	cc, err := auth.ParseRecipients(d.Cc...)
	if err != nil {
		return mailer.Message{}, err
	}
	bcc, err := auth.ParseRecipients(d.Bcc...)
	if err != nil {
		return mailer.Message{}, err
	}
	return mailer.Message{
		To:       to,
		Cc:       cc,
		Bcc:      bcc,
		Subject:  d.Subject,
		HTMLBody: d.HTMLBody,
		TextBody: d.TextBody,
	}, nil
}

func writeSendError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, SendResponse{Success: false, Error: reason, Message: message})
}
