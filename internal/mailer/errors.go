package mailer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/premail/premail/internal/credential"
)

// Send failure classes. Every error returned by Transmitter.Send matches
// exactly one of them with errors.Is.
var (
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNoCredential         = credential.ErrNoCredential
	ErrAuthFailure          = credential.ErrAuthFailure
	ErrTransientSendFailure = errors.New("transient send failure")
)

// Reason names recorded on failed emails
const (
	ReasonInvalidMessage       = "InvalidMessage"
	ReasonNoCredential         = "NoCredential"
	ReasonAuthFailure          = "AuthFailure"
	ReasonTransientSendFailure = "TransientSendFailure"
)

// Reason returns the failure class name of err, or "" for nil.
// Unclassified errors count as transient.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidMessage):
		return ReasonInvalidMessage
	case errors.Is(err, ErrNoCredential):
		return ReasonNoCredential
	case errors.Is(err, ErrAuthFailure):
		return ReasonAuthFailure
	default:
		return ReasonTransientSendFailure
	}
}

// IsTransient reports whether a send may succeed if tried again unchanged
func IsTransient(err error) bool {
	return err != nil && Reason(err) == ReasonTransientSendFailure
}

// classify maps an error from the credential provider or the Gmail API onto
// the failure classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrTransientSendFailure) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return wrap(ErrAuthFailure, err)
		case gerr.Code == http.StatusForbidden:
			if rateLimited(gerr) {
				return wrap(ErrTransientSendFailure, err)
			}
			return wrap(ErrAuthFailure, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError:
			return wrap(ErrTransientSendFailure, err)
		case gerr.Code == http.StatusBadRequest ||
			gerr.Code == http.StatusRequestEntityTooLarge ||
			gerr.Code == http.StatusUnprocessableEntity:
			return wrap(ErrInvalidMessage, err)
		}
	}

	// Timeouts, network errors and anything else unrecognised.
	return wrap(ErrTransientSendFailure, err)
}

// Gmail reports quota exhaustion as 403 with a rate limit reason.
func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
			return true
		}
	}
	return false
}

func wrap(class, err error) error {
	return fmt.Errorf("%w: %w", class, err)
}
