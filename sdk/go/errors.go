package premail

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure reasons reported by the send endpoint.
const (
	ReasonInvalidMessage       = "InvalidMessage"
	ReasonNoCredential         = "NoCredential"
	ReasonAuthFailure          = "AuthFailure"
	ReasonTransientSendFailure = "TransientSendFailure"
)

// APIError represents an error response from the premail API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("premail: API error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether sending the same request again may succeed.
func (e *APIError) Retryable() bool {
	return e.Code == ReasonTransientSendFailure || e.StatusCode == 429 || e.StatusCode >= 500
}

// apiErrorWrapper matches both API error envelopes: {"error":{"code",
// "message"}} and the send endpoint's {"error":"Reason","message"}.
type apiErrorWrapper struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func parseAPIError(statusCode int, body []byte) error {
	var wrapper apiErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Error) > 0 {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(wrapper.Error, &nested); err == nil && nested.Code != "" {
			return &APIError{StatusCode: statusCode, Code: nested.Code, Message: nested.Message}
		}
		var reason string
		if err := json.Unmarshal(wrapper.Error, &reason); err == nil && reason != "" {
			return &APIError{StatusCode: statusCode, Code: reason, Message: wrapper.Message}
		}
	}

	return &APIError{
		StatusCode: statusCode,
		Code:       "unknown",
		Message:    string(body),
	}
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
