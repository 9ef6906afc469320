package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/service"
)

// PutCredentialRequest carries token material from the external consent flow
type PutCredentialRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// CredentialResponse describes a stored credential without its secrets
type CredentialResponse struct {
	UserID          string    `json:"userId"`
	TokenType       string    `json:"tokenType"`
	Expiry          time.Time `json:"expiry"`
	Scope           string    `json:"scope,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func credentialResponse(c *model.Credential) CredentialResponse {
	return CredentialResponse{
		UserID:          c.UserID,
		TokenType:       c.TokenType,
		Expiry:          c.Expiry,
		Scope:           c.Scope,
		HasRefreshToken: c.RefreshToken != "",
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// PutCredential stores a user's Gmail token material
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !canActFor(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	var req PutCredentialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	cred, err := h.credSvc.Put(r.Context(), userID, service.CredentialInput{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Expiry:       req.Expiry,
		Scope:        req.Scope,
	})
	if err != nil {
		h.writeCredentialError(w, err, "Failed to store credential")
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse(cred))
}

// GetCredential returns metadata about a user's stored credential
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !canActFor(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	cred, err := h.credSvc.Get(r.Context(), userID)
	if err != nil {
		h.writeCredentialError(w, err, "Failed to get credential")
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse(cred))
}

// DeleteCredential removes a user's stored credential
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !canActFor(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	if err := h.credSvc.Delete(r.Context(), userID); err != nil {
		h.writeCredentialError(w, err, "Failed to delete credential")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CredentialAuthURL returns the consent URL the external flow should send
// the user to
func (h *Handler) CredentialAuthURL(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !canActFor(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "Token does not allow acting as this user")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		state = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":   h.authURLs.AuthCodeURL(state),
		"state": state,
	})
}

func (h *Handler) writeCredentialError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "not_found", "No credential on file")
	default:
		h.log.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
