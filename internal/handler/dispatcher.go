package handler

import (
	"net/http"
)

// DispatcherStatus reports the state of the scheduled-send loop
func (h *Handler) DispatcherStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Status())
}

// DispatcherTick runs one dispatch pass right away. Service callers only.
func (h *Handler) DispatcherTick(w http.ResponseWriter, r *http.Request) {
	if !isService(r) {
		writeError(w, http.StatusForbidden, "forbidden", "A service token is required")
		return
	}

	res, err := h.dispatcher.Tick(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("manual dispatch tick failed")
		writeError(w, http.StatusInternalServerError, "tick_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}
