package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"watchsync/services/scrobble"
)

// ScrobbleHandler exposes manual control over the per-provider scrobblers.
type ScrobbleHandler struct {
	machines map[string]*scrobble.Machine
}

// NewScrobbleHandler creates a new scrobble handler.
func NewScrobbleHandler(machines map[string]*scrobble.Machine) *ScrobbleHandler {
	return &ScrobbleHandler{machines: machines}
}

// StopScrobble ends the active session for a provider. Stopping an idle
// provider succeeds without side effects.
// POST /api/scrobble/{provider}/stop
func (h *ScrobbleHandler) StopScrobble(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	m, ok := h.machines[providerID]
	if !ok {
		jsonError(w, "Unknown provider", http.StatusNotFound)
		return
	}

	m.Stop(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stopped": true,
		"state":   m.State().String(),
	})
}
