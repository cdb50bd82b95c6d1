// Package handlers exposes the HTTP control surface: status, sync triggers,
// resolver corrections, and tracking-service account linking.
package handlers

import (
	"encoding/json"
	"net/http"

	"watchsync/models"
	"watchsync/services/scheduler"
	"watchsync/services/scrobble"
	"watchsync/services/tracker"
)

// StatusHandler reports the live state of the scrobblers and scheduler.
type StatusHandler struct {
	machines  map[string]*scrobble.Machine
	scheduler *scheduler.Service
	tracker   *tracker.Service
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(machines map[string]*scrobble.Machine, sched *scheduler.Service, trk *tracker.Service) *StatusHandler {
	return &StatusHandler{machines: machines, scheduler: sched, tracker: trk}
}

// ScrobbleStatus is the per-provider scrobble state in the status response.
type ScrobbleStatus struct {
	State   string                  `json:"state"`
	Session *models.ScrobbleSession `json:"session,omitempty"`
}

// GetStatus returns the overall service state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	scrobbles := make(map[string]ScrobbleStatus, len(h.machines))
	for id, m := range h.machines {
		scrobbles[id] = ScrobbleStatus{
			State:   m.State().String(),
			Session: m.Session(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"linked":   h.tracker.IsEnabled(),
		"scrobble": scrobbles,
		"sync":     h.scheduler.Status(),
	})
}

// jsonError writes a JSON error response with the given status code.
func jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
