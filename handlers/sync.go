package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"watchsync/internal/store"
	"watchsync/models"
	"watchsync/services/scheduler"
)

// SyncHandler drives manual history syncs and watermark inspection.
type SyncHandler struct {
	scheduler *scheduler.Service
	store     *store.Store
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(sched *scheduler.Service, st *store.Store) *SyncHandler {
	return &SyncHandler{scheduler: sched, store: st}
}

// TriggerSync starts a sync for one provider immediately.
// POST /api/sync/{provider}
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	if providerID == "" {
		jsonError(w, "Provider required", http.StatusBadRequest)
		return
	}

	if err := h.scheduler.RunNow(providerID); err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"started":  true,
		"provider": providerID,
	})
}

// GetWatermark returns the persisted sync position for a provider.
// GET /api/sync/{provider}/watermark
func (h *SyncHandler) GetWatermark(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	var wm models.SyncWatermark
	found, err := h.store.Get(store.BucketWatermark, providerID, &wm)
	if err != nil {
		jsonError(w, "Failed to read watermark: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider":  providerID,
		"set":       found,
		"watermark": wm,
	})
}

// ResetWatermark clears the sync position so the next run re-scans the full
// feed.
// DELETE /api/sync/{provider}/watermark
func (h *SyncHandler) ResetWatermark(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	if h.scheduler.IsRunning(providerID) {
		jsonError(w, "Sync is running, try again later", http.StatusConflict)
		return
	}
	if err := h.store.Remove(store.BucketWatermark, providerID); err != nil {
		jsonError(w, "Failed to reset watermark: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"reset": true})
}
