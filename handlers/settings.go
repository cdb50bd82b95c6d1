package handlers

import (
	"encoding/json"
	"net/http"

	"watchsync/config"
)

// SettingsHandler exposes the persisted configuration.
type SettingsHandler struct {
	configManager *config.Manager
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(configManager *config.Manager) *SettingsHandler {
	return &SettingsHandler{configManager: configManager}
}

// GetSettings returns the configuration with secrets blanked.
// GET /api/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	out := *settings
	out.Tracker.ClientSecret = ""
	out.Tracker.AccessToken = ""
	out.Tracker.RefreshToken = ""

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"settings": out,
		"linked":   settings.Tracker.AccessToken != "",
	})
}

// UpdateSettings replaces the configuration. Blank secret fields keep their
// stored values so a round-trip of GetSettings output does not unlink the
// account.
// PUT /api/settings
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var incoming config.Settings
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		jsonError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	current, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if incoming.Tracker.ClientSecret == "" {
		incoming.Tracker.ClientSecret = current.Tracker.ClientSecret
	}
	if incoming.Tracker.AccessToken == "" {
		incoming.Tracker.AccessToken = current.Tracker.AccessToken
		incoming.Tracker.RefreshToken = current.Tracker.RefreshToken
		incoming.Tracker.ExpiresAt = current.Tracker.ExpiresAt
	}

	if err := h.configManager.Save(&incoming); err != nil {
		jsonError(w, "Failed to save settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}
