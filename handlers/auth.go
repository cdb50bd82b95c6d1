package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"watchsync/config"
	"watchsync/services/tracker"
)

// AuthHandler manages the tracking-service account link via the device code
// OAuth flow.
type AuthHandler struct {
	configManager *config.Manager
	client        *tracker.Client
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(configManager *config.Manager, client *tracker.Client) *AuthHandler {
	return &AuthHandler{configManager: configManager, client: client}
}

// SetCredentials stores the application client id and secret.
// POST /api/auth/credentials
func (h *AuthHandler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ClientSecret) == "" {
		jsonError(w, "Client ID and Client Secret are required", http.StatusBadRequest)
		return
	}

	settings, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}
	settings.Tracker.ClientID = strings.TrimSpace(req.ClientID)
	settings.Tracker.ClientSecret = strings.TrimSpace(req.ClientSecret)
	if err := h.configManager.Save(settings); err != nil {
		jsonError(w, "Failed to save settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.client.UpdateCredentials(settings.Tracker.ClientID, settings.Tracker.ClientSecret)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

// StartAuth initiates the device code OAuth flow.
// POST /api/auth/device/start
func (h *AuthHandler) StartAuth(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if settings.Tracker.ClientID == "" || settings.Tracker.ClientSecret == "" {
		jsonError(w, "Credentials not configured", http.StatusBadRequest)
		return
	}

	h.client.UpdateCredentials(settings.Tracker.ClientID, settings.Tracker.ClientSecret)

	deviceCode, err := h.client.GetDeviceCode(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"deviceCode":      deviceCode.DeviceCode,
		"userCode":        deviceCode.UserCode,
		"verificationUrl": deviceCode.VerificationURL,
		"expiresIn":       deviceCode.ExpiresIn,
		"interval":        deviceCode.Interval,
	})
}

// CheckAuth polls once for the OAuth token.
// GET /api/auth/device/check/{deviceCode}
func (h *AuthHandler) CheckAuth(w http.ResponseWriter, r *http.Request) {
	deviceCode := mux.Vars(r)["deviceCode"]
	if deviceCode == "" {
		jsonError(w, "Device code required", http.StatusBadRequest)
		return
	}

	settings, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.client.UpdateCredentials(settings.Tracker.ClientID, settings.Tracker.ClientSecret)

	token, err := h.client.PollForToken(r.Context(), deviceCode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if token == nil {
		// Still pending
		json.NewEncoder(w).Encode(map[string]interface{}{
			"authenticated": false,
			"pending":       true,
		})
		return
	}

	settings.Tracker.AccessToken = token.AccessToken
	settings.Tracker.RefreshToken = token.RefreshToken
	settings.Tracker.ExpiresAt = token.CreatedAt + int64(token.ExpiresIn)
	if err := h.configManager.Save(settings); err != nil {
		jsonError(w, "Failed to save token: "+err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"authenticated": true,
	})
}

// Disconnect drops the stored OAuth tokens.
// POST /api/auth/disconnect
func (h *AuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configManager.Load()
	if err != nil {
		jsonError(w, "Failed to load settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	settings.Tracker.AccessToken = ""
	settings.Tracker.RefreshToken = ""
	settings.Tracker.ExpiresAt = 0
	if err := h.configManager.Save(settings); err != nil {
		jsonError(w, "Failed to save settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}
