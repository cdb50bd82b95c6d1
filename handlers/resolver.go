package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"watchsync/models"
	"watchsync/services/resolver"
)

// ResolverHandler exposes manual identity corrections and cache management.
type ResolverHandler struct {
	resolver *resolver.Resolver
}

// NewResolverHandler creates a new resolver handler.
func NewResolverHandler(res *resolver.Resolver) *ResolverHandler {
	return &ResolverHandler{resolver: res}
}

// CorrectionRequest carries a mismatched item and the identity the user says
// is right.
type CorrectionRequest struct {
	Item       models.CatalogItem `json:"item"`
	Correction models.CatalogItem `json:"correction"`
}

// Correct re-resolves an item against a user-supplied correction and
// overwrites the cached identity.
// POST /api/resolver/correction
func (h *ResolverHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Item.Title == "" || req.Correction.Title == "" {
		jsonError(w, "Item and correction titles are required", http.StatusBadRequest)
		return
	}

	resolved, err := h.resolver.Resolve(r.Context(), req.Item, &req.Correction)
	if err != nil {
		jsonError(w, "Correction did not match anything: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"resolved": resolved,
	})
}

// ClearCache drops the cached identities for one provider.
// DELETE /api/resolver/cache/{provider}
func (h *ResolverHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	if providerID == "" {
		jsonError(w, "Provider required", http.StatusBadRequest)
		return
	}

	if err := h.resolver.ClearCache(providerID); err != nil {
		jsonError(w, "Failed to clear cache: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"cleared": true})
}
