package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"watchsync/internal/transport"
)

// HTTPBridge reaches the provider's page through the browser companion,
// which exposes a local evaluate endpoint. Each Query posts the script and
// gets back the JSON-encoded result of evaluating it in the page.
type HTTPBridge struct {
	transport *transport.Client
	url       string
	serviceID string
}

// NewHTTPBridge creates a bridge talking to the companion at the given URL.
func NewHTTPBridge(t *transport.Client, url, serviceID string) *HTTPBridge {
	return &HTTPBridge{transport: t, url: url, serviceID: serviceID}
}

type bridgeRequest struct {
	Service string `json:"service"`
	Script  string `json:"script"`
}

type bridgeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Query evaluates the script in the provider's page context. A page with no
// matching tab open yields an empty result, not an error.
func (b *HTTPBridge) Query(ctx context.Context, script string) (string, error) {
	body, err := json.Marshal(bridgeRequest{Service: b.serviceID, Script: script})
	if err != nil {
		return "", fmt.Errorf("encode bridge request: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	data, err := b.transport.Send(ctx, "bridge/"+b.serviceID, http.MethodPost, b.url, headers, body)
	if err != nil {
		return "", fmt.Errorf("bridge query: %w", err)
	}

	var resp bridgeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode bridge response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("bridge evaluate: %s", resp.Error)
	}
	return string(resp.Result), nil
}
