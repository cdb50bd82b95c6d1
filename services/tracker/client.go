package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"watchsync/internal/transport"
	"watchsync/models"
)

const (
	defaultBaseURL = "https://api.trakt.tv"
	apiVersion     = "2"

	// Transport buckets. Scrobble/sync calls and catalog searches are
	// limited independently.
	BucketTracker = "tracker"
	BucketSearch  = "search"
)

// Client handles raw tracking-service API interactions: OAuth, scrobbling,
// history sync, and catalog search. All calls go through the shared
// rate-limited transport.
type Client struct {
	transport    *transport.Client
	baseURL      string
	clientID     string
	clientSecret string
}

// NewClient creates a tracking-service API client.
func NewClient(t *transport.Client, clientID, clientSecret string) *Client {
	return &Client{
		transport:    t,
		baseURL:      defaultBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// SetBaseURL overrides the API base URL (used by tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// UpdateCredentials updates the client credentials.
func (c *Client) UpdateCredentials(clientID, clientSecret string) {
	c.clientID = clientID
	c.clientSecret = clientSecret
}

// HasCredentials checks if the client has credentials configured.
func (c *Client) HasCredentials() bool {
	return c.clientID != "" && c.clientSecret != ""
}

func (c *Client) headers(accessToken string) map[string]string {
	h := map[string]string{
		"Content-Type":      "application/json",
		"trakt-api-version": apiVersion,
		"trakt-api-key":     c.clientID,
	}
	if accessToken != "" {
		h["Authorization"] = "Bearer " + accessToken
	}
	return h
}

// DeviceCodeResponse represents the response from /oauth/device/code.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// TokenResponse represents an OAuth token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	CreatedAt    int64  `json:"created_at"`
}

// Movie represents a movie known to the tracking service.
type Movie struct {
	Title string            `json:"title"`
	Year  int               `json:"year"`
	IDs   models.CatalogIDs `json:"ids"`
}

// Show represents a TV show known to the tracking service.
type Show struct {
	Title string            `json:"title"`
	Year  int               `json:"year"`
	IDs   models.CatalogIDs `json:"ids"`
}

// Episode represents a single episode.
type Episode struct {
	Season int               `json:"season"`
	Number int               `json:"number"`
	Title  string            `json:"title"`
	IDs    models.CatalogIDs `json:"ids"`
}

// SearchResult is one ranked candidate from the search endpoint.
type SearchResult struct {
	Type    string   `json:"type"` // "movie", "show", "episode"
	Score   float64  `json:"score"`
	Movie   *Movie   `json:"movie,omitempty"`
	Show    *Show    `json:"show,omitempty"`
	Episode *Episode `json:"episode,omitempty"`
}

// ScrobbleRequest is the body for /scrobble/{start|pause|stop}.
type ScrobbleRequest struct {
	Movie    *Movie   `json:"movie,omitempty"`
	Show     *Show    `json:"show,omitempty"`
	Episode  *Episode `json:"episode,omitempty"`
	Progress float64  `json:"progress"`
}

// ScrobbleResponse is the acknowledgement for a scrobble call.
type ScrobbleResponse struct {
	ID       int64    `json:"id"`
	Action   string   `json:"action"`
	Progress float64  `json:"progress"`
	Movie    *Movie   `json:"movie,omitempty"`
	Episode  *Episode `json:"episode,omitempty"`
	Show     *Show    `json:"show,omitempty"`
}

// HistoryMovie is one movie submitted to /sync/history. WatchedAt is an ISO
// timestamp, or "released" to let the service date it by release.
type HistoryMovie struct {
	WatchedAt string            `json:"watched_at,omitempty"`
	Title     string            `json:"title,omitempty"`
	Year      int               `json:"year,omitempty"`
	IDs       models.CatalogIDs `json:"ids"`
}

// HistoryEpisode is one episode submitted to /sync/history.
type HistoryEpisode struct {
	WatchedAt string            `json:"watched_at,omitempty"`
	IDs       models.CatalogIDs `json:"ids"`
}

// SyncHistoryRequest is the body for /sync/history.
type SyncHistoryRequest struct {
	Movies   []HistoryMovie   `json:"movies,omitempty"`
	Episodes []HistoryEpisode `json:"episodes,omitempty"`
}

// IsEmpty reports whether there is nothing to submit.
func (r SyncHistoryRequest) IsEmpty() bool {
	return len(r.Movies) == 0 && len(r.Episodes) == 0
}

// SyncHistoryResponse is the per-item acknowledgement from /sync/history.
type SyncHistoryResponse struct {
	Added struct {
		Movies   int `json:"movies"`
		Episodes int `json:"episodes"`
	} `json:"added"`
	NotFound struct {
		Movies   []HistoryMovie   `json:"movies"`
		Episodes []HistoryEpisode `json:"episodes"`
	} `json:"not_found"`
}

// GetDeviceCode initiates the device code OAuth flow.
func (c *Client) GetDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	body, _ := json.Marshal(map[string]string{"client_id": c.clientID})

	data, err := c.transport.Send(ctx, BucketTracker, http.MethodPost, c.baseURL+"/oauth/device/code", c.headers(""), body)
	if err != nil {
		return nil, fmt.Errorf("device code: %w", err)
	}

	var resp DeviceCodeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode device code: %w", err)
	}
	return &resp, nil
}

// PollForToken polls for the OAuth token after the user has authorized.
// Returns nil, nil while authorization is still pending.
func (c *Client) PollForToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"code":          deviceCode,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})

	data, err := c.transport.Send(ctx, BucketTracker, http.MethodPost, c.baseURL+"/oauth/device/token", c.headers(""), body)
	if err != nil {
		if apiErr, ok := transport.AsAPIError(err); ok {
			switch apiErr.StatusCode {
			case http.StatusBadRequest:
				// Still waiting for the user to authorize.
				return nil, nil
			case http.StatusGone:
				return nil, fmt.Errorf("device code expired")
			case http.StatusConflict:
				return nil, fmt.Errorf("device code already used")
			}
		}
		return nil, fmt.Errorf("token poll: %w", err)
	}

	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"refresh_token": refreshToken,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"redirect_uri":  "urn:ietf:wg:oauth:2.0:oob",
		"grant_type":    "refresh_token",
	})

	data, err := c.transport.Send(ctx, BucketTracker, http.MethodPost, c.baseURL+"/oauth/token", c.headers(""), body)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

func (c *Client) scrobble(ctx context.Context, accessToken, action string, req ScrobbleRequest) (*ScrobbleResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal scrobble: %w", err)
	}

	data, err := c.transport.Send(ctx, BucketTracker, http.MethodPost, c.baseURL+"/scrobble/"+action, c.headers(accessToken), body)
	if err != nil {
		return nil, fmt.Errorf("scrobble %s: %w", action, err)
	}

	var resp ScrobbleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode scrobble response: %w", err)
	}
	return &resp, nil
}

// ScrobbleStart reports that playback started or resumed.
func (c *Client) ScrobbleStart(ctx context.Context, accessToken string, req ScrobbleRequest) (*ScrobbleResponse, error) {
	return c.scrobble(ctx, accessToken, "start", req)
}

// ScrobblePause reports that playback paused.
func (c *Client) ScrobblePause(ctx context.Context, accessToken string, req ScrobbleRequest) (*ScrobbleResponse, error) {
	return c.scrobble(ctx, accessToken, "pause", req)
}

// ScrobbleStop reports that playback finished or was abandoned.
func (c *Client) ScrobbleStop(ctx context.Context, accessToken string, req ScrobbleRequest) (*ScrobbleResponse, error) {
	return c.scrobble(ctx, accessToken, "stop", req)
}

// AddToHistory submits watched items in bulk and returns the per-item
// acknowledgement, including the not_found lists.
func (c *Client) AddToHistory(ctx context.Context, accessToken string, req SyncHistoryRequest) (*SyncHistoryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}

	data, err := c.transport.Send(ctx, BucketTracker, http.MethodPost, c.baseURL+"/sync/history", c.headers(accessToken), body)
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}

	var resp SyncHistoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &resp, nil
}

// SearchMovie returns ranked movie candidates for the query.
func (c *Client) SearchMovie(ctx context.Context, accessToken, query string) ([]SearchResult, error) {
	return c.search(ctx, accessToken, "movie", query)
}

// SearchShow returns ranked show candidates for the query.
func (c *Client) SearchShow(ctx context.Context, accessToken, query string) ([]SearchResult, error) {
	return c.search(ctx, accessToken, "show", query)
}

func (c *Client) search(ctx context.Context, accessToken, mediaType, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s/search/%s?query=%s", c.baseURL, mediaType, url.QueryEscape(query))

	data, err := c.transport.Send(ctx, BucketSearch, http.MethodGet, u, c.headers(accessToken), nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", mediaType, err)
	}

	var results []SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return results, nil
}

// GetEpisode fetches one episode of a show by season and number.
func (c *Client) GetEpisode(ctx context.Context, accessToken string, showTrakt, season, number int) (*Episode, error) {
	u := fmt.Sprintf("%s/shows/%d/seasons/%d/episodes/%d", c.baseURL, showTrakt, season, number)

	data, err := c.transport.Send(ctx, BucketSearch, http.MethodGet, u, c.headers(accessToken), nil)
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}

	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("decode episode: %w", err)
	}
	return &ep, nil
}

// GetSeasonEpisodes fetches all episodes of one season.
func (c *Client) GetSeasonEpisodes(ctx context.Context, accessToken string, showTrakt, season int) ([]Episode, error) {
	u := fmt.Sprintf("%s/shows/%d/seasons/%d", c.baseURL, showTrakt, season)

	data, err := c.transport.Send(ctx, BucketSearch, http.MethodGet, u, c.headers(accessToken), nil)
	if err != nil {
		return nil, fmt.Errorf("get season: %w", err)
	}

	var eps []Episode
	if err := json.Unmarshal(data, &eps); err != nil {
		return nil, fmt.Errorf("decode season episodes: %w", err)
	}
	return eps, nil
}
