package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchsync/config"
)

// refreshWindow: refresh the access token when it expires within this window.
const refreshWindow = time.Hour

// Service is the authenticated facade over Client. It owns token storage and
// refresh so the engines never deal with credentials.
type Service struct {
	client        *Client
	configManager *config.Manager

	mu sync.Mutex // serializes token refresh
}

// NewService creates an authenticated tracking-service facade.
func NewService(client *Client, configManager *config.Manager) *Service {
	return &Service{client: client, configManager: configManager}
}

// Client exposes the raw client for OAuth setup flows.
func (s *Service) Client() *Client { return s.client }

// IsEnabled reports whether the service holds a usable access token.
func (s *Service) IsEnabled() bool {
	settings, err := s.configManager.Load()
	if err != nil {
		return false
	}
	return settings.Tracker.AccessToken != ""
}

// accessToken returns a valid token, refreshing it when close to expiry.
// Returns "" when the user has not linked an account.
func (s *Service) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.configManager.Load()
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	tr := settings.Tracker
	if tr.AccessToken == "" {
		return "", nil
	}

	s.client.UpdateCredentials(tr.ClientID, tr.ClientSecret)

	if tr.ExpiresAt > 0 && tr.RefreshToken != "" {
		expiresIn := time.Until(time.Unix(tr.ExpiresAt, 0))
		if expiresIn < refreshWindow {
			token, err := s.client.RefreshToken(ctx, tr.RefreshToken)
			if err != nil {
				return "", fmt.Errorf("refresh token: %w", err)
			}
			settings.Tracker.AccessToken = token.AccessToken
			settings.Tracker.RefreshToken = token.RefreshToken
			settings.Tracker.ExpiresAt = token.CreatedAt + int64(token.ExpiresIn)
			if err := s.configManager.Save(settings); err != nil {
				return "", fmt.Errorf("save refreshed token: %w", err)
			}
			return token.AccessToken, nil
		}
	}

	return tr.AccessToken, nil
}

// errNotLinked is returned when no account is linked; callers that check
// IsEnabled first never see it.
var errNotLinked = fmt.Errorf("tracking service account not linked")

func (s *Service) token(ctx context.Context) (string, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errNotLinked
	}
	return token, nil
}

// ScrobbleStart reports playback start/resume.
func (s *Service) ScrobbleStart(ctx context.Context, req ScrobbleRequest) (*ScrobbleResponse, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.ScrobbleStart(ctx, token, req)
}

// ScrobblePause reports a pause.
func (s *Service) ScrobblePause(ctx context.Context, req ScrobbleRequest) (*ScrobbleResponse, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.ScrobblePause(ctx, token, req)
}

// ScrobbleStop reports a stop.
func (s *Service) ScrobbleStop(ctx context.Context, req ScrobbleRequest) (*ScrobbleResponse, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.ScrobbleStop(ctx, token, req)
}

// AddToHistory submits watched items in bulk.
func (s *Service) AddToHistory(ctx context.Context, req SyncHistoryRequest) (*SyncHistoryResponse, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.AddToHistory(ctx, token, req)
}

// SearchMovie returns ranked movie candidates.
func (s *Service) SearchMovie(ctx context.Context, query string) ([]SearchResult, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.SearchMovie(ctx, token, query)
}

// SearchShow returns ranked show candidates.
func (s *Service) SearchShow(ctx context.Context, query string) ([]SearchResult, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.SearchShow(ctx, token, query)
}

// GetEpisode fetches one episode by season/number.
func (s *Service) GetEpisode(ctx context.Context, showTrakt, season, number int) (*Episode, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.GetEpisode(ctx, token, showTrakt, season, number)
}

// GetSeasonEpisodes fetches every episode of a season.
func (s *Service) GetSeasonEpisodes(ctx context.Context, showTrakt, season int) ([]Episode, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.GetSeasonEpisodes(ctx, token, showTrakt, season)
}
