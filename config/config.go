package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TrackerSettings holds credentials and tokens for the remote tracking service.
type TrackerSettings struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix seconds
}

// ProviderSettings configures one streaming provider.
type ProviderSettings struct {
	ID                  string  `json:"id"`
	Enabled             bool    `json:"enabled"`
	ScrobblingEnabled   bool    `json:"scrobblingEnabled"`
	SyncEnabled         bool    `json:"syncEnabled"`
	MinWatchedPercent   float64 `json:"minWatchedPercent,omitempty"`   // default 80
	SyncWithReleaseDate bool    `json:"syncWithReleaseDate,omitempty"` // submit undated records as "released"
	SyncFrequencyMin    int     `json:"syncFrequencyMinutes,omitempty"`
	BridgeURL           string  `json:"bridgeUrl,omitempty"` // browser companion evaluate endpoint
}

// SyncSettings tunes the history sync engine.
type SyncSettings struct {
	CheckIntervalSeconds int `json:"checkIntervalSeconds,omitempty"` // scheduler tick
	ItemBudget           int `json:"itemBudget,omitempty"`           // max records per run, 0 = unlimited
	Concurrency          int `json:"concurrency,omitempty"`          // resolver workers, default 4
}

// StorageSettings locates durable state on disk.
type StorageSettings struct {
	DBPath  string `json:"dbPath,omitempty"`
	LogPath string `json:"logPath,omitempty"`
}

// ServerSettings configures the local control API.
type ServerSettings struct {
	Port int `json:"port,omitempty"`
}

// Settings is the full persisted configuration.
type Settings struct {
	Server    ServerSettings     `json:"server"`
	Tracker   TrackerSettings    `json:"tracker"`
	Providers []ProviderSettings `json:"providers"`
	Sync      SyncSettings       `json:"sync"`
	Storage   StorageSettings    `json:"storage"`
}

// GetProvider returns the settings for the given provider ID, or nil.
func (s *Settings) GetProvider(id string) *ProviderSettings {
	for i := range s.Providers {
		if s.Providers[i].ID == id {
			return &s.Providers[i]
		}
	}
	return nil
}

// Manager loads and saves settings from a JSON file. Saves are atomic
// (write to temp file, then rename).
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager creates a settings manager for the given file path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads settings from disk. A missing file yields defaults.
func (m *Manager) Load() (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := defaultSettings()
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	applyDefaults(s)
	return s, nil
}

// Save writes settings to disk atomically.
func (m *Manager) Save(s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

func defaultSettings() *Settings {
	s := &Settings{}
	applyDefaults(s)
	return s
}

func applyDefaults(s *Settings) {
	if s.Server.Port == 0 {
		s.Server.Port = 7474
	}
	if s.Sync.CheckIntervalSeconds == 0 {
		s.Sync.CheckIntervalSeconds = 60
	}
	if s.Sync.Concurrency == 0 {
		s.Sync.Concurrency = 4
	}
	if s.Storage.DBPath == "" {
		s.Storage.DBPath = filepath.Join(dataDir(), "watchsync.db")
	}
	for i := range s.Providers {
		if s.Providers[i].MinWatchedPercent == 0 {
			s.Providers[i].MinWatchedPercent = 80
		}
		if s.Providers[i].SyncFrequencyMin == 0 {
			s.Providers[i].SyncFrequencyMin = 60
		}
		if s.Providers[i].BridgeURL == "" {
			s.Providers[i].BridgeURL = "http://127.0.0.1:7475/evaluate"
		}
	}
}

func dataDir() string {
	if v := os.Getenv("WATCHSYNC_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".watchsync")
}
