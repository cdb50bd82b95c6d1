package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Server.Port != 7474 {
		t.Errorf("Port = %d, want 7474", s.Server.Port)
	}
	if s.Sync.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", s.Sync.Concurrency)
	}
	if s.Sync.CheckIntervalSeconds != 60 {
		t.Errorf("CheckIntervalSeconds = %d, want 60", s.Sync.CheckIntervalSeconds)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewManager(path)

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Tracker.ClientID = "abc"
	s.Providers = []ProviderSettings{{ID: "netflix", Enabled: true, ScrobblingEnabled: true}}

	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if loaded.Tracker.ClientID != "abc" {
		t.Errorf("ClientID = %q, want abc", loaded.Tracker.ClientID)
	}
	p := loaded.GetProvider("netflix")
	if p == nil {
		t.Fatal("expected netflix provider")
	}
	if !p.ScrobblingEnabled {
		t.Error("expected scrobbling enabled")
	}
	// Provider defaults applied on load
	if p.MinWatchedPercent != 80 {
		t.Errorf("MinWatchedPercent = %v, want 80", p.MinWatchedPercent)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewManager(path)

	s, _ := m.Load()
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestGetProviderMissing(t *testing.T) {
	s := &Settings{}
	if s.GetProvider("nope") != nil {
		t.Error("expected nil for unknown provider")
	}
}
