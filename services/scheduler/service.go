// Package scheduler runs periodic history syncs per provider.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"watchsync/config"
	"watchsync/services/history"
	"watchsync/services/provider"
)

// Syncer runs one history sync for a provider.
type Syncer interface {
	Sync(ctx context.Context, prov provider.Provider) (*history.SyncResult, error)
}

// ProviderStatus reports one provider's sync state for the control surface.
type ProviderStatus struct {
	ID         string              `json:"id"`
	Running    bool                `json:"running"`
	LastRunAt  *time.Time          `json:"lastRunAt,omitempty"`
	LastError  string              `json:"lastError,omitempty"`
	LastResult *history.SyncResult `json:"lastResult,omitempty"`
}

// Service manages scheduled sync execution.
type Service struct {
	configManager *config.Manager
	engine        Syncer
	registry      *provider.Registry

	// Runtime state
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Task state tracking (in-memory, not persisted)
	taskMu      sync.RWMutex
	taskRunning map[string]bool
	lastRun     map[string]time.Time
	lastError   map[string]string
	lastResult  map[string]*history.SyncResult
}

// NewService creates a new scheduler service.
func NewService(configManager *config.Manager, engine Syncer, registry *provider.Registry) *Service {
	return &Service{
		configManager: configManager,
		engine:        engine,
		registry:      registry,
		taskRunning:   make(map[string]bool),
		lastRun:       make(map[string]time.Time),
		lastError:     make(map[string]string),
		lastResult:    make(map[string]*history.SyncResult),
	}
}

// Start begins the scheduler background loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.schedulerLoop()

	log.Println("[scheduler] Scheduler service started")
	return nil
}

// Stop gracefully stops the scheduler, waiting for in-flight syncs until ctx
// expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[scheduler] Scheduler service stopped gracefully")
	case <-ctx.Done():
		log.Println("[scheduler] Scheduler service stopped (timeout)")
	}

	s.running = false
	return nil
}

// schedulerLoop is the main background loop that checks for due syncs.
func (s *Service) schedulerLoop() {
	defer s.wg.Done()

	settings, err := s.configManager.Load()
	if err != nil {
		log.Printf("[scheduler] Failed to load settings: %v", err)
		return
	}

	checkInterval := time.Duration(settings.Sync.CheckIntervalSeconds) * time.Second
	if checkInterval < time.Second {
		checkInterval = 60 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run check immediately on start
	s.checkAndRunSyncs()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunSyncs()
		}
	}
}

// checkAndRunSyncs starts a sync for every enabled provider that is due.
func (s *Service) checkAndRunSyncs() {
	settings, err := s.configManager.Load()
	if err != nil {
		log.Printf("[scheduler] Failed to load settings: %v", err)
		return
	}

	for _, id := range s.registry.IDs() {
		ps := settings.GetProvider(id)
		if ps == nil || !ps.Enabled || !ps.SyncEnabled {
			continue
		}

		if s.shouldRun(id, ps) {
			// Run in a goroutine so one provider never delays another.
			s.wg.Add(1)
			go func(providerID string) {
				defer s.wg.Done()
				s.executeSync(s.ctx, providerID)
			}(id)
		}
	}
}

// shouldRun checks whether a provider's sync is due. A sync never starts
// while the previous one for the same provider is still running.
func (s *Service) shouldRun(id string, ps *config.ProviderSettings) bool {
	s.taskMu.RLock()
	defer s.taskMu.RUnlock()

	if s.taskRunning[id] {
		return false
	}

	last, ok := s.lastRun[id]
	if !ok {
		return true
	}

	freq := time.Duration(ps.SyncFrequencyMin) * time.Minute
	if freq <= 0 {
		freq = time.Hour
	}
	return time.Since(last) >= freq
}

// executeSync runs one sync and records its outcome.
func (s *Service) executeSync(ctx context.Context, providerID string) {
	prov, ok := s.registry.Get(providerID)
	if !ok {
		log.Printf("[scheduler] Unknown provider: %s", providerID)
		return
	}

	s.taskMu.Lock()
	s.taskRunning[providerID] = true
	s.taskMu.Unlock()

	defer func() {
		s.taskMu.Lock()
		delete(s.taskRunning, providerID)
		s.lastRun[providerID] = time.Now().UTC()
		s.taskMu.Unlock()
	}()

	log.Printf("[scheduler] Running history sync for %s", providerID)
	result, err := s.engine.Sync(ctx, prov)

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if err != nil {
		s.lastError[providerID] = err.Error()
		log.Printf("[scheduler] Sync for %s failed: %v", providerID, err)
		return
	}
	s.lastError[providerID] = ""
	s.lastResult[providerID] = result
}

// RunNow triggers an immediate sync for a provider.
func (s *Service) RunNow(providerID string) error {
	if _, ok := s.registry.Get(providerID); !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}

	s.taskMu.RLock()
	if s.taskRunning[providerID] {
		s.taskMu.RUnlock()
		return errors.New("sync is already running")
	}
	s.taskMu.RUnlock()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(ctx, providerID)
	}()
	return nil
}

// IsRunning checks if a provider's sync is currently in flight.
func (s *Service) IsRunning(providerID string) bool {
	s.taskMu.RLock()
	defer s.taskMu.RUnlock()
	return s.taskRunning[providerID]
}

// Status returns the current sync state for every registered provider.
func (s *Service) Status() []ProviderStatus {
	s.taskMu.RLock()
	defer s.taskMu.RUnlock()

	var out []ProviderStatus
	for _, id := range s.registry.IDs() {
		st := ProviderStatus{
			ID:         id,
			Running:    s.taskRunning[id],
			LastError:  s.lastError[id],
			LastResult: s.lastResult[id],
		}
		if last, ok := s.lastRun[id]; ok {
			lastCopy := last
			st.LastRunAt = &lastCopy
		}
		out = append(out, st)
	}
	return out
}
