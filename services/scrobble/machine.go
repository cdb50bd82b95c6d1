// Package scrobble drives the real-time tracking lifecycle: it consumes
// normalized playback signals for the currently active item and turns them
// into ordered start/pause/stop calls against the tracking service.
package scrobble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchsync/internal/events"
	"watchsync/internal/store"
	"watchsync/models"
	"watchsync/services/playback"
	"watchsync/services/provider"
	"watchsync/services/resolver"
	"watchsync/services/tracker"
)

const (
	// progressThreshold is the watched-percent at which the session snapshot
	// is re-persisted, so a crash after this point still finalizes the watch.
	progressThreshold = 80.0

	// defaultPollInterval is the playback observation cadence.
	defaultPollInterval = 500 * time.Millisecond

	// noSignalStopTicks: consecutive ticks without any usable signal before
	// the player is considered closed and the session stopped.
	noSignalStopTicks = 20

	// livenessInterval is how often a playing session re-sends start so the
	// remote "now watching" state does not expire mid-episode.
	livenessInterval = 5 * time.Minute
)

// TrackerAPI is the slice of the tracking service the machine drives.
type TrackerAPI interface {
	ScrobbleStart(ctx context.Context, req tracker.ScrobbleRequest) (*tracker.ScrobbleResponse, error)
	ScrobblePause(ctx context.Context, req tracker.ScrobbleRequest) (*tracker.ScrobbleResponse, error)
	ScrobbleStop(ctx context.Context, req tracker.ScrobbleRequest) (*tracker.ScrobbleResponse, error)
}

// ItemResolver attaches canonical identities to items.
type ItemResolver interface {
	Resolve(ctx context.Context, item models.CatalogItem, correction *models.CatalogItem) (models.CatalogItem, error)
}

// Machine is the per-provider scrobble state machine. At most one item is
// active at a time; a new item while one is active stops the old one first.
type Machine struct {
	providerID string
	resolver   ItemResolver
	api        TrackerAPI
	store      *store.Store
	bus        *events.Bus

	mu              sync.Mutex
	session         *models.ScrobbleSession
	missedTicks     int
	lastRemoteStart time.Time
	// lastUnresolved suppresses repeat notifications for an item the
	// resolver already reported unmatched.
	lastUnresolved string
}

// NewMachine creates a scrobble state machine for one provider.
func NewMachine(providerID string, res ItemResolver, api TrackerAPI, st *store.Store, bus *events.Bus) *Machine {
	return &Machine{
		providerID: providerID,
		resolver:   res,
		api:        api,
		store:      st,
		bus:        bus,
	}
}

func (m *Machine) sessionKey() string {
	return "session/" + m.providerID
}

// State returns the current lifecycle state.
func (m *Machine) State() models.ScrobbleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return models.ScrobbleIdle
	}
	return m.session.State
}

// Session returns a copy of the active session, or nil when idle.
func (m *Machine) Session() *models.ScrobbleSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// HandleSignal processes one poll tick. item identifies what the provider
// says is loaded; pb is the normalized playback signal. Either may be nil
// when the observation channels had nothing this tick.
func (m *Machine) HandleSignal(ctx context.Context, item *models.CatalogItem, pb *models.Playback) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item == nil || pb == nil {
		if m.session != nil {
			m.missedTicks++
			if m.missedTicks >= noSignalStopTicks {
				m.stopLocked(ctx)
			}
		}
		return
	}
	m.missedTicks = 0

	// A different item while one is active: stop the old one first, then
	// fall through to a fresh start.
	if m.session != nil && m.session.Item != nil && m.session.Item.NativeID != item.NativeID {
		m.stopLocked(ctx)
	}

	if m.session == nil {
		m.startLocked(ctx, *item, pb)
		return
	}

	m.session.Progress = pb.ProgressPercent

	if !m.session.ReachedThreshold && pb.ProgressPercent >= progressThreshold {
		m.session.ReachedThreshold = true
		m.persistLocked()
	}

	switch {
	case m.session.State == models.ScrobblePlaying && pb.IsPaused:
		if _, err := m.api.ScrobblePause(ctx, m.requestLocked()); err != nil {
			m.reportError(ctx, "pause", err)
		}
		m.session.State = models.ScrobblePaused
		m.bus.Publish(events.TopicScrobblePaused, m.session.Item)

	case m.session.State == models.ScrobblePaused && !pb.IsPaused:
		if _, err := m.api.ScrobbleStart(ctx, m.requestLocked()); err != nil {
			m.reportError(ctx, "resume", err)
		}
		m.session.State = models.ScrobblePlaying
		m.lastRemoteStart = time.Now()
		m.bus.Publish(events.TopicScrobbleStarted, m.session.Item)

	case m.session.State == models.ScrobblePlaying && !pb.IsPaused &&
		time.Since(m.lastRemoteStart) >= livenessInterval:
		if _, err := m.api.ScrobbleStart(ctx, m.requestLocked()); err != nil {
			m.reportError(ctx, "refresh", err)
		}
		m.lastRemoteStart = time.Now()
	}
}

// startLocked runs Idle -> Starting -> Playing for a fresh item.
func (m *Machine) startLocked(ctx context.Context, item models.CatalogItem, pb *models.Playback) {
	if !item.Resolved() {
		resolved, err := m.resolver.Resolve(ctx, item, nil)
		if errors.Is(err, resolver.ErrUnresolved) {
			if m.lastUnresolved != item.NativeID {
				m.lastUnresolved = item.NativeID
				log.Printf("[scrobble:%s] no catalog match for %q (%s)", m.providerID, item.Title, item.NativeID)
			}
			return
		}
		if err != nil {
			m.reportError(ctx, "resolve", err)
			return
		}
		item = resolved
	}

	m.session = &models.ScrobbleSession{
		ID:        uuid.NewString(),
		Item:      &item,
		State:     models.ScrobbleStarting,
		Progress:  pb.ProgressPercent,
		StartedAt: time.Now().UTC(),
	}

	if _, err := m.api.ScrobbleStart(ctx, m.requestLocked()); err != nil {
		m.reportError(ctx, "start", err)
	}
	m.lastRemoteStart = time.Now()
	m.persistLocked()
	m.session.State = models.ScrobblePlaying
	if pb.IsPaused {
		m.session.State = models.ScrobblePaused
	}
	m.bus.Publish(events.TopicScrobbleStarted, m.session.Item)
}

// Stop ends the active session, issuing a remote stop. Calling Stop with no
// active session is a no-op and never issues a remote call.
func (m *Machine) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ctx)
}

func (m *Machine) stopLocked(ctx context.Context) {
	if m.session == nil {
		return
	}

	item := m.session.Item
	if _, err := m.api.ScrobbleStop(ctx, m.requestLocked()); err != nil {
		m.reportError(ctx, "stop", err)
	}
	if err := m.store.Remove(store.BucketScrobble, m.sessionKey()); err != nil {
		log.Printf("[scrobble:%s] clear session slot: %v", m.providerID, err)
	}
	m.session = nil
	m.missedTicks = 0
	m.bus.Publish(events.TopicScrobbleStopped, item)
}

// Recover finalizes a session left behind by an abrupt shutdown: if a
// persisted slot exists, one stop is issued and the slot cleared.
func (m *Machine) Recover(ctx context.Context) error {
	var sess models.ScrobbleSession
	found, err := m.store.Get(store.BucketScrobble, m.sessionKey(), &sess)
	if err != nil {
		return fmt.Errorf("load session slot: %w", err)
	}
	if !found || sess.Item == nil {
		return nil
	}

	log.Printf("[scrobble:%s] recovering interrupted session for %q at %.1f%%",
		m.providerID, sess.Item.Title, sess.Progress)

	req := buildRequest(*sess.Item, sess.Progress)
	if _, err := m.api.ScrobbleStop(ctx, req); err != nil {
		m.reportError(ctx, "recover-stop", err)
	}
	if err := m.store.Remove(store.BucketScrobble, m.sessionKey()); err != nil {
		return fmt.Errorf("clear session slot: %w", err)
	}
	m.bus.Publish(events.TopicScrobbleStopped, sess.Item)
	return nil
}

// Run polls the provider at the given interval until ctx is cancelled, then
// stops any active session. Ticks never overlap: a slow tick delays the
// next rather than running concurrently with it.
func (m *Machine) Run(ctx context.Context, prov provider.Provider, norm *playback.Normalizer, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[scrobble:%s] watching playback", m.providerID)
	for {
		select {
		case <-ctx.Done():
			// The poll context is gone; finish the stop on its own deadline.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Stop(stopCtx)
			cancel()
			return
		case <-ticker.C:
			m.tick(ctx, prov, norm)
		}
	}
}

func (m *Machine) tick(ctx context.Context, prov provider.Provider, norm *playback.Normalizer) {
	item, err := prov.CurrentItem(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[scrobble:%s] current item: %v", m.providerID, err)
		}
		return
	}

	active := m.Session()
	if item == nil || (active != nil && active.Item != nil && active.Item.NativeID != item.NativeID) {
		norm.Reset()
	}

	pb := norm.Normalize(ctx, prov.Sources())
	m.HandleSignal(ctx, item, pb)
}

func (m *Machine) persistLocked() {
	if m.session == nil {
		return
	}
	if err := m.store.Set(store.BucketScrobble, m.sessionKey(), m.session); err != nil {
		log.Printf("[scrobble:%s] persist session: %v", m.providerID, err)
	}
}

func (m *Machine) requestLocked() tracker.ScrobbleRequest {
	return buildRequest(*m.session.Item, m.session.Progress)
}

// reportError logs a remote failure and notifies listeners. Cancellation is
// not reported: it is shutdown, not failure.
func (m *Machine) reportError(ctx context.Context, op string, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	log.Printf("[scrobble:%s] %s failed: %v", m.providerID, op, err)
	m.bus.Publish(events.TopicScrobbleError, fmt.Sprintf("%s: %v", op, err))
}

// buildRequest converts a catalog item into the scrobble wire shape.
func buildRequest(item models.CatalogItem, progress float64) tracker.ScrobbleRequest {
	req := tracker.ScrobbleRequest{Progress: progress}
	if item.Type == models.MediaTypeMovie {
		req.Movie = &tracker.Movie{Title: item.Title, Year: item.Year, IDs: item.IDs}
		return req
	}
	req.Episode = &tracker.Episode{
		Season: item.Season,
		Number: item.Episode,
		Title:  item.EpisodeTitle,
		IDs:    item.IDs,
	}
	req.Show = &tracker.Show{Title: item.Title, IDs: item.ShowIDs}
	return req
}
