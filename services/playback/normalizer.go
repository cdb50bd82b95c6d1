// Package playback turns raw, provider-specific playback snapshots into the
// canonical per-tick signal consumed by the scrobble state machine.
package playback

import (
	"context"

	"watchsync/models"
)

// SnapshotSource is one observation channel for current playback: a native
// player element, an injected script bridge, DOM heuristics, or a
// provider-custom probe. Returns nil when it has no signal this tick.
type SnapshotSource interface {
	Name() string
	Snapshot(ctx context.Context) *models.PlaybackSnapshot
}

// lastSeen keeps the previous continuously-changing value per source so a
// paused state can be inferred when a provider does not report one.
type lastSeen struct {
	value float64
	valid bool
}

// Normalizer converts snapshots into Playback signals. Sources are tried in
// the order given; the first snapshot with any usable signal wins and
// sources are never merged.
type Normalizer struct {
	seen map[string]lastSeen
}

// NewNormalizer creates a normalizer with empty bookkeeping.
func NewNormalizer() *Normalizer {
	return &Normalizer{seen: make(map[string]lastSeen)}
}

// Normalize polls the sources in priority order and returns the normalized
// signal, or nil when no source has usable playback. A signal at or below
// zero percent is treated as "no playback yet" and discarded.
func (n *Normalizer) Normalize(ctx context.Context, sources []SnapshotSource) *models.Playback {
	for _, src := range sources {
		snap := src.Snapshot(ctx)
		if !snap.Usable() {
			continue
		}
		return n.normalizeOne(src.Name(), snap)
	}
	return nil
}

func (n *Normalizer) normalizeOne(source string, snap *models.PlaybackSnapshot) *models.Playback {
	percent := snap.Percent()
	if percent <= 0 {
		return nil
	}

	// Track whichever field changes continuously: position when present,
	// progress percent otherwise.
	observed := percent
	if snap.CurrentTime != nil {
		observed = *snap.CurrentTime
	}

	paused := false
	if snap.IsPaused != nil {
		paused = *snap.IsPaused
	} else {
		// Unchanged across two consecutive polls means paused. A buffering
		// stall looks the same; that is a known limit of the heuristic.
		prev := n.seen[source]
		paused = prev.valid && prev.value == observed
	}
	n.seen[source] = lastSeen{value: observed, valid: true}

	return &models.Playback{IsPaused: paused, ProgressPercent: percent}
}

// Reset clears per-source bookkeeping, used when the active item changes.
func (n *Normalizer) Reset() {
	n.seen = make(map[string]lastSeen)
}
