package models

// PlaybackSnapshot is a best-effort observation of current playback produced
// by one snapshot source on a poll cycle. Every field is optional; a snapshot
// is usable when it carries either a progress percent or both a position and
// a duration.
type PlaybackSnapshot struct {
	IsPaused        *bool    `json:"isPaused,omitempty"`
	CurrentTime     *float64 `json:"currentTime,omitempty"` // seconds
	Duration        *float64 `json:"duration,omitempty"`    // seconds
	ProgressPercent *float64 `json:"progressPercent,omitempty"`
}

// Usable reports whether the snapshot carries enough signal to derive a
// progress percent.
func (s *PlaybackSnapshot) Usable() bool {
	if s == nil {
		return false
	}
	if s.ProgressPercent != nil {
		return true
	}
	return s.CurrentTime != nil && s.Duration != nil && *s.Duration > 0
}

// Percent returns the progress percent, deriving it from position/duration
// when not reported directly. Returns 0 for unusable snapshots.
func (s *PlaybackSnapshot) Percent() float64 {
	if s == nil {
		return 0
	}
	if s.ProgressPercent != nil {
		return *s.ProgressPercent
	}
	if s.CurrentTime != nil && s.Duration != nil && *s.Duration > 0 {
		return *s.CurrentTime / *s.Duration * 100
	}
	return 0
}

// Playback is the normalized per-tick playback signal consumed by the
// scrobble state machine.
type Playback struct {
	IsPaused        bool    `json:"isPaused"`
	ProgressPercent float64 `json:"progressPercent"`
}
