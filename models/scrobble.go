package models

import "time"

// ScrobbleState is the lifecycle state of the single active scrobble session.
type ScrobbleState int

const (
	ScrobbleIdle ScrobbleState = iota
	ScrobbleStarting
	ScrobblePlaying
	ScrobblePaused
	ScrobbleStopped
)

func (s ScrobbleState) String() string {
	switch s {
	case ScrobbleIdle:
		return "idle"
	case ScrobbleStarting:
		return "starting"
	case ScrobblePlaying:
		return "playing"
	case ScrobblePaused:
		return "paused"
	case ScrobbleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ScrobbleSession tracks the one item currently being scrobbled for a
// provider. Persisted at creation and at threshold crossing so an abrupt
// shutdown can be recovered by re-issuing a stop on next launch.
type ScrobbleSession struct {
	ID               string        `json:"id"`
	Item             *CatalogItem  `json:"item,omitempty"`
	State            ScrobbleState `json:"state"`
	Progress         float64       `json:"progress"`
	ReachedThreshold bool          `json:"reachedThreshold"`
	StartedAt        time.Time     `json:"startedAt"`
}
