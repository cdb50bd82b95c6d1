// Package events is the pub/sub seam between the engines and whatever UI
// layer is listening. Publishing never blocks on subscribers.
package events

import (
	"log/slog"
	"sync"
)

// Topics published by the engines.
const (
	TopicScrobbleStarted = "scrobble.started"
	TopicScrobblePaused  = "scrobble.paused"
	TopicScrobbleStopped = "scrobble.stopped"
	TopicScrobbleError   = "scrobble.error"
	TopicSyncSuccess     = "sync.success"
	TopicSyncError       = "sync.error"
	TopicHistoryError    = "history.error"
)

// Event is one published notification.
type Event struct {
	Topic   string
	Payload any
}

// Bus is an in-process publish/subscribe hub. Subscriber channels are
// buffered; events for a full subscriber are dropped rather than blocking
// the publisher.
type Bus struct {
	log  *slog.Logger
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		log:  slog.Default().With("component", "events"),
		subs: make(map[string][]chan Event),
	}
}

// Subscribe registers for a topic. The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[topic]
		for i, c := range chans {
			if c == ch {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the topic. Full
// subscriber channels are skipped.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		default:
			b.log.Warn("dropping event for slow subscriber", "topic", topic)
		}
	}
}
