package service

import (
	"log/slog"
	"sync"

	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/encoder"
)

// EventKind names a service event
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventError          EventKind = "error"
	EventRecordingSaved EventKind = "recording_saved"
	EventTargetsChanged EventKind = "targets_changed"
)

// Event is published to every subscriber. Only the fields of its Kind are set.
type Event struct {
	Kind    EventKind
	State   State
	Session *SessionInfo
	Err     error
	Result  *encoder.Result
	Targets *capture.Targets
}

const subscriberBuffer = 64

type eventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// publish never blocks; a subscriber that stopped reading loses events.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "subscriber", id, "event", ev.Kind)
		}
	}
}
