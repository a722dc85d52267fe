// Package notify is the one-way signal channel between the sync engine and
// whatever UI layer consumes it. The engine publishes events; it has no
// dependency on how (or whether) they are rendered.
package notify

import (
	"log"
	"os"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventNoteChanged means a note's merged content changed, either from
	// a local edit or from another device's records being applied.
	EventNoteChanged EventType = "note_changed"

	// EventActiveSyncs means the number of user-visible in-flight syncs
	// changed. Routine polling and the full repoll sweep never emit this.
	EventActiveSyncs EventType = "active_syncs"

	// EventSnapshotFlushed means a checkpoint was written for a note.
	EventSnapshotFlushed EventType = "snapshot_flushed"
)

// Event is one notification.
type Event struct {
	Type      EventType `json:"type"`
	NoteID    string    `json:"note_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the engine-facing side of the channel.
type Publisher interface {
	Publish(Event)
}

// Hub fans events out to subscribers.
//
// Publishing never blocks: a subscriber that stops draining its channel
// loses events (with a logged warning) rather than stalling the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *log.Logger
}

// NewHub creates a Hub. If logger is nil, a default stderr logger is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish implements Publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Printf("Warning: subscriber slow, dropping %s event", ev.Type)
		}
	}
}
