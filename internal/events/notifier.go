// Package events carries one-way announcements from the signaling core to
// display and accessibility collaborators. Publishing never blocks and never
// fails from the caller's point of view.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	RegistrationChanged       Type = "registrationChanged"
	CallStarted               Type = "callStarted"
	CallRinging               Type = "callRinging"
	CallEnded                 Type = "callEnded"
	DTMF                      Type = "dtmf"
	AccessibilityAnnouncement Type = "accessibilityAnnouncement"
)

// Event is the structured message delivered to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the narrow interface the core depends on.
type Publisher interface {
	Publish(typ Type, payload map[string]any)
}

// Notifier queues events on a bounded channel and fans them out to
// subscribers from a single goroutine (Run). When the queue or a
// subscriber's buffer is full the event is dropped for that consumer.
type Notifier struct {
	queue   chan Event
	now     func() time.Time
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewNotifier creates a notifier whose queue holds up to size events.
func NewNotifier(size int, logger *slog.Logger) *Notifier {
	if size <= 0 {
		size = 1
	}
	return &Notifier{
		queue:  make(chan Event, size),
		now:    time.Now,
		logger: logger.With("subsystem", "events"),
		subs:   make(map[int]chan Event),
	}
}

// Publish enqueues an event without blocking.
func (n *Notifier) Publish(typ Type, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Timestamp: n.now().UTC(),
	}
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.Warn("event queue full, dropping event", "type", typ)
	}
}

// Dropped returns the number of events discarded because a queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Subscribe registers a consumer. The returned cancel function removes the
// subscription and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Run delivers queued events to subscribers until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.deliver(ev)
		}
	}
}

func (n *Notifier) deliver(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.dropped.Add(1)
		}
	}
	n.logger.Debug("event delivered", "type", ev.Type, "subscribers", len(n.subs))
}
