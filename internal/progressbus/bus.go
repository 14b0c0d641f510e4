// Package progressbus implements the Progress Bus: a publish/subscribe
// fan-out of structured job events to subscribed viewers (WebSocket clients
// today, anything that can drain a channel tomorrow).
package progressbus

import (
	"log/slog"
	"sync"
)

// Event is a single Progress Bus message. Only the fields relevant to its
// Type are populated; the rest are left zero and omitted by the omitempty
// json tags below, since internal/server writes Events to the wire as is.
type Event struct {
	Type     string      `json:"type"`
	JobID    string      `json:"job_id,omitempty"`
	Stage    string      `json:"stage,omitempty"`
	Tile     string      `json:"tile,omitempty"`
	Progress int         `json:"progress,omitempty"`
	Total    int         `json:"total,omitempty"`
	Message  string      `json:"message,omitempty"`
	Objects  interface{} `json:"objects,omitempty"`
	Dirty    interface{} `json:"dirty,omitempty"`
}

const (
	TypeHello       = "hello"
	TypeJobProgress = "job_progress"
	TypeJobError    = "job_error"
	TypeJobDone     = "job_done"
	TypePingAck     = "ping_ack"
)

// subscriber is one viewer's inbox. It holds at most one in-flight message;
// a slow reader causes the next publish to drop rather than block the bus.
type subscriber struct {
	id string
	ch chan Event
}

// Bus fans out events to a thread-safe set of subscribers. Publishers are
// worker goroutines (Scheduler tiles); subscribe/unsubscribe/publish all
// guard the subscriber map with mu, so no caller ever touches the map
// directly, and Publish releases mu before any send to a subscriber channel
// is attempted.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscriber
	nextID uint64
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "progressbus"),
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a new viewer and returns its inbox channel and an
// unsubscribe function. The channel is buffered to exactly one message: the
// bus never blocks a publisher on a slow subscriber.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.idFor(b.nextID)
	sub := &subscriber{id: id, ch: make(chan Event, 1)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

func (b *Bus) idFor(n uint64) string {
	const alphabet = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{alphabet[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

// Publish fans an event out to every current subscriber. It copies the
// subscriber snapshot under lock, then releases the lock before attempting
// any send, matching the spec's "copy snapshot under lock, then release
// before sending" resource policy. A subscriber whose inbox is still full
// (broken or slow connection) is silently skipped: no retry, no buffering
// beyond the one in-flight message already guaranteed by the channel.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "subscriber", s.id, "type", ev.Type)
		}
	}
}

// Count reports the current number of live subscribers, for diagnostics.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
