package events

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber mailbox capacity when the
// hub is constructed with a non-positive size.
const DefaultBufferSize = 256

// Hub is the in-process typed publish-subscribe fan-out. One instance
// per process; lifecycle matches the process.
//
// Publish never blocks: each subscriber owns a bounded mailbox, and on
// overflow the oldest queued frame for that subscriber (only) is
// dropped and counted. A slow WebSocket client therefore cannot stall
// ingestion or starve other subscribers.
type Hub struct {
	// Active subscribers: subscriber_id → *Subscriber
	subscribers map[string]*Subscriber
	mu          sync.RWMutex

	bufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscriber is one WebSocket connection's view of the hub: a type
// filter plus a bounded FIFO mailbox of marshaled frames.
//
// The enqueue path (deliver) and the filter mutations (Add, Remove)
// are serialized by mu, so the drop-oldest sequence is atomic and
// frames enter the mailbox in publish order. The drain side reads
// Events() without any lock.
type Subscriber struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	types   map[string]bool // event types this subscriber receives
	closed  bool
	mailbox chan []byte

	dropped atomic.Int64
}

// HubStats is a point-in-time snapshot of hub activity.
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// NewHub creates a Hub whose subscribers buffer up to bufferSize
// frames each. Non-positive sizes fall back to DefaultBufferSize.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber filtered to the given event
// types. Unknown type names are ignored. With no types the subscriber
// starts silent; the connection's subscribe frames add types later.
func (h *Hub) Subscribe(types ...string) *Subscriber {
	s := &Subscriber{
		id:      uuid.New().String(),
		hub:     h,
		types:   make(map[string]bool),
		mailbox: make(chan []byte, h.bufferSize),
	}
	s.addLocked(types)

	h.mu.Lock()
	h.subscribers[s.id] = s
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its mailbox. Idempotent.
// After return no further frame is delivered: the closed flag and the
// enqueue path share the subscriber's mutex.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, registered := h.subscribers[s.id]
	delete(h.subscribers, s.id)
	h.mu.Unlock()
	if !registered {
		return
	}

	s.mu.Lock()
	s.closed = true
	close(s.mailbox)
	s.mu.Unlock()
}

// Publish marshals the event once and enqueues it to every subscriber
// whose filter matches. Never blocks; safe for concurrent use.
func (h *Hub) Publish(e Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal event", "type", e.Type, "error", err)
		return
	}
	h.published.Add(1)

	// Snapshot under the lock, deliver outside it. Enqueues are
	// non-blocking, but register/unregister must not wait on them.
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.deliver(e.Type, frame)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers: h.SubscriberCount(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close unsubscribes every subscriber, closing their mailboxes so WS
// writer goroutines drain out. Called once during process shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.Unsubscribe(s)
	}
}

// ID returns the subscriber's unique identifier, used in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// Events is the drain side of the mailbox. The channel is closed by
// Unsubscribe; a range loop over it ends when the subscriber is removed.
func (s *Subscriber) Events() <-chan []byte {
	return s.mailbox
}

// Dropped returns how many frames have been dropped for this
// subscriber since registration. The WebSocket handler disconnects
// clients whose count passes the configured threshold.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Add subscribes to the given event types. Unknown names are ignored.
func (s *Subscriber) Add(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(types)
}

// Remove unsubscribes from the given event types.
func (s *Subscriber) Remove(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		delete(s.types, t)
	}
}

// Types returns the current filter, sorted for stable comparison.
func (s *Subscriber) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Subscriber) addLocked(types []string) {
	for _, t := range types {
		if !IsValidEventType(t) {
			slog.Debug("Ignoring unknown event type in subscription",
				"subscriber_id", s.id, "type", t)
			continue
		}
		s.types[t] = true
	}
}

// deliver enqueues one frame if the filter matches. On a full mailbox
// it drops the oldest queued frame and retries; holding mu means the
// only concurrent channel operation is the drain side receiving, so
// each iteration either sends or frees a slot and the loop terminates
// without ever blocking.
func (s *Subscriber) deliver(eventType string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.types[eventType] {
		return
	}
	for {
		select {
		case s.mailbox <- frame:
			return
		default:
		}
		select {
		case <-s.mailbox:
			s.dropped.Add(1)
			s.hub.dropped.Add(1)
			slog.Debug("Mailbox full, dropped oldest queued event",
				"subscriber_id", s.id, "incoming_type", eventType,
				"dropped_total", s.dropped.Load())
		default:
			// Drain side freed a slot between the two selects.
		}
	}
}
