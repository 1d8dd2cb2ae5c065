package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentspy-io/agentspy/pkg/events"
)

// WSEvent represents a received WebSocket frame, control frames included.
type WSEvent struct {
	Type     string                 `json:"type"`
	Raw      json.RawMessage        // Original JSON
	Data     map[string]interface{} // Parsed data payload, nil for bare frames
	Received time.Time              // When we received it
}

// TraceID returns data.trace_id, or "" for frames without one.
func (e WSEvent) TraceID() string {
	id, _ := e.Data["trace_id"].(string)
	return id
}

// Status returns data.status, or "" for frames without one.
func (e WSEvent) Status() string {
	s, _ := e.Data["status"].(string)
	return s
}

// WSClient connects to the Agent Spy event stream and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect establishes a WebSocket connection to the test server and starts
// collecting frames in a background goroutine. The server sends a hello frame
// immediately after the upgrade; event delivery starts with the first
// subscribe.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	return c, nil
}

// Subscribe adds the given event types to the subscription. No arguments
// means every type.
func (c *WSClient) Subscribe(types ...string) error {
	return c.send(events.ClientMessage{Op: events.OpSubscribe, Events: types})
}

// Unsubscribe removes the given event types from the subscription. No
// arguments means every type.
func (c *WSClient) Unsubscribe(types ...string) error {
	return c.send(events.ClientMessage{Op: events.OpUnsubscribe, Events: types})
}

func (c *WSClient) send(msg events.ClientMessage) error {
	data, _ := json.Marshal(msg)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until a frame matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d frames)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for a frame with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForRunEvent waits for an event of the given type carrying the given
// run id in data.trace_id.
func (c *WSClient) WaitForRunEvent(eventType, runID string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType && e.TraceID() == runID
	}, timeout)
}

// CollectUntil collects frames until predicate returns true or timeout.
func (c *WSClient) CollectUntil(predicate func(events []WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return c.Events(), fmt.Errorf("timeout waiting for condition (collected %d frames)", len(c.Events()))
		case <-tick.C:
			evts := c.Events()
			if predicate(evts) {
				return evts, nil
			}
		}
	}
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns frames filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// TraceEvents returns the collected trace.* and stats.* events, excluding
// the hello and ping control frames.
func (c *WSClient) TraceEvents() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if events.IsValidEventType(e.Type) {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames from the WebSocket and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var parsed struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // Skip malformed messages.
		}

		evt := WSEvent{
			Type:     parsed.Type,
			Raw:      json.RawMessage(data),
			Data:     parsed.Data,
			Received: time.Now(),
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
