package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/version"
)

// wsWriteTimeout bounds every frame write. A client that stops reading
// stalls its TCP window; the expired deadline is what disconnects it.
const wsWriteTimeout = 10 * time.Second

// wsConnConfig carries the per-connection tunables from server config.
type wsConnConfig struct {
	PingInterval time.Duration
	MaxDropped   int
}

// wsConn services one WebSocket connection: a reader goroutine for
// subscription control frames, and the handler goroutine writing hub
// events and heartbeats. Connections start silent — no event flows
// until the first subscribe frame.
type wsConn struct {
	conn *websocket.Conn
	hub  *events.Hub
	cfg  wsConnConfig
	sub  *events.Subscriber
}

func newWSConn(conn *websocket.Conn, hub *events.Hub, cfg wsConnConfig) *wsConn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxDropped <= 0 {
		cfg.MaxDropped = 1024
	}
	return &wsConn{conn: conn, hub: hub, cfg: cfg}
}

// run blocks until the client disconnects, the parent context ends, the
// hub closes, or the connection is culled for falling too far behind.
func (w *wsConn) run(ctx context.Context) {
	defer w.conn.Close(websocket.StatusNormalClosure, "")

	w.sub = w.hub.Subscribe()
	defer w.hub.Unsubscribe(w.sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello := events.NewEvent(events.FrameTypeHello, events.HelloData{ServerVersion: version.Full()})
	if err := w.writeEvent(ctx, hello); err != nil {
		return
	}

	// Reader goroutine: consumes control frames and cancels the writer
	// when the client goes away. The deferred Close unblocks its Read.
	go w.readLoop(ctx, cancel)

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-w.sub.Events():
			if !ok {
				// Hub shut down.
				return
			}
			if err := w.writeRaw(ctx, frame); err != nil {
				return
			}
			if d := w.sub.Dropped(); d > int64(w.cfg.MaxDropped) {
				slog.Warn("Closing WebSocket connection: subscriber too slow",
					"subscriber_id", w.sub.ID(),
					"dropped", d)
				w.conn.Close(websocket.StatusPolicyViolation, "event backlog exceeded")
				return
			}

		case <-ticker.C:
			ping := events.NewEvent(events.FrameTypePing, nil)
			if err := w.writeEvent(ctx, ping); err != nil {
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the connection errors out.
// Frames that do not parse as a ClientMessage are ignored; killing the
// stream over a typo in a hand-rolled client helps nobody.
func (w *wsConn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg events.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring unparseable WebSocket frame", "error", err)
			continue
		}
		w.apply(msg)
	}
}

// apply adjusts the subscription set. An empty events list means every
// type, so `{"op":"subscribe"}` alone turns the firehose on.
func (w *wsConn) apply(msg events.ClientMessage) {
	types := msg.Events
	if len(types) == 0 {
		types = events.AllEventTypes()
	}
	switch msg.Op {
	case events.OpSubscribe:
		w.sub.Add(types...)
	case events.OpUnsubscribe:
		w.sub.Remove(types...)
	default:
		slog.Debug("Ignoring unknown WebSocket op", "op", msg.Op)
	}
}

// writeRaw sends one pre-marshaled frame under the write deadline.
func (w *wsConn) writeRaw(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return w.conn.Write(wctx, websocket.MessageText, frame)
}

func (w *wsConn) writeEvent(ctx context.Context, ev events.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.writeRaw(ctx, frame)
}
