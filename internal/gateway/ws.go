package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/relay/internal/bus"
)

// wireEvent is the envelope pushed to websocket viewers. Type carries the bus
// topic verbatim so subscribers can dispatch on it.
type wireEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// handleWS upgrades the connection and wires the client into the fan-out: a
// bus subscription forwards every domain event to the socket in publish
// order, and any frame the client sends is re-broadcast to all viewers
// (the sender included) as an "echo" event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &wsClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: viewer connected")

	sub := s.cfg.Bus.Subscribe("")
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.cfg.Logger.Info("ws: viewer disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go s.forwardEvents(ctx, c, sub)

	for {
		var payload any
		if err := wsjson.Read(ctx, conn, &payload); err != nil {
			return
		}
		// Relay primitive: inbound viewer frames reach every viewer,
		// tagged so they cannot be mistaken for server-originated events.
		s.publish(ctx, bus.TopicEcho, payload)
	}
}

// forwardEvents pushes bus events to one client. A failed write means the
// transport says the client is gone; the read loop's deferred cleanup
// unregisters it.
func (s *Server) forwardEvents(ctx context.Context, c *wsClient, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wireEvent{Type: ev.Topic, Data: ev.Payload}); err != nil {
				s.cfg.Logger.Warn("ws: push failed, dropping viewer", "topic", ev.Topic, "error", err)
				_ = c.conn.Close(websocket.StatusInternalError, "push failed")
				return
			}
		}
	}
}
