package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aibo-app/aibo-sub001/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// brainEvent wraps lifecycle topics for the UI.
type brainEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inbound is what the UI sends up the socket. Older builds put the state
// under "data".
type inbound struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientCount reports connected UI sockets.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	var sub *bus.Subscription
	done := make(chan struct{})
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe("")
		go func() {
			defer close(done)
			s.forward(ctx, c, sub)
		}()
	} else {
		close(done)
	}
	// Registered only once subscribed, so ClientCount implies delivery.
	s.addClient(c)
	s.logger.Info("ws: client connected")

	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		<-done
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		s.handleInbound(msg)
	}
}

func (s *Server) handleInbound(msg inbound) {
	switch msg.Type {
	case "body_state":
		raw := msg.State
		if len(raw) == 0 {
			raw = msg.Data
		}
		if s.cfg.Body == nil || len(raw) == 0 {
			return
		}
		if err := s.cfg.Body.Update(raw); err != nil {
			s.logger.Warn("ws: bad body_state", "error", err)
		}
	default:
		s.logger.Debug("ws: ignoring message", "type", msg.Type)
	}
}

// forward pushes agent actions as-is and wraps brain/rpc lifecycle events.
func (s *Server) forward(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Ch():
			if !open {
				return
			}
			var payload any
			switch {
			case ev.Topic == bus.TopicAgentAction:
				payload = ev.Payload
			case strings.HasPrefix(ev.Topic, "brain."), strings.HasPrefix(ev.Topic, "rpc."):
				payload = brainEvent{Type: "brain_event", Event: ev.Topic, Data: ev.Payload}
			default:
				continue
			}
			if err := c.write(ctx, payload); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("ws: write failed", "topic", ev.Topic, "error", err)
				}
				return
			}
		}
	}
}
