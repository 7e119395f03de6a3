package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/engine"
)

const shuttingDownMessage = "Error: server is shutting down"

// inbound is a message from an interactive client.
type inbound struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input"`
}

// interactiveConn owns one WebSocket and at most one running session.
type interactiveConn struct {
	conn     *websocket.Conn
	executor domain.Executor
	logger   *zap.Logger

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// mu guards relay, which is non-nil while a session is running.
	mu    sync.Mutex
	relay *engine.InputRelay

	sessions sync.WaitGroup
	tracker  *sessionTracker
}

func (s *Server) handleInteractive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &interactiveConn{
		conn:     conn,
		executor: s.executor,
		tracker:  s.sessions,
		logger:   s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String())),
	}
	if !s.sessions.attach(c) {
		c.send(domain.Event{Type: domain.EventError, Data: shuttingDownMessage})
		conn.Close()
		return
	}
	defer s.sessions.detach(c)

	c.logger.Info("client connected")
	c.serve(context.WithoutCancel(r.Context()))
}

func (c *interactiveConn) serve(ctx context.Context) {
	defer func() {
		// Disconnect only ends input; a running session still completes and tears down.
		c.closeRelay()
		c.conn.Close()
		c.sessions.Wait()
		c.logger.Info("client disconnected")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(domain.Event{Type: domain.EventError, Data: "Error: " + err.Error()})
			continue
		}

		switch msg.Type {
		case "run", "execute":
			c.start(ctx, msg)
		case "stdin":
			c.writeInput(msg.Input)
		default:
			c.send(domain.Event{Type: domain.EventError, Data: "Error: unknown message type " + msg.Type})
		}
	}
}

func (c *interactiveConn) start(ctx context.Context, msg inbound) {
	c.mu.Lock()
	if c.relay != nil {
		c.mu.Unlock()
		c.send(domain.Event{Type: domain.EventError, Data: "Error: a program is already running"})
		return
	}
	if !c.tracker.acquire() {
		c.mu.Unlock()
		c.send(domain.Event{Type: domain.EventError, Data: shuttingDownMessage})
		return
	}
	relay := engine.NewInputRelay(0)
	c.relay = relay
	c.mu.Unlock()

	events := c.executor.Execute(ctx, domain.ExecutionRequest{
		Language: msg.Language,
		Source:   msg.Code,
	}, relay)

	c.sessions.Add(1)
	go func() {
		defer c.sessions.Done()
		defer c.tracker.release()
		// Keep draining after write failures so the session never blocks.
		for ev := range events {
			if ev.Type == domain.EventComplete {
				c.release(relay)
			}
			c.send(ev)
		}
	}()
}

// writeInput forwards one line to the running session, if any.
func (c *interactiveConn) writeInput(text string) {
	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay == nil {
		return
	}
	if _, err := relay.Write([]byte(text + "\n")); err != nil {
		c.logger.Debug("input dropped", zap.Error(err))
	}
}

// release closes relay and clears it if it is still the active one.
func (c *interactiveConn) release(relay *engine.InputRelay) {
	c.mu.Lock()
	if c.relay == relay {
		c.relay = nil
	}
	c.mu.Unlock()
	relay.Close()
}

func (c *interactiveConn) closeRelay() {
	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay != nil {
		relay.Close()
	}
}

func (c *interactiveConn) send(ev domain.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Debug("websocket write failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
