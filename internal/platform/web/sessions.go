package web

import (
	"context"
	"fmt"
	"sync"
)

// sessionTracker counts runs started by this server so Shutdown can wait
// for their containers to be torn down. Hijacked WebSocket connections are
// invisible to http.Server.Shutdown.
type sessionTracker struct {
	mu       sync.Mutex
	draining bool
	conns    map[*interactiveConn]struct{}
	runs     sync.WaitGroup
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{conns: make(map[*interactiveConn]struct{})}
}

// acquire registers a run. It returns false once draining has begun.
func (t *sessionTracker) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.runs.Add(1)
	return true
}

func (t *sessionTracker) release() {
	t.runs.Done()
}

// attach registers an interactive connection. It returns false once draining has begun.
func (t *sessionTracker) attach(c *interactiveConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *sessionTracker) detach(c *interactiveConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// drain refuses new runs, ends input on every connection and waits for
// the runs in flight, bounded by ctx. Connections are closed afterwards.
func (t *sessionTracker) drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	conns := make([]*interactiveConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.closeRelay()
	}

	done := make(chan struct{})
	go func() {
		t.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
	}

	for _, c := range conns {
		c.conn.Close()
	}
	return nil
}
