package engine

import (
	"sync"

	"github.com/dontdude/coderun/internal/domain"
)

const defaultRelayBuffer = 64

// InputRelay carries caller input to a running session.
// The caller writes and closes; the session reads through domain.InputSource.
// All methods are safe for concurrent use.
type InputRelay struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ domain.InputSource = (*InputRelay)(nil)

// NewInputRelay returns an open relay that buffers up to buffer writes.
// A non-positive buffer uses the default.
func NewInputRelay(buffer int) *InputRelay {
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	return &InputRelay{
		chunks: make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Write queues a copy of p. It blocks while the buffer is full and fails
// with domain.ErrRelayClosed once the relay is closed.
func (r *InputRelay) Write(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, domain.ErrRelayClosed
	default:
	}

	chunk := append([]byte(nil), p...)
	select {
	case r.chunks <- chunk:
		return len(p), nil
	case <-r.closed:
		return 0, domain.ErrRelayClosed
	}
}

// Close signals that no more input will arrive. It is idempotent.
func (r *InputRelay) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// Chunks returns the queued input.
func (r *InputRelay) Chunks() <-chan []byte {
	return r.chunks
}

// Closed is closed once Close has been called.
func (r *InputRelay) Closed() <-chan struct{} {
	return r.closed
}
