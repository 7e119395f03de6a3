package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

const followerBuffer = 256

// Hub fans broadcast job events out to the clients following each job.
type Hub struct {
	mu        sync.RWMutex
	followers map[string]map[chan domain.JobEvent]struct{}
	logger    *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		followers: make(map[string]map[chan domain.JobEvent]struct{}),
		logger:    logger,
	}
}

// Subscribe registers a follower of jobID. The returned func unregisters it.
func (h *Hub) Subscribe(jobID string) (<-chan domain.JobEvent, func()) {
	ch := make(chan domain.JobEvent, followerBuffer)

	h.mu.Lock()
	if h.followers[jobID] == nil {
		h.followers[jobID] = make(map[chan domain.JobEvent]struct{})
	}
	h.followers[jobID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.followers[jobID], ch)
		if len(h.followers[jobID]) == 0 {
			delete(h.followers, jobID)
		}
	}
}

// Run dispatches events until the channel is closed.
func (h *Hub) Run(events <-chan domain.JobEvent) {
	h.logger.Info("starting job event hub")
	for ev := range events {
		h.Dispatch(ev)
	}
}

// Dispatch delivers ev to every follower of its job without blocking.
// A follower whose buffer is full misses the event.
func (h *Hub) Dispatch(ev domain.JobEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.followers[ev.JobID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("follower too slow, dropping event", zap.String("job_id", ev.JobID))
		}
	}
}

// handleFollow streams the events of one queued job until it completes.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe(jobID)
	defer unsubscribe()

	log := s.logger.With(zap.String("job_id", jobID))
	log.Info("client following job")

	// Reading is only needed to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info("follower disconnected")
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
			if ev.Type == domain.EventComplete {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		}
	}
}
