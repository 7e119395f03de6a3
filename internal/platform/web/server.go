// Package web is the HTTP and WebSocket transport in front of the execution engine.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// Options configures the HTTP server.
type Options struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      float64
}

// Option customizes a Server.
type Option func(*Server)

// WithQueue enables queued jobs: submission and following their events.
func WithQueue(q domain.JobQueue) Option {
	return func(s *Server) {
		s.queue = q
	}
}

// WithHandler mounts an extra handler, such as the MCP endpoint, at pattern.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) {
		s.mounts = append(s.mounts, mount{pattern: pattern, handler: h})
	}
}

type mount struct {
	pattern string
	handler http.Handler
}

// Server is the HTTP server for the execution API.
type Server struct {
	opts     Options
	executor domain.Executor
	queue    domain.JobQueue
	hub      *Hub
	limiter  *RateLimiter
	origins  originPolicy
	upgrader websocket.Upgrader
	mounts   []mount
	sessions *sessionTracker
	logger   *zap.Logger

	router chi.Router
	http   *http.Server

	// bg scopes the server's background loops.
	bg     context.Context
	stopBg context.CancelFunc
}

// New creates a new Server.
func New(opts Options, executor domain.Executor, logger *zap.Logger, options ...Option) *Server {
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		executor: executor,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateBurst),
		origins:  newOriginPolicy(opts.AllowedOrigins),
		sessions: newSessionTracker(),
		logger:   logger,
		router:   chi.NewRouter(),
		bg:       bg,
		stopBg:   cancel,
	}
	for _, o := range options {
		o(s)
	}
	s.hub = NewHub(logger)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.allows(r.Header.Get("Origin"))
		},
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/languages", s.handleLanguages)

	r.With(s.limiter.Middleware).Post("/compile/{language}", s.handleCompile)
	r.With(s.limiter.Middleware).Get("/ws", s.handleInteractive)

	if s.queue != nil {
		r.Route("/api/jobs", func(r chi.Router) {
			r.With(s.limiter.Middleware).Post("/", s.handleSubmit)
			r.Get("/{id}/ws", s.handleFollow)
		})
	}

	r.Handle("/metrics", promhttp.Handler())
	for _, m := range s.mounts {
		r.Handle(m.pattern, m.handler)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the background loops and begins serving. It returns once
// the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.queue != nil {
		events, err := s.queue.SubscribeEvents(s.bg)
		if err != nil {
			return fmt.Errorf("subscribe to job events: %w", err)
		}
		go s.hub.Run(events)
	}
	go s.limiter.StartCleanup(s.bg)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		s.stopBg()
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}

	s.logger.Info("server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server. It returns once every
// running session has completed, including its teardown, or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stopBg()
	err := s.http.Shutdown(ctx)
	if derr := s.sessions.drain(ctx); derr != nil {
		s.logger.Error("shutdown left sessions running", zap.Error(derr))
		err = errors.Join(err, derr)
	}
	return err
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
