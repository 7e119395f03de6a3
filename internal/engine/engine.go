// Package engine runs submissions through the isolated execution lifecycle.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// Resolver turns a language identifier and source into a concrete profile.
type Resolver interface {
	Resolve(language, source string) (domain.LanguageProfile, error)
	Names() []string
}

// Config is the process-wide execution envelope.
type Config struct {
	Limits          domain.ResourceLimits
	WorkDir         string
	IdleCmd         []string
	RunTimeout      time.Duration
	CompileTimeout  time.Duration
	TeardownTimeout time.Duration
	NoisePatterns   []string

	// EventBuffer sizes each session's event channel.
	EventBuffer int
}

// DefaultConfig returns the envelope used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Limits: domain.ResourceLimits{
			MemoryBytes:     128 * 1024 * 1024,
			CPUShares:       512,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
		WorkDir:         "/app",
		IdleCmd:         []string{"/bin/sh"},
		RunTimeout:      10 * time.Second,
		CompileTimeout:  30 * time.Second,
		TeardownTimeout: 10 * time.Second,
		NoisePatterns:   DefaultNoisePatterns,
		EventBuffer:     64,
	}
}

// Engine creates execution sessions. It holds no per-session state and is
// safe for concurrent use.
type Engine struct {
	runtime  domain.ContainerRuntime
	resolver Resolver
	cfg      Config
	noise    noiseFilter
	logger   *zap.Logger
	newID    func() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithIDGenerator replaces the session ID source used when a request has no ID.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// Check if Engine implements domain.Executor
var _ domain.Executor = (*Engine)(nil)

// New returns an Engine. Zero values in cfg fall back to DefaultConfig.
func New(runtime domain.ContainerRuntime, resolver Resolver, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if len(cfg.IdleCmd) == 0 {
		cfg.IdleCmd = def.IdleCmd
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = def.CompileTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.NoisePatterns == nil {
		cfg.NoisePatterns = def.NoisePatterns
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	e := &Engine{
		runtime:  runtime,
		resolver: resolver,
		cfg:      cfg,
		noise:    noiseFilter{patterns: cfg.NoisePatterns},
		logger:   logger,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches a session in its own goroutine and returns it immediately.
// input may be nil, in which case the program sees EOF after req.Input.
func (e *Engine) Start(ctx context.Context, req domain.ExecutionRequest, input domain.InputSource) *Session {
	if req.ID == "" {
		req.ID = e.newID()
	}
	s := &Session{
		id:     req.ID,
		req:    req,
		input:  input,
		engine: e,
		events: make(chan domain.Event, e.cfg.EventBuffer),
		logger: e.logger.With(zap.String("session_id", req.ID), zap.String("language", req.Language)),
	}
	go s.run(ctx)
	return s
}

// Execute starts a session and returns its event stream.
func (e *Engine) Execute(ctx context.Context, req domain.ExecutionRequest, input domain.InputSource) <-chan domain.Event {
	return e.Start(ctx, req, input).Events()
}

// Run executes with a pre-closed relay and blocks until the session completes.
func (e *Engine) Run(ctx context.Context, req domain.ExecutionRequest) domain.RunResult {
	relay := NewInputRelay(1)
	relay.Close()
	return Collect(e.Execute(ctx, req, relay))
}

// Languages lists the registered language identifiers.
func (e *Engine) Languages() []string {
	return e.resolver.Names()
}

// Collect drains events until the channel closes and accumulates output and
// error text separately.
func Collect(events <-chan domain.Event) domain.RunResult {
	var out, errs strings.Builder
	for ev := range events {
		switch ev.Type {
		case domain.EventOutput:
			out.WriteString(ev.Data)
		case domain.EventError:
			errs.WriteString(ev.Data)
		}
	}
	return domain.RunResult{Output: out.String(), Error: errs.String()}
}
