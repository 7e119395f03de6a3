package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/metrics"
	"github.com/dontdude/coderun/internal/platform/docker"
)

const readBufferSize = 32 * 1024

// compileError carries the filtered compiler diagnostics.
type compileError struct {
	diagnostics string
}

func (e *compileError) Error() string { return "compilation failed: " + e.diagnostics }
func (e *compileError) Unwrap() error { return domain.ErrCompilation }

// timeoutError records which ceiling a phase ran past.
type timeoutError struct {
	phase domain.Phase
	limit time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%s phase exceeded %s", e.phase, e.limit)
}
func (e *timeoutError) Unwrap() error { return domain.ErrTimeoutExceeded }

// Session is one execution of one request. Its events arrive in order on
// Events; complete is always the final event and the channel is closed right
// after it.
type Session struct {
	id     string
	req    domain.ExecutionRequest
	input  domain.InputSource
	engine *Engine
	logger *zap.Logger

	events      chan domain.Event
	phase       atomic.Int32
	err         error
	containerID string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the session's event stream. Callers must drain it.
func (s *Session) Events() <-chan domain.Event { return s.events }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() domain.Phase { return domain.Phase(s.phase.Load()) }

// Err returns the terminal error. It is only meaningful once Events is closed.
func (s *Session) Err() error { return s.err }

func (s *Session) setPhase(p domain.Phase) {
	s.phase.Store(int32(p))
	s.logger.Debug("phase", zap.Stringer("phase", p))
}

func (s *Session) emit(kind domain.EventKind, data string) {
	s.events <- domain.Event{Type: kind, Data: data}
}

func (s *Session) run(ctx context.Context) {
	start := time.Now()
	metrics.SessionsActive.Inc()

	err := s.execute(ctx)
	if err != nil {
		s.emit(domain.EventError, describe(err))
	}

	if s.containerID != "" {
		s.setPhase(domain.PhaseCleaning)
		s.teardown(ctx)
	}

	s.err = err
	if err != nil {
		s.setPhase(domain.PhaseFailed)
		s.logger.Info("session failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	} else {
		s.setPhase(domain.PhaseCompleted)
		s.logger.Info("session completed", zap.Duration("elapsed", time.Since(start)))
	}

	metrics.SessionsActive.Dec()
	metrics.ExecutionsTotal.WithLabelValues(s.req.Language, outcome(err)).Inc()
	metrics.ExecutionDuration.WithLabelValues(s.req.Language).Observe(time.Since(start).Seconds())

	s.events <- domain.Event{Type: domain.EventComplete}
	close(s.events)
}

// execute walks the phases up to Run. A panic in any phase becomes the
// session error so teardown and complete still happen.
func (s *Session) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", zap.Any("panic", r))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	profile, err := s.engine.resolver.Resolve(s.req.Language, s.req.Source)
	if err != nil {
		return err
	}

	if err := s.provision(ctx, profile); err != nil {
		return err
	}
	if err := s.upload(ctx, profile); err != nil {
		return err
	}
	if profile.HasCompile() {
		if err := s.compile(ctx, profile); err != nil {
			return err
		}
	}
	return s.runProgram(ctx, profile)
}

func (s *Session) provision(ctx context.Context, profile domain.LanguageProfile) error {
	s.setPhase(domain.PhaseProvisioning)
	s.emit(domain.EventOutput, "[System] Creating isolated container...\n")

	rt := s.engine.runtime
	id, err := rt.CreateContainer(ctx, domain.ContainerSpec{
		Image:      profile.Image,
		Cmd:        s.engine.cfg.IdleCmd,
		WorkingDir: s.engine.cfg.WorkDir,
		Limits:     s.engine.cfg.Limits,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProvisioning, err)
	}
	s.containerID = id
	s.logger = s.logger.With(zap.String("container_id", shortID(id)))

	if err := rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProvisioning, err)
	}
	s.emit(domain.EventOutput, "[System] Container started\n")
	return nil
}

func (s *Session) upload(ctx context.Context, profile domain.LanguageProfile) error {
	s.setPhase(domain.PhaseUploading)

	archive, err := docker.BuildArchive(profile.FileName, []byte(s.req.Source))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUpload, err)
	}
	if err := s.engine.runtime.CopyToContainer(ctx, s.containerID, s.engine.cfg.WorkDir, bytes.NewReader(archive)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUpload, err)
	}
	s.emit(domain.EventOutput, "[System] Code uploaded\n")
	return nil
}

func (s *Session) compile(ctx context.Context, profile domain.LanguageProfile) error {
	s.setPhase(domain.PhaseCompiling)
	s.emit(domain.EventOutput, "[System] Compiling...\n")

	limit := s.engine.cfg.CompileTimeout
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	stream, err := s.engine.runtime.Exec(cctx, s.containerID, domain.ExecOptions{
		Cmd:        profile.CompileCmd,
		WorkingDir: s.engine.cfg.WorkDir,
	})
	if err != nil {
		return fmt.Errorf("%w: compile exec: %w", domain.ErrRuntimeStream, err)
	}
	defer stream.Close()

	raw, err := readAllWithin(cctx, stream)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &timeoutError{phase: domain.PhaseCompiling, limit: limit}
		}
		return fmt.Errorf("%w: compile output: %w", domain.ErrRuntimeStream, err)
	}

	_, stderr, _ := docker.Split(raw)
	if lines := s.engine.noise.diagnostics(string(stderr)); len(lines) > 0 {
		return &compileError{diagnostics: strings.Join(lines, "\n")}
	}

	s.emit(domain.EventOutput, "[System] Compilation successful\n")
	return nil
}

// readAllWithin reads r to EOF, closing it if ctx ends first.
func readAllWithin(ctx context.Context, r io.ReadCloser) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		r.Close()
		<-done
		return nil, ctx.Err()
	}
}

func (s *Session) runProgram(ctx context.Context, profile domain.LanguageProfile) error {
	s.setPhase(domain.PhaseRunning)
	s.emit(domain.EventOutput, "[System] Executing...\n\n--- Output ---\n")

	limit := s.engine.cfg.RunTimeout
	rctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	stream, err := s.engine.runtime.Exec(rctx, s.containerID, domain.ExecOptions{
		Cmd:         profile.RunCmd,
		WorkingDir:  s.engine.cfg.WorkDir,
		AttachStdin: true,
	})
	if err != nil {
		return fmt.Errorf("%w: run exec: %w", domain.ErrRuntimeStream, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpInput(stream, stop)
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- s.pumpOutput(stream)
	}()

	select {
	case err = <-readDone:
		if err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrRuntimeStream, err)
		} else {
			s.emit(domain.EventOutput, "\n--- End ---\n")
		}
	case <-rctx.Done():
		// Unblocks the reader; everything it already decoded has been emitted.
		stream.Close()
		<-readDone
		if ctx.Err() != nil {
			err = fmt.Errorf("run cancelled: %w", ctx.Err())
		} else {
			err = &timeoutError{phase: domain.PhaseRunning, limit: limit}
		}
	}

	close(stop)
	stream.Close()
	wg.Wait()
	return err
}

// pumpOutput demultiplexes the exec stream until EOF, routing stdout to
// output events and stderr, minus noise, to error events.
func (s *Session) pumpOutput(r io.Reader) error {
	var demux docker.Demuxer
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			stdout, stderr := demux.Feed(buf[:n])
			if stdout != nil {
				s.emit(domain.EventOutput, string(stdout))
			}
			if stderr != nil {
				if msg := s.engine.noise.strip(string(stderr)); msg != "" {
					s.emit(domain.EventError, msg)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if rest := demux.Pending(); rest > 0 {
				s.logger.Warn("exec stream ended mid-frame", zap.Int("pending_bytes", rest))
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pumpInput forwards pre-supplied input, then relay input, to the program.
// It half-closes the write side once the relay is closed and drained.
func (s *Session) pumpInput(w domain.ExecStream, stop <-chan struct{}) {
	write := func(p []byte) bool {
		if _, err := w.Write(p); err != nil {
			s.logger.Debug("stdin write failed", zap.Error(err))
			return false
		}
		return true
	}
	closeWrite := func() {
		if err := w.CloseWrite(); err != nil {
			s.logger.Debug("stdin close failed", zap.Error(err))
		}
	}

	if len(s.req.Input) > 0 && !write(s.req.Input) {
		return
	}
	if s.input == nil {
		closeWrite()
		return
	}

	for {
		select {
		case <-stop:
			return
		case p := <-s.input.Chunks():
			if !write(p) {
				return
			}
		case <-s.input.Closed():
			for {
				select {
				case p := <-s.input.Chunks():
					if !write(p) {
						return
					}
				default:
					closeWrite()
					return
				}
			}
		}
	}
}

// teardown stops then removes the container. It ignores caller cancellation
// and never fails the session.
func (s *Session) teardown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.engine.cfg.TeardownTimeout)
	defer cancel()

	s.logger.Debug("cleaning up container")
	failed := false
	if err := s.engine.runtime.StopContainer(ctx, s.containerID); err != nil {
		s.logger.Warn("failed to stop container", zap.Error(err))
		failed = true
	}
	if err := s.engine.runtime.RemoveContainer(ctx, s.containerID); err != nil {
		s.logger.Error("failed to remove container", zap.Error(fmt.Errorf("%w: %w", domain.ErrTeardown, err)))
		failed = true
	}
	if failed {
		metrics.TeardownFailures.Inc()
	}
}

// describe renders a terminal error as the text of the error event.
func describe(err error) string {
	var ce *compileError
	if errors.As(err, &ce) {
		return "Compilation Error:\n" + ce.diagnostics
	}
	var te *timeoutError
	if errors.As(err, &te) {
		if te.phase == domain.PhaseCompiling {
			return fmt.Sprintf("\n[System] Compilation timeout (%s exceeded)\n", te.limit)
		}
		return fmt.Sprintf("\n[System] Execution timeout (%s exceeded)\n", te.limit)
	}
	return "System error: " + err.Error()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrCompilation):
		return "compilation_error"
	case errors.Is(err, domain.ErrTimeoutExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrUnsupportedLanguage), errors.Is(err, domain.ErrInvalidSource):
		return "rejected"
	default:
		return "system_error"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
