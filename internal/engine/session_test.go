package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/language"
)

func newTestEngine(t *testing.T, rt *fakeRuntime, mutate ...func(*Config)) *Engine {
	t.Helper()
	reg, err := language.NewRegistry(language.Defaults())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RunTimeout = 2 * time.Second
	cfg.CompileTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	return New(rt, reg, cfg, zap.NewNop())
}

// drain reads the whole event stream and checks that complete arrives
// exactly once, as the last event.
func drain(t *testing.T, events <-chan domain.Event) []domain.Event {
	t.Helper()
	var got []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				completes := 0
				for _, e := range got {
					if e.Type == domain.EventComplete {
						completes++
					}
				}
				require.Equal(t, 1, completes, "complete must be emitted exactly once")
				require.Equal(t, domain.EventComplete, got[len(got)-1].Type, "complete must be last")
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("session did not complete")
		}
	}
}

func joined(events []domain.Event, kind domain.EventKind) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == kind {
			b.WriteString(ev.Data)
		}
	}
	return b.String()
}

// programOutput returns the output between the run markers.
func programOutput(t *testing.T, events []domain.Event) string {
	t.Helper()
	out := joined(events, domain.EventOutput)
	_, after, found := strings.Cut(out, "--- Output ---\n")
	require.True(t, found, "missing output marker in %q", out)
	body, _, found := strings.Cut(after, "\n--- End ---\n")
	require.True(t, found, "missing end marker in %q", out)
	return body
}

func printer(text string) program {
	return func(_ io.Reader, stdout, _ io.Writer) error {
		_, err := io.WriteString(stdout, text)
		return err
	}
}

func adder(stdin io.Reader, stdout, _ io.Writer) error {
	sum := 0
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			continue
		}
		sum += n
	}
	_, err := fmt.Fprintf(stdout, "%d\n", sum)
	return err
}

func TestSessionJavaScriptHello(t *testing.T) {
	rt := &fakeRuntime{run: printer("hi\n")}
	e := newTestEngine(t, rt)

	s := e.Start(context.Background(), domain.ExecutionRequest{Language: "javascript", Source: "console.log('hi')"}, nil)
	events := drain(t, s.Events())

	assert.Equal(t, "hi\n", programOutput(t, events))
	assert.Empty(t, joined(events, domain.EventError))
	assert.NoError(t, s.Err())
	assert.Equal(t, domain.PhaseCompleted, s.Phase())
	assert.NotEmpty(t, s.ID())

	creates, stops, removes, execs := rt.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes)
	assert.Equal(t, 1, execs, "interpreted language must not compile")

	assert.Equal(t, map[string]string{"code.js": "console.log('hi')"}, rt.uploaded)
	assert.Equal(t, []string{"/app"}, rt.dirs)
	require.Len(t, rt.specs, 1)
	assert.Equal(t, "coderunner-js:latest", rt.specs[0].Image)
	assert.Equal(t, []string{"/bin/sh"}, rt.specs[0].Cmd)
	assert.True(t, rt.specs[0].Limits.NetworkDisabled)
}

func TestSessionRejectsBeforeProvisioning(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.ExecutionRequest
		wantErr error
		wantMsg string
	}{
		{
			name:    "JavaWithoutPublicClass",
			req:     domain.ExecutionRequest{Language: "java", Source: "class Foo {}"},
			wantErr: domain.ErrInvalidSource,
			wantMsg: "public class",
		},
		{
			name:    "UnsupportedLanguage",
			req:     domain.ExecutionRequest{Language: "cobol", Source: "DISPLAY 'HI'."},
			wantErr: domain.ErrUnsupportedLanguage,
			wantMsg: "cobol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			s := newTestEngine(t, rt).Start(context.Background(), tt.req, nil)
			events := drain(t, s.Events())

			require.Len(t, events, 2)
			assert.Equal(t, domain.EventError, events[0].Type)
			assert.Contains(t, events[0].Data, tt.wantMsg)
			assert.ErrorIs(t, s.Err(), tt.wantErr)
			assert.Equal(t, domain.PhaseFailed, s.Phase())

			creates, stops, removes, _ := rt.counts()
			assert.Zero(t, creates, "no environment may be provisioned")
			assert.Zero(t, stops)
			assert.Zero(t, removes)
		})
	}
}

func TestSessionCompileNoiseProceedsToRun(t *testing.T) {
	rt := &fakeRuntime{
		compile: func(_ io.Reader, _, stderr io.Writer) error {
			_, err := io.WriteString(stderr, "Picked up JAVA_TOOL_OPTIONS: -Xmx64m\n\n")
			return err
		},
		run: printer("ok\n"),
	}
	source := "public class Main { public static void main(String[] a) {} }"

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "java", Source: source}, nil)
	events := drain(t, s.Events())

	assert.Empty(t, joined(events, domain.EventError))
	assert.Contains(t, joined(events, domain.EventOutput), "[System] Compilation successful\n")
	assert.Equal(t, "ok\n", programOutput(t, events))

	require.Len(t, rt.execs, 2)
	assert.Equal(t, []string{"javac", "Main.java"}, rt.execs[0].Cmd)
	assert.False(t, rt.execs[0].AttachStdin)
	assert.Equal(t, []string{"java", "Main"}, rt.execs[1].Cmd)
	assert.True(t, rt.execs[1].AttachStdin)
	assert.Contains(t, rt.uploaded, "Main.java")
}

func TestSessionCompileErrorSkipsRun(t *testing.T) {
	rt := &fakeRuntime{
		compile: func(_ io.Reader, _, stderr io.Writer) error {
			_, err := io.WriteString(stderr, "Picked up _JAVA_OPTIONS: -Xss1m\ncode.c:1:1: error: expected ';'\n")
			return err
		},
		run: printer("never\n"),
	}

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "c", Source: "int main() { return 0 }"}, nil)
	events := drain(t, s.Events())

	assert.Equal(t, "Compilation Error:\ncode.c:1:1: error: expected ';'", joined(events, domain.EventError))
	assert.NotContains(t, joined(events, domain.EventOutput), "Executing")
	assert.ErrorIs(t, s.Err(), domain.ErrCompilation)

	_, stops, removes, execs := rt.counts()
	assert.Equal(t, 1, execs, "run phase must never start")
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes)
}

func TestSessionRelaysInteractiveInput(t *testing.T) {
	rt := &fakeRuntime{run: adder}
	relay := NewInputRelay(0)

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "print(sum)"}, relay)

	_, err := relay.Write([]byte("3\n"))
	require.NoError(t, err)
	_, err = relay.Write([]byte("4\n"))
	require.NoError(t, err)
	require.NoError(t, relay.Close())

	events := drain(t, s.Events())
	assert.Contains(t, programOutput(t, events), "7")
	assert.NoError(t, s.Err())
}

func TestSessionPreSuppliedInputComesFirst(t *testing.T) {
	echo := func(stdin io.Reader, stdout, _ io.Writer) error {
		_, err := io.Copy(stdout, stdin)
		return err
	}
	rt := &fakeRuntime{run: echo}
	relay := NewInputRelay(0)
	_, err := relay.Write([]byte("second\n"))
	require.NoError(t, err)
	relay.Close()

	req := domain.ExecutionRequest{Language: "python", Source: "x", Input: []byte("first\n")}
	events := drain(t, newTestEngine(t, rt).Execute(context.Background(), req, relay))

	assert.Equal(t, "first\nsecond\n", programOutput(t, events))
}

func TestSessionRunStderrFiltersNoise(t *testing.T) {
	rt := &fakeRuntime{
		run: func(_ io.Reader, _, stderr io.Writer) error {
			_, err := io.WriteString(stderr, "Picked up JAVA_TOOL_OPTIONS: -Xmx64m\nwarning: careful\n")
			return err
		},
	}

	events := drain(t, newTestEngine(t, rt).Execute(context.Background(),
		domain.ExecutionRequest{Language: "python", Source: "x"}, nil))

	assert.Equal(t, "warning: careful\n", joined(events, domain.EventError))
}

func TestSessionRunTimeout(t *testing.T) {
	rt := &fakeRuntime{
		run: func(stdin io.Reader, stdout, _ io.Writer) error {
			if _, err := io.WriteString(stdout, "partial\n"); err != nil {
				return err
			}
			_, err := io.Copy(io.Discard, stdin)
			return err
		},
	}
	relay := NewInputRelay(0)
	defer relay.Close()

	e := newTestEngine(t, rt, func(c *Config) { c.RunTimeout = 100 * time.Millisecond })
	s := e.Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "input()"}, relay)
	events := drain(t, s.Events())

	out := joined(events, domain.EventOutput)
	assert.Contains(t, out, "partial\n", "output produced before expiry must be delivered")
	assert.NotContains(t, out, "--- End ---")
	assert.Contains(t, joined(events, domain.EventError), "Execution timeout (100ms exceeded)")
	assert.ErrorIs(t, s.Err(), domain.ErrTimeoutExceeded)

	// error, then complete
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, domain.EventError, events[len(events)-2].Type)

	_, stops, removes, _ := rt.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes)
}

func TestSessionCompileTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rt := &fakeRuntime{
		compile: func(io.Reader, io.Writer, io.Writer) error {
			<-block
			return nil
		},
	}

	e := newTestEngine(t, rt, func(c *Config) { c.CompileTimeout = 50 * time.Millisecond })
	s := e.Start(context.Background(), domain.ExecutionRequest{Language: "cpp", Source: "int main(){}"}, nil)
	events := drain(t, s.Events())

	errText := joined(events, domain.EventError)
	assert.Contains(t, errText, "Compilation timeout (50ms exceeded)")
	assert.NotContains(t, errText, "Execution timeout")
	assert.ErrorIs(t, s.Err(), domain.ErrTimeoutExceeded)
	assert.NotContains(t, joined(events, domain.EventOutput), "Executing...")
	_, stops, _, execs := rt.counts()
	assert.Equal(t, 1, execs)
	assert.Equal(t, 1, stops)
}

func TestSessionRunTransportError(t *testing.T) {
	rt := &fakeRuntime{
		run: func(_ io.Reader, stdout, _ io.Writer) error {
			io.WriteString(stdout, "before\n")
			return errors.New("connection reset by peer")
		},
	}

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "x"}, nil)
	events := drain(t, s.Events())

	assert.Contains(t, joined(events, domain.EventOutput), "before\n")
	errText := joined(events, domain.EventError)
	assert.True(t, strings.HasPrefix(errText, "System error: "), errText)
	assert.Contains(t, errText, "connection reset by peer")
	assert.ErrorIs(t, s.Err(), domain.ErrRuntimeStream)

	_, stops, removes, _ := rt.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes)
}

func TestSessionCompileTransportError(t *testing.T) {
	rt := &fakeRuntime{
		compile: func(io.Reader, io.Writer, io.Writer) error {
			return errors.New("unexpected EOF from daemon")
		},
	}

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "c", Source: "int main(){}"}, nil)
	events := drain(t, s.Events())

	errText := joined(events, domain.EventError)
	assert.True(t, strings.HasPrefix(errText, "System error: "), errText)
	assert.Contains(t, errText, "unexpected EOF from daemon")
	assert.NotContains(t, errText, "Compilation Error")
	assert.ErrorIs(t, s.Err(), domain.ErrRuntimeStream)
	assert.Equal(t, domain.PhaseFailed, s.Phase())

	_, stops, removes, execs := rt.counts()
	assert.Equal(t, 1, execs, "run phase must not start")
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes)
}

func TestSessionPanicBecomesError(t *testing.T) {
	rt := &fakeRuntime{uploadPanic: "tar writer exploded"}

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "x"}, nil)
	events := drain(t, s.Events())

	errText := joined(events, domain.EventError)
	assert.Equal(t, "System error: internal error: tar writer exploded", errText)
	require.Error(t, s.Err())
	assert.Equal(t, domain.PhaseFailed, s.Phase())

	_, stops, removes, execs := rt.counts()
	assert.Zero(t, execs)
	assert.Equal(t, 1, stops, "teardown still runs after a panic")
	assert.Equal(t, 1, removes)
}

func TestSessionControlPlaneFailures(t *testing.T) {
	tests := []struct {
		name        string
		rt          *fakeRuntime
		wantErr     error
		wantStops   int
		wantRemoves int
	}{
		{
			name:    "CreateFails",
			rt:      &fakeRuntime{createErr: errors.New("no such image")},
			wantErr: domain.ErrProvisioning,
		},
		{
			name:        "StartFails",
			rt:          &fakeRuntime{startErr: errors.New("oci runtime error")},
			wantErr:     domain.ErrProvisioning,
			wantStops:   1,
			wantRemoves: 1,
		},
		{
			name:        "UploadFails",
			rt:          &fakeRuntime{copyErr: errors.New("no space left on device")},
			wantErr:     domain.ErrUpload,
			wantStops:   1,
			wantRemoves: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestEngine(t, tt.rt).Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "x"}, nil)
			events := drain(t, s.Events())

			assert.Contains(t, joined(events, domain.EventError), "System error: ")
			assert.ErrorIs(t, s.Err(), tt.wantErr)

			_, stops, removes, execs := tt.rt.counts()
			assert.Zero(t, execs)
			assert.Equal(t, tt.wantStops, stops)
			assert.Equal(t, tt.wantRemoves, removes)
		})
	}
}

func TestSessionTeardownFailureIsNotSurfaced(t *testing.T) {
	rt := &fakeRuntime{
		run:       printer("fine\n"),
		stopErr:   errors.New("container already stopped"),
		removeErr: errors.New("removal in progress"),
	}

	s := newTestEngine(t, rt).Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "x"}, nil)
	events := drain(t, s.Events())

	assert.Empty(t, joined(events, domain.EventError))
	assert.NoError(t, s.Err())
	assert.Equal(t, domain.PhaseCompleted, s.Phase())

	_, stops, removes, _ := rt.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, removes, "remove is attempted even when stop fails")
}

func TestSessionUsesRequestID(t *testing.T) {
	rt := &fakeRuntime{}
	e := New(rt, mustRegistry(t), DefaultConfig(), zap.NewNop(), WithIDGenerator(func() string { return "generated" }))

	s := e.Start(context.Background(), domain.ExecutionRequest{ID: "job-42", Language: "python", Source: "x"}, nil)
	drain(t, s.Events())
	assert.Equal(t, "job-42", s.ID())

	s = e.Start(context.Background(), domain.ExecutionRequest{Language: "python", Source: "x"}, nil)
	drain(t, s.Events())
	assert.Equal(t, "generated", s.ID())
}

func TestEngineRun(t *testing.T) {
	rt := &fakeRuntime{run: printer("42\n")}
	e := newTestEngine(t, rt)

	res := e.Run(context.Background(), domain.ExecutionRequest{Language: "javascript", Source: "console.log(42)"})
	assert.False(t, res.Failed())
	assert.Contains(t, res.Output, "--- Output ---\n42\n")

	res = e.Run(context.Background(), domain.ExecutionRequest{Language: "brainfuck", Source: "+"})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "unsupported language")
}

func TestEngineLanguages(t *testing.T) {
	e := newTestEngine(t, &fakeRuntime{})
	assert.Equal(t, []string{"c", "cpp", "java", "javascript", "python"}, e.Languages())
}

func TestCollect(t *testing.T) {
	events := make(chan domain.Event, 5)
	events <- domain.Event{Type: domain.EventOutput, Data: "a"}
	events <- domain.Event{Type: domain.EventError, Data: "x"}
	events <- domain.Event{Type: domain.EventOutput, Data: "b"}
	events <- domain.Event{Type: domain.EventComplete}
	close(events)

	res := Collect(events)
	assert.Equal(t, domain.RunResult{Output: "ab", Error: "x"}, res)
}

func TestNewAppliesDefaults(t *testing.T) {
	e := New(&fakeRuntime{}, mustRegistry(t), Config{}, zap.NewNop())
	def := DefaultConfig()
	assert.Equal(t, def.WorkDir, e.cfg.WorkDir)
	assert.Equal(t, def.IdleCmd, e.cfg.IdleCmd)
	assert.Equal(t, def.RunTimeout, e.cfg.RunTimeout)
	assert.Equal(t, def.NoisePatterns, e.cfg.NoisePatterns)
}

func mustRegistry(t *testing.T) *language.Registry {
	t.Helper()
	reg, err := language.NewRegistry(language.Defaults())
	require.NoError(t, err)
	return reg
}
