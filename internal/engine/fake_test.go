package engine

import (
	"archive/tar"
	"context"
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/coderun/internal/domain"
)

// program simulates a process inside the container.
type program func(stdin io.Reader, stdout, stderr io.Writer) error

// fakeStream pipes stdin to a program and frames its output the way the
// daemon does on a non-TTY exec attach.
type fakeStream struct {
	stdinW *io.PipeWriter
	outR   *io.PipeReader
}

func newFakeStream(prog program) *fakeStream {
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		err := prog(stdinR,
			stdcopy.NewStdWriter(outW, stdcopy.Stdout),
			stdcopy.NewStdWriter(outW, stdcopy.Stderr))
		stdinR.Close()
		outW.CloseWithError(err)
	}()
	return &fakeStream{stdinW: stdinW, outR: outR}
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.outR.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.stdinW.Write(p) }
func (s *fakeStream) CloseWrite() error           { return s.stdinW.Close() }

func (s *fakeStream) Close() error {
	s.stdinW.Close()
	return s.outR.Close()
}

type fakeRuntime struct {
	mu sync.Mutex

	compile program
	run     program

	createErr error
	startErr  error
	copyErr   error
	stopErr   error
	removeErr error

	uploadPanic any

	creates  int
	starts   int
	stops    int
	removes  int
	specs    []domain.ContainerSpec
	execs    []domain.ExecOptions
	uploaded map[string]string
	dirs     []string
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.specs = append(f.specs, spec)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "0123456789abcdef", nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeRuntime) CopyToContainer(_ context.Context, _, dir string, archive io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadPanic != nil {
		panic(f.uploadPanic)
	}
	if f.copyErr != nil {
		return f.copyErr
	}
	f.dirs = append(f.dirs, dir)
	if f.uploaded == nil {
		f.uploaded = make(map[string]string)
	}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		body, _ := io.ReadAll(tr)
		f.uploaded[hdr.Name] = string(body)
	}
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ string, opts domain.ExecOptions) (domain.ExecStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, opts)
	prog := f.run
	if !opts.AttachStdin {
		prog = f.compile
	}
	if prog == nil {
		prog = func(io.Reader, io.Writer, io.Writer) error { return nil }
	}
	return newFakeStream(prog), nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return f.removeErr
}

func (f *fakeRuntime) counts() (creates, stops, removes, execs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.stops, f.removes, len(f.execs)
}
