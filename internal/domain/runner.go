package domain

import (
	"context"
	"io"
)

// ResourceLimits is the fixed envelope applied to every isolated environment.
type ResourceLimits struct {
	MemoryBytes     int64
	CPUShares       int64
	PidsLimit       int64
	NetworkDisabled bool
}

// ContainerSpec describes an isolated environment to provision.
type ContainerSpec struct {
	Image      string
	Cmd        []string
	WorkingDir string
	Limits     ResourceLimits
}

// ExecOptions describes a command to run inside a provisioned environment.
// Stdout and stderr are always attached.
type ExecOptions struct {
	Cmd         []string
	WorkingDir  string
	AttachStdin bool
}

// ExecStream is the bidirectional byte stream of a running exec.
// Reads return the runtime's multiplexed stdout/stderr framing.
type ExecStream interface {
	io.ReadWriteCloser

	// CloseWrite half-closes the input side so the process sees EOF on stdin.
	CloseWrite() error
}

// ContainerRuntime defines the control API of the isolation runtime.
// Implementations must be safe for concurrent use by many sessions.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	CopyToContainer(ctx context.Context, id, dir string, archive io.Reader) error
	Exec(ctx context.Context, id string, opts ExecOptions) (ExecStream, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// ExecutionRequest is one submission: language, source and optional pre-supplied stdin.
type ExecutionRequest struct {
	ID       string
	Language string
	Source   string
	Input    []byte
}

// InputSource is the read side of an input relay.
// Chunks delivers caller input in order; Closed is closed once no more input will arrive.
type InputSource interface {
	Chunks() <-chan []byte
	Closed() <-chan struct{}
}

// RunResult is the accumulated outcome of a non-streaming run.
type RunResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether any error event was produced.
func (r RunResult) Failed() bool {
	return r.Error != ""
}

// Executor runs submissions in isolated environments.
type Executor interface {
	// Execute starts a session and returns its event stream.
	// The channel is closed right after the complete event; callers must drain it.
	Execute(ctx context.Context, req ExecutionRequest, input InputSource) <-chan Event

	// Run executes with no interactive input and returns the accumulated output.
	Run(ctx context.Context, req ExecutionRequest) RunResult

	// Languages lists the registered language identifiers.
	Languages() []string
}

// Job represents a queued submission.
type Job struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobEvent is a session event tagged with the job it belongs to.
type JobEvent struct {
	JobID string    `json:"job_id"`
	Type  EventKind `json:"type"`
	Data  string    `json:"data,omitempty"`
}
