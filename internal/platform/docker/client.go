// Package docker drives the Docker Engine API as the isolation runtime.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// Client wraps the official Docker SDK client.
// The SDK client is safe for concurrent use, so one Client serves every session.
type Client struct {
	cli    *client.Client
	logger *zap.Logger
}

// Check if Client implements domain.ContainerRuntime
var _ domain.ContainerRuntime = (*Client)(nil)

// NewClient initializes a Docker client from the environment (DOCKER_HOST etc.)
// and pings the daemon so an unreachable daemon fails start-up.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	logger.Info("docker client initialized", zap.String("api_version", cli.ClientVersion()))
	return &Client{cli: cli, logger: logger}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// EnsureImages pulls every image so the first session of a language does not pay for it.
func (c *Client) EnsureImages(ctx context.Context, images []string) error {
	for _, ref := range images {
		c.logger.Info("pulling image", zap.String("image", ref))
		reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image %s: %w", ref, err)
		}
		// Drain the response body to ensure the pull completes properly.
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("pull image %s: %w", ref, err)
		}
	}
	return nil
}

// containerConfig translates a spec into engine create parameters.
// The container idles on spec.Cmd with stdin held open so later execs can attach.
func containerConfig(spec domain.ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		OpenStdin:       true,
		StdinOnce:       false,
		NetworkDisabled: spec.Limits.NetworkDisabled,
	}

	pids := spec.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes, // no swap beyond the memory ceiling
			CPUShares:  spec.Limits.CPUShares,
			PidsLimit:  &pids,
		},
	}
	if spec.Limits.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg
}

// CreateContainer creates (but does not start) an isolated environment.
func (c *Client) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfig(spec)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

// StartContainer starts a created environment.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// CopyToContainer extracts a tar archive into dir inside the environment.
func (c *Client) CopyToContainer(ctx context.Context, id, dir string, archive io.Reader) error {
	if err := c.cli.CopyToContainer(ctx, id, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// Exec creates and attaches to a command inside the environment.
func (c *Client) Exec(ctx context.Context, id string, opts domain.ExecOptions) (domain.ExecStream, error) {
	created, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		AttachStdin:  opts.AttachStdin,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	hj, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	return &hijackedStream{resp: hj}, nil
}

// StopContainer stops the environment immediately, with no grace period.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	timeout := 0
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes the environment, killing it if it is still running.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// hijackedStream adapts the raw hijacked connection of an exec attach.
type hijackedStream struct {
	resp types.HijackedResponse
	once sync.Once
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) CloseWrite() error {
	return s.resp.CloseWrite()
}

// Close is idempotent; a timed-out session closes the stream before its reader returns.
func (s *hijackedStream) Close() error {
	s.once.Do(s.resp.Close)
	return nil
}
