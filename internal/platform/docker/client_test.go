package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/coderun/internal/domain"
)

func TestContainerConfig(t *testing.T) {
	spec := domain.ContainerSpec{
		Image:      "coderunner-python:latest",
		Cmd:        []string{"/bin/sh"},
		WorkingDir: "/app",
		Limits: domain.ResourceLimits{
			MemoryBytes:     128 * 1024 * 1024,
			CPUShares:       512,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
	}

	cfg, hostCfg := containerConfig(spec)

	assert.Equal(t, "coderunner-python:latest", cfg.Image)
	assert.Equal(t, []string{"/bin/sh"}, []string(cfg.Cmd))
	assert.Equal(t, "/app", cfg.WorkingDir)
	assert.False(t, cfg.Tty)
	assert.True(t, cfg.OpenStdin)
	assert.False(t, cfg.StdinOnce)
	assert.True(t, cfg.AttachStdin)
	assert.True(t, cfg.NetworkDisabled)

	assert.Equal(t, int64(128*1024*1024), hostCfg.Memory)
	assert.Equal(t, hostCfg.Memory, hostCfg.MemorySwap, "swap must equal the memory ceiling")
	assert.Equal(t, int64(512), hostCfg.CPUShares)
	require.NotNil(t, hostCfg.PidsLimit)
	assert.Equal(t, int64(50), *hostCfg.PidsLimit)
	assert.Equal(t, container.NetworkMode("none"), hostCfg.NetworkMode)
}

func TestContainerConfigNetworkEnabled(t *testing.T) {
	_, hostCfg := containerConfig(domain.ContainerSpec{Image: "img"})
	assert.Empty(t, string(hostCfg.NetworkMode))
}
