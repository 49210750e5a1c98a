// Package dockerbox implements the SandboxBackend port on the Docker Engine
// API. Containers run with no network, a read-only rootfs, all capabilities
// dropped, and hard memory/CPU limits, so untrusted code cannot reach the
// host or the exchange.
package dockerbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// nobody:nogroup. The image never runs as root even if it defaults to it.
const sandboxUser = "65534:65534"

// Backend talks to a local Docker daemon.
type Backend struct {
	cli *client.Client
}

var _ domain.SandboxBackend = (*Backend)(nil)

// New negotiates an API version with the daemon from the environment
// (DOCKER_HOST et al.).
func New() (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Backend{cli: cli}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(cli *client.Client) *Backend { return &Backend{cli: cli} }

func (b *Backend) Create(ctx context.Context, spec domain.SandboxSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Mounts:         mounts,
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemorySwapBytes,
			CPUPeriod:  spec.Limits.CPUPeriodMicros,
			CPUQuota:   spec.Limits.CPUQuotaMicros,
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
		User:  sandboxUser,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (b *Backend) Start(ctx context.Context, handle string) error {
	if err := b.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Wait blocks until the container exits or the timeout elapses. A timeout is
// reported as ErrTimeout; the caller is expected to remove the container with
// force afterwards.
func (b *Backend) Wait(ctx context.Context, handle string, timeout time.Duration) (int, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	statusCh, errCh := b.cli.ContainerWait(waitCtx, handle, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return -1, fmt.Errorf("container wait after %s: %w", timeout, domain.ErrTimeout)
		}
		return -1, fmt.Errorf("container wait: %w", err)
	}
}

func (b *Backend) Logs(ctx context.Context, handle string) (string, string, error) {
	rc, err := b.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (b *Backend) Stats(ctx context.Context, handle string) (domain.SandboxUsage, error) {
	resp, err := b.cli.ContainerStats(ctx, handle, false)
	if err != nil {
		return domain.SandboxUsage{}, fmt.Errorf("container stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.SandboxUsage{}, fmt.Errorf("decode stats: %w", err)
	}

	usage := domain.SandboxUsage{
		PeakMemoryMB: float64(stats.MemoryStats.MaxUsage) / (1024 * 1024),
	}
	if usage.PeakMemoryMB == 0 {
		usage.PeakMemoryMB = float64(stats.MemoryStats.Usage) / (1024 * 1024)
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		usage.AvgCPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return usage, nil
}

func (b *Backend) Remove(ctx context.Context, handle string, force bool) error {
	err := b.cli.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}
