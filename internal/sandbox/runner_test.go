package sandbox_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/sandbox"
)

type fakeBackend struct {
	mu sync.Mutex

	createErr error
	startErr  error
	waitCode  int
	waitErr   error
	stdout    string
	stderr    string
	usage     domain.SandboxUsage

	created  int
	removed  []string
	lastSpec domain.SandboxSpec
}

func (f *fakeBackend) Create(_ context.Context, spec domain.SandboxSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	f.lastSpec = spec
	return fmt.Sprintf("c-%d", f.created), nil
}

func (f *fakeBackend) Start(context.Context, string) error { return f.startErr }

func (f *fakeBackend) Wait(context.Context, string, time.Duration) (int, error) {
	return f.waitCode, f.waitErr
}

func (f *fakeBackend) Logs(context.Context, string) (string, string, error) {
	return f.stdout, f.stderr, nil
}

func (f *fakeBackend) Stats(context.Context, string) (domain.SandboxUsage, error) {
	return f.usage, nil
}

func (f *fakeBackend) Remove(_ context.Context, handle string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, handle)
	return nil
}

func newRunner(t *testing.T, backend domain.SandboxBackend, validateCode bool) *sandbox.Runner {
	t.Helper()
	r, err := sandbox.NewRunner(backend, sandbox.NewValidator(), sandbox.RunnerConfig{
		Image:        "python:3.12-slim",
		Timeout:      5 * time.Second,
		MemoryMB:     128,
		CPUCores:     0.5,
		ValidateCode: validateCode,
		MaxRiskScore: 30,
		WorkDir:      t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

func TestRunnerRequiresImage(t *testing.T) {
	t.Parallel()
	_, err := sandbox.NewRunner(&fakeBackend{}, sandbox.NewValidator(), sandbox.RunnerConfig{}, slog.Default())
	require.ErrorIs(t, err, domain.ErrFatal)
}

func TestRunnerHappyPath(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		stdout: "signal: buy\n",
		usage:  domain.SandboxUsage{PeakMemoryMB: 42, AvgCPUPercent: 12.5},
	}
	r := newRunner(t, backend, true)

	res := r.Execute(context.Background(), "import math\nprint('signal: buy')\n", 0, map[string]string{"SYMBOL": "BTCUSDT"})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "signal: buy\n", res.Stdout)
	assert.Equal(t, 42.0, res.ResourceUsage.PeakMemoryMB)
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.IsValid)

	// Container is always destroyed.
	assert.Len(t, backend.removed, 1)

	// Spec honors the isolation contract.
	spec := backend.lastSpec
	assert.Equal(t, spec.Limits.MemoryBytes, spec.Limits.MemorySwapBytes)
	assert.Equal(t, int64(100_000), spec.Limits.CPUPeriodMicros)
	assert.Equal(t, int64(50_000), spec.Limits.CPUQuotaMicros)
	require.Len(t, spec.Mounts, 2)
	assert.True(t, spec.Mounts[0].ReadOnly)
	assert.False(t, spec.Mounts[1].ReadOnly)
	assert.Contains(t, spec.Env, "SYMBOL=BTCUSDT")
}

func TestRunnerRejectsRiskyCodeBeforeExecution(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	r := newRunner(t, backend, true)

	res := r.Execute(context.Background(), "import os\nos.system('rm -rf /')\n", 0, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "code rejected")
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.IsValid)

	// Validation failure never reaches the backend.
	assert.Equal(t, 0, backend.created)
}

func TestRunnerValidationDisabled(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	r := newRunner(t, backend, false)

	res := r.Execute(context.Background(), "import os\n", 0, nil)
	assert.True(t, res.Success)
	assert.Nil(t, res.Validation)
	assert.Equal(t, 1, backend.created)
}

func TestRunnerTimeout(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		waitCode: -1,
		waitErr:  fmt.Errorf("wait: %w", domain.ErrTimeout),
		stderr:   "killed",
	}
	r := newRunner(t, backend, false)

	res := r.Execute(context.Background(), "while True: pass\n", 100*time.Millisecond, nil)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Error, "exceeded")
	assert.Len(t, backend.removed, 1)
}

func TestRunnerNonZeroExit(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{waitCode: 2, stderr: "Traceback (most recent call last)"}
	r := newRunner(t, backend, false)

	res := r.Execute(context.Background(), "raise RuntimeError()\n", 0, nil)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Stderr, "Traceback")
	assert.Len(t, backend.removed, 1)
}

func TestRunnerRemovesOnStartFailure(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{startErr: fmt.Errorf("daemon unavailable")}
	r := newRunner(t, backend, false)

	res := r.Execute(context.Background(), "print('hi')\n", 0, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "start sandbox")
	assert.Len(t, backend.removed, 1)
}
