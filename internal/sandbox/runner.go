package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

const cpuPeriodMicros = 100_000

// RunnerConfig tunes one Runner. CPUCores is a fraction of one core enforced
// as a quota over a 100ms window.
type RunnerConfig struct {
	Image        string
	Timeout      time.Duration
	MemoryMB     int64
	CPUCores     float64
	ValidateCode bool
	MaxRiskScore int
	// WorkDir is the base for per-execution scratch directories. Empty means
	// the system temp dir.
	WorkDir string
}

// Runner executes untrusted code through a SandboxBackend. Every execution
// gets a fresh scratch directory and a fresh container; both are destroyed
// unconditionally, including on failure paths.
type Runner struct {
	backend   domain.SandboxBackend
	validator *Validator
	cfg       RunnerConfig
	logger    *slog.Logger
}

// NewRunner validates the setup. A missing image is a configuration error
// here, never a per-call failure.
func NewRunner(backend domain.SandboxBackend, validator *Validator, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox image not configured: %w", domain.ErrFatal)
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 256
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Runner{backend: backend, validator: validator, cfg: cfg, logger: logger}, nil
}

// Execute validates and runs the given source. timeout <= 0 falls back to the
// configured default. The returned result always carries stdout/stderr and
// duration for runs that reached the container; rejected code never does.
func (r *Runner) Execute(ctx context.Context, source string, timeout time.Duration, env map[string]string) domain.SandboxExecutionResult {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	var result domain.SandboxExecutionResult

	if r.cfg.ValidateCode {
		verdict, err := r.validator.Validate(ctx, source)
		if err != nil {
			result.Error = fmt.Sprintf("validation: %v", err)
			observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
			return result
		}
		result.Validation = &verdict
		if !verdict.IsValid || verdict.RiskScore > r.cfg.MaxRiskScore {
			result.Error = fmt.Sprintf("code rejected: risk score %d (%s), %d violation(s)",
				verdict.RiskScore, verdict.RiskLevel, len(verdict.Violations))
			observability.SandboxExecutionsTotal.WithLabelValues("rejected").Inc()
			return result
		}
	}

	scratch, err := os.MkdirTemp(r.cfg.WorkDir, "sandbox-")
	if err != nil {
		result.Error = fmt.Sprintf("scratch dir: %v", err)
		observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
		return result
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.Warn("scratch dir cleanup failed", slog.String("dir", scratch), slog.Any("error", err))
		}
	}()

	if err := os.WriteFile(filepath.Join(scratch, "strategy.py"), []byte(source), 0o644); err != nil {
		result.Error = fmt.Sprintf("write source: %v", err)
		observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
		return result
	}
	outDir := filepath.Join(scratch, "output")
	if err := os.MkdirAll(outDir, 0o777); err != nil {
		result.Error = fmt.Sprintf("output dir: %v", err)
		observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
		return result
	}

	memBytes := r.cfg.MemoryMB * 1024 * 1024
	spec := domain.SandboxSpec{
		Image: r.cfg.Image,
		Cmd:   []string{"python", "/sandbox/strategy.py"},
		Env:   flattenEnv(env),
		Mounts: []domain.SandboxMount{
			{Source: scratch, Target: "/sandbox", ReadOnly: true},
			{Source: outDir, Target: "/sandbox/output", ReadOnly: false},
		},
		Limits: domain.SandboxLimits{
			MemoryBytes: memBytes,
			// Swap equals memory: the workload gets no swap headroom.
			MemorySwapBytes: memBytes,
			CPUPeriodMicros: cpuPeriodMicros,
			CPUQuotaMicros:  int64(r.cfg.CPUCores * cpuPeriodMicros),
			PidsLimit:       128,
		},
	}

	start := time.Now()
	handle, err := r.backend.Create(ctx, spec)
	if err != nil {
		result.Error = fmt.Sprintf("create sandbox: %v", err)
		observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
		return result
	}
	defer func() {
		// Teardown must survive a cancelled caller context.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.backend.Remove(rmCtx, handle, true); err != nil {
			r.logger.Error("sandbox remove failed", slog.String("handle", handle), slog.Any("error", err))
		}
	}()

	if err := r.backend.Start(ctx, handle); err != nil {
		result.Error = fmt.Sprintf("start sandbox: %v", err)
		observability.SandboxExecutionsTotal.WithLabelValues("error").Inc()
		return result
	}

	exitCode, waitErr := r.backend.Wait(ctx, handle, timeout)
	result.DurationMs = time.Since(start).Milliseconds()
	observability.SandboxDuration.Observe(time.Since(start).Seconds())

	timedOut := waitErr != nil && errorsIsTimeout(waitErr)
	if timedOut {
		result.ExitCode = -1
		result.Error = fmt.Sprintf("execution exceeded %s", timeout)
	} else if waitErr != nil {
		result.ExitCode = exitCode
		result.Error = waitErr.Error()
	} else {
		result.ExitCode = exitCode
	}

	if stdout, stderr, err := r.backend.Logs(ctx, handle); err != nil {
		r.logger.Warn("sandbox logs unavailable", slog.String("handle", handle), slog.Any("error", err))
	} else {
		result.Stdout = stdout
		result.Stderr = stderr
	}
	if usage, err := r.backend.Stats(ctx, handle); err == nil {
		result.ResourceUsage = usage
	}

	result.Success = waitErr == nil && exitCode == 0
	switch {
	case result.Success:
		observability.SandboxExecutionsTotal.WithLabelValues("completed").Inc()
	case timedOut:
		observability.SandboxExecutionsTotal.WithLabelValues("timeout").Inc()
	default:
		observability.SandboxExecutionsTotal.WithLabelValues("failed").Inc()
	}
	return result
}

func errorsIsTimeout(err error) bool {
	return errors.Is(err, domain.ErrTimeout)
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
