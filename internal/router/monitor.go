package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// PrimaryAutoStart revives the co-hosted primary service.
type PrimaryAutoStart interface {
	StartPrimary(ctx context.Context) error
}

// MonitorConfig tunes the self-healing loop.
type MonitorConfig struct {
	CheckInterval   time.Duration
	RestartCooldown time.Duration
	MaxRestarts     int
	FailuresToAct   int
}

// Monitor probes the primary periodically. Three consecutive failed probes
// trigger an auto-restart; restarts are rate-limited and capped per process
// lifetime, after which the monitor escalates by pinning the router to
// DIRECT and stops trying.
type Monitor struct {
	router   *Router
	starter  PrimaryAutoStart
	cfg      MonitorConfig
	clock    domain.Clock
	notifier domain.Notifier
	logger   *slog.Logger

	consecutiveFailures int
	restartAttempts     int
	lastRestart         time.Time
	escalated           bool
}

func NewMonitor(r *Router, starter PrimaryAutoStart, cfg MonitorConfig, clock domain.Clock, notifier domain.Notifier, logger *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 120 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.FailuresToAct <= 0 {
		cfg.FailuresToAct = 3
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Monitor{router: r, starter: starter, cfg: cfg, clock: clock, notifier: notifier, logger: logger}
}

// Run loops until ctx is cancelled. Every tick probes the primary; a healthy
// probe resets the failure count and nudges the router back to PRIMARY.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Tick runs one probe cycle. Exposed for callers that drive the schedule
// themselves.
func (m *Monitor) Tick(ctx context.Context) { m.tick(ctx) }

func (m *Monitor) tick(ctx context.Context) {
	if m.router.HealthOK(ctx) {
		m.consecutiveFailures = 0
		m.router.CheckHealthAndRecover(ctx)
		return
	}

	m.consecutiveFailures++
	m.logger.Warn("primary probe failed",
		slog.Int("consecutive_failures", m.consecutiveFailures))
	if m.consecutiveFailures < m.cfg.FailuresToAct || m.escalated {
		return
	}

	if m.restartAttempts >= m.cfg.MaxRestarts {
		m.escalate(ctx)
		return
	}
	if !m.lastRestart.IsZero() && m.clock.Since(m.lastRestart) < m.cfg.RestartCooldown {
		return
	}

	m.lastRestart = m.clock.Now()
	m.restartAttempts++
	observability.MonitorRestartsTotal.Inc()
	m.logger.Info("restarting primary",
		slog.Int("attempt", m.restartAttempts),
		slog.Int("max_attempts", m.cfg.MaxRestarts))
	if err := m.starter.StartPrimary(ctx); err != nil {
		m.logger.Error("primary restart failed", slog.Any("error", err))
	}
}

func (m *Monitor) escalate(ctx context.Context) {
	m.escalated = true
	m.router.ForceDirect()
	m.logger.Error("primary restart budget exhausted, pinned to direct mode")
	if m.notifier != nil {
		_ = m.notifier.Send(ctx, domain.NotifyCritical,
			"primary unrecoverable",
			"restart attempts exhausted; router pinned to direct upstreams",
			"monitor", nil)
	}
}
