// Package isolation keeps tenant strategies inside per-context resource
// quotas with circuit breakers and cooldowns. One manager serves many
// contexts; all mutation is serialized by the manager lock.
package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Config tunes one manager.
type Config struct {
	DefaultLevel       domain.IsolationLevel
	DefaultQuota       domain.ResourceQuota
	MonitoringInterval time.Duration
	BreakerCooldown    time.Duration
	ErrorsToTrip       int
}

// StateChangeHandler observes FSM transitions of any context.
type StateChangeHandler func(strategyID string, from, to domain.StrategyState)

// BreakerHandler observes circuit breaker trips.
type BreakerHandler func(strategyID, reason string)

// Manager owns the registered strategy contexts.
type Manager struct {
	cfg      Config
	clock    domain.Clock
	logger   *slog.Logger
	notifier domain.Notifier
	audit    domain.AuditRecorder

	mu              sync.Mutex
	contexts        map[string]*domain.StrategyContext
	stateHandlers   []StateChangeHandler
	breakerHandlers []BreakerHandler
}

func NewManager(cfg Config, clock domain.Clock, notifier domain.Notifier, audit domain.AuditRecorder, logger *slog.Logger) *Manager {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 5 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 300 * time.Second
	}
	if cfg.ErrorsToTrip <= 0 {
		cfg.ErrorsToTrip = 5
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = domain.IsolationSoft
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		notifier: notifier,
		audit:    audit,
		contexts: make(map[string]*domain.StrategyContext),
	}
}

// OnStateChange registers a transition observer. Handlers run outside the
// manager lock and must not call back into the manager synchronously.
func (m *Manager) OnStateChange(h StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers = append(m.stateHandlers, h)
}

// OnBreakerTrip registers a breaker observer.
func (m *Manager) OnBreakerTrip(h BreakerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerHandlers = append(m.breakerHandlers, h)
}

// Register creates (or returns the existing) context for id. A nil quota or
// empty level falls back to the manager defaults. Idempotent on id.
func (m *Manager) Register(name, id string, quota *domain.ResourceQuota, level domain.IsolationLevel) domain.StrategyContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := m.contexts[id]; ok {
		return *existing
	}

	q := m.cfg.DefaultQuota
	if quota != nil {
		q = *quota
	}
	if level == "" {
		level = m.cfg.DefaultLevel
	}
	sc := &domain.StrategyContext{
		StrategyID:     id,
		StrategyName:   name,
		IsolationLevel: level,
		State:          domain.StrategyIdle,
		Quota:          q,
		CreatedAt:      m.clock.Now().UTC(),
	}
	m.contexts[id] = sc
	m.logger.Info("strategy registered",
		slog.String("strategy_id", id),
		slog.String("name", name),
		slog.String("level", string(level)))
	return *sc
}

// Unregister forces the context to STOPPED and releases tracking.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	from := sc.State
	sc.State = domain.StrategyStopped
	delete(m.contexts, id)
	handlers := m.stateHandlers
	m.mu.Unlock()

	m.fireStateChange(handlers, id, from, domain.StrategyStopped)
	return true
}

// Start moves the context to RUNNING. It refuses while the breaker cooldown
// is still in effect; on entry a previously tripped breaker is cleared.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	now := m.clock.Now()
	if sc.CooldownUntil.After(now) {
		until := sc.CooldownUntil
		m.mu.Unlock()
		return fmt.Errorf("strategy %s cooling down until %s: %w", id, until.Format(time.RFC3339), domain.ErrCircuitOpen)
	}
	sc.BreakerTripped = false
	sc.BreakerReason = ""
	sc.BreakerTrippedAt = time.Time{}
	sc.CooldownUntil = time.Time{}
	from := sc.State
	sc.State = domain.StrategyRunning
	handlers := m.stateHandlers
	m.mu.Unlock()

	m.fireStateChange(handlers, id, from, domain.StrategyRunning)
	return nil
}

// Stop transitions to STOPPED.
func (m *Manager) Stop(id, reason string) error {
	return m.setState(id, domain.StrategyStopped, reason)
}

// Pause transitions to PAUSED.
func (m *Manager) Pause(id, reason string) error {
	return m.setState(id, domain.StrategyPaused, reason)
}

func (m *Manager) setState(id string, next domain.StrategyState, reason string) error {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	from := sc.State
	sc.State = next
	handlers := m.stateHandlers
	m.mu.Unlock()

	m.logger.Info("strategy state changed",
		slog.String("strategy_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(next)),
		slog.String("reason", reason))
	m.fireStateChange(handlers, id, from, next)
	return nil
}

// CheckQuota reports whether a trade of tradeSize would stay within quota.
// The empty reason means allowed.
func (m *Manager) CheckQuota(id string, tradeSize float64) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[id]
	if !ok {
		return false, "", fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	reason := quotaRefusal(sc, tradeSize)
	return reason == "", reason, nil
}

// quotaRefusal returns the first violated ceiling, or "".
// Daily loss exactly at the limit is still allowed; only a strictly worse
// PnL refuses.
func quotaRefusal(sc *domain.StrategyContext, tradeSize float64) string {
	q, u := sc.Quota, sc.Usage
	switch {
	case q.MaxDailyTrades > 0 && u.DailyTradeCount >= q.MaxDailyTrades:
		return fmt.Sprintf("daily trade limit reached (%d/%d)", u.DailyTradeCount, q.MaxDailyTrades)
	case q.MaxDailyLoss > 0 && u.DailyPnL < -q.MaxDailyLoss:
		return fmt.Sprintf("daily loss limit exceeded (%.2f, limit %.2f)", u.DailyPnL, q.MaxDailyLoss)
	case q.MaxDrawdownPercent > 0 && u.CurrentDrawdownPercent >= q.MaxDrawdownPercent:
		return fmt.Sprintf("drawdown limit reached (%.2f%%, limit %.2f%%)", u.CurrentDrawdownPercent, q.MaxDrawdownPercent)
	case q.MaxConcurrentTrades > 0 && u.OpenTrades >= q.MaxConcurrentTrades:
		return fmt.Sprintf("concurrent trade limit reached (%d/%d)", u.OpenTrades, q.MaxConcurrentTrades)
	case q.MaxPositionSize > 0 && u.CurrentPosition+tradeSize > q.MaxPositionSize:
		return fmt.Sprintf("position limit exceeded (%.2f + %.2f > %.2f)", u.CurrentPosition, tradeSize, q.MaxPositionSize)
	case q.APIRateLimitPerMinute > 0 && u.APICallsLastMinute >= q.APIRateLimitPerMinute:
		return fmt.Sprintf("api rate limit reached (%d/min)", q.APIRateLimitPerMinute)
	}
	return ""
}

// RecordError bumps the context error counter; reaching the threshold trips
// the breaker.
func (m *Manager) RecordError(id string, errIn error) error {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	sc.ErrorCount++
	sc.LastError = errIn.Error()
	trip := sc.ErrorCount >= m.cfg.ErrorsToTrip && !sc.BreakerTripped
	var fire func()
	if trip {
		fire = m.tripBreakerLocked(sc, "Too many errors")
	}
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
	return nil
}

// UpdateResourceUsage records sampled memory/CPU. Negative values leave the
// previous sample in place. A memory sample over quota trips the breaker.
func (m *Manager) UpdateResourceUsage(id string, memoryMB, cpuPercent float64) error {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	if memoryMB >= 0 {
		sc.Usage.MemoryMB = memoryMB
	}
	if cpuPercent >= 0 {
		sc.Usage.CPUPercent = cpuPercent
	}
	sc.Usage.LastUpdated = m.clock.Now().UTC()
	var fire func()
	if sc.Quota.MaxMemoryMB > 0 && sc.Usage.MemoryMB > sc.Quota.MaxMemoryMB && !sc.BreakerTripped {
		fire = m.tripBreakerLocked(sc, fmt.Sprintf("memory %.1fMB over quota %.1fMB", sc.Usage.MemoryMB, sc.Quota.MaxMemoryMB))
	}
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
	return nil
}

// ResetDailyCounters zeroes the daily counters of every context. Idempotent.
func (m *Manager) ResetDailyCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.contexts {
		sc.Usage.DailyTradeCount = 0
		sc.Usage.DailyPnL = 0
		sc.ErrorCount = 0
		sc.LastError = ""
	}
}

// Snapshot returns a copy of one context.
func (m *Manager) Snapshot(id string) (domain.StrategyContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[id]
	if !ok {
		return domain.StrategyContext{}, false
	}
	return *sc, true
}

// StrategyIDs lists the registered contexts.
func (m *Manager) StrategyIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		out = append(out, id)
	}
	return out
}

// tripBreakerLocked flips the breaker under the caller-held lock and returns
// the side effects (handlers, notification, audit) to run after unlock.
func (m *Manager) tripBreakerLocked(sc *domain.StrategyContext, reason string) func() {
	now := m.clock.Now()
	from := sc.State
	sc.BreakerTripped = true
	sc.BreakerReason = reason
	sc.BreakerTrippedAt = now
	sc.CooldownUntil = now.Add(m.cfg.BreakerCooldown)
	sc.State = domain.StrategyCooldown

	id := sc.StrategyID
	stateHandlers := m.stateHandlers
	breakerHandlers := m.breakerHandlers
	observability.BreakerTripsTotal.WithLabelValues(id).Inc()

	return func() {
		m.logger.Warn("circuit breaker tripped",
			slog.String("strategy_id", id),
			slog.String("reason", reason))
		if m.audit != nil {
			m.audit.Record(domain.AuditLogEntry{
				Action:    domain.AuditBreakerTrip,
				SubjectID: id,
				Success:   true,
				Details:   map[string]any{"reason": reason},
			})
		}
		if m.notifier != nil {
			_ = m.notifier.Send(context.Background(), domain.NotifyCritical,
				"circuit breaker tripped", reason, "isolation",
				map[string]string{"strategy_id": id})
		}
		for _, h := range breakerHandlers {
			h(id, reason)
		}
		m.fireStateChange(stateHandlers, id, from, domain.StrategyCooldown)
	}
}

func (m *Manager) fireStateChange(handlers []StateChangeHandler, id string, from, to domain.StrategyState) {
	for _, h := range handlers {
		h(id, from, to)
	}
}

// RunMonitor is the supervised background loop. Every tick it decays the
// per-minute API call window by one and moves contexts whose cooldown has
// elapsed back to IDLE. Stop is cooperative via ctx.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	type change struct {
		id   string
		from domain.StrategyState
	}
	var changes []change

	m.mu.Lock()
	now := m.clock.Now()
	for _, sc := range m.contexts {
		if sc.Usage.APICallsLastMinute > 0 {
			sc.Usage.APICallsLastMinute--
		}
		if sc.State == domain.StrategyCooldown && !sc.CooldownUntil.After(now) {
			changes = append(changes, change{id: sc.StrategyID, from: sc.State})
			sc.State = domain.StrategyIdle
			sc.BreakerTripped = false
			sc.BreakerReason = ""
			sc.BreakerTrippedAt = time.Time{}
			sc.CooldownUntil = time.Time{}
		}
	}
	handlers := m.stateHandlers
	m.mu.Unlock()

	for _, c := range changes {
		m.logger.Info("cooldown elapsed, strategy idle", slog.String("strategy_id", c.id))
		m.fireStateChange(handlers, c.id, c.from, domain.StrategyIdle)
	}
}
