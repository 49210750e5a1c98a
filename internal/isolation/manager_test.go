package isolation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/isolation"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/security"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func defaultQuota() domain.ResourceQuota {
	return domain.ResourceQuota{
		MaxMemoryMB:           512,
		MaxCPUPercent:         50,
		MaxConcurrentTrades:   5,
		MaxPositionSize:       100_000,
		MaxDailyTrades:        100,
		MaxDailyLoss:          1000,
		MaxDrawdownPercent:    20,
		APIRateLimitPerMinute: 60,
	}
}

func newManager(cooldown time.Duration) *isolation.Manager {
	return isolation.NewManager(isolation.Config{
		DefaultLevel:       domain.IsolationSoft,
		DefaultQuota:       defaultQuota(),
		MonitoringInterval: 10 * time.Millisecond,
		BreakerCooldown:    cooldown,
		ErrorsToTrip:       5,
	}, nil, nil, security.NewAuditLog(100), discard())
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)

	a := m.Register("alpha", "s1", nil, "")
	assert.Equal(t, "s1", a.StrategyID)
	assert.Equal(t, domain.StrategyIdle, a.State)
	assert.Equal(t, domain.IsolationSoft, a.IsolationLevel)
	assert.Equal(t, defaultQuota(), a.Quota)

	b := m.Register("other-name", "s1", &domain.ResourceQuota{MaxDailyTrades: 1}, domain.IsolationHard)
	assert.Equal(t, "alpha", b.StrategyName)
	assert.Equal(t, defaultQuota(), b.Quota)

	// Generated IDs are unique.
	c := m.Register("gen", "", nil, "")
	assert.NotEmpty(t, c.StrategyID)
	assert.NotEqual(t, "s1", c.StrategyID)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("alpha", "s1", nil, "")

	var mu sync.Mutex
	var transitions [][2]domain.StrategyState
	m.OnStateChange(func(_ string, from, to domain.StrategyState) {
		mu.Lock()
		transitions = append(transitions, [2]domain.StrategyState{from, to})
		mu.Unlock()
	})

	require.NoError(t, m.Start("s1"))
	require.NoError(t, m.Pause("s1", "manual"))
	require.NoError(t, m.Stop("s1", "manual"))
	require.ErrorIs(t, m.Start("missing"), domain.ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][2]domain.StrategyState{
		{domain.StrategyIdle, domain.StrategyRunning},
		{domain.StrategyRunning, domain.StrategyPaused},
		{domain.StrategyPaused, domain.StrategyStopped},
	}, transitions)
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("alpha", "s1", nil, "")

	assert.True(t, m.Unregister("s1"))
	assert.False(t, m.Unregister("s1"))
	_, ok := m.Snapshot("s1")
	assert.False(t, ok)
}

func TestQuotaTripAndCooldown(t *testing.T) {
	t.Parallel()
	m := newManager(60 * time.Millisecond)
	quota := defaultQuota()
	quota.MaxConcurrentTrades = 1
	m.Register("x", "X", &quota, "")
	require.NoError(t, m.Start("X"))

	tripped := make(chan string, 1)
	m.OnBreakerTrip(func(_, reason string) { tripped <- reason })

	first, err := m.TradeContext("X", 10)
	require.NoError(t, err)

	// Second concurrent trade exceeds the quota and trips the breaker.
	_, err = m.TradeContext("X", 10)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	select {
	case reason := <-tripped:
		assert.Contains(t, reason, "concurrent")
	case <-time.After(time.Second):
		t.Fatal("breaker handler not fired")
	}

	// Start refuses while cooling down.
	require.ErrorIs(t, m.Start("X"), domain.ErrCircuitOpen)

	// Further trades are refused while cooling down.
	_, err = m.TradeContext("X", 10)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)

	first.Close()

	// Monitor loop returns the context to IDLE once cooldown elapses.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	require.Eventually(t, func() bool {
		sc, ok := m.Snapshot("X")
		return ok && sc.State == domain.StrategyIdle && !sc.BreakerTripped
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Start("X"))
}

func TestDailyLossBoundary(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	quota := defaultQuota()
	quota.MaxDailyLoss = 1000
	m.Register("x", "X", &quota, "")

	tr, err := m.TradeContext("X", 10)
	require.NoError(t, err)
	tr.RecordTrade(-1000)
	tr.Close()

	// Exactly at the limit: still allowed.
	allowed, reason, err := m.CheckQuota("X", 10)
	require.NoError(t, err)
	assert.True(t, allowed, reason)

	tr, err = m.TradeContext("X", 10)
	require.NoError(t, err)
	tr.RecordTrade(-0.01)
	tr.Close()

	// Strictly past the limit: refused.
	allowed, reason, err = m.CheckQuota("X", 10)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "daily loss")
}

func TestPositionLimitProjected(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	quota := defaultQuota()
	quota.MaxPositionSize = 100
	m.Register("x", "X", &quota, "")

	tr, err := m.TradeContext("X", 60)
	require.NoError(t, err)
	defer tr.Close()

	allowed, reason, err := m.CheckQuota("X", 50)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "position")

	allowed, _, err = m.CheckQuota("X", 40)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTradeAccounting(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("x", "X", nil, "")

	tr, err := m.TradeContext("X", 100)
	require.NoError(t, err)
	tr.RecordTrade(50)
	tr.Close()
	tr.Close() // idempotent

	sc, ok := m.Snapshot("X")
	require.True(t, ok)
	assert.Equal(t, 0, sc.Usage.OpenTrades)
	assert.Equal(t, 0.0, sc.Usage.CurrentPosition)
	assert.Equal(t, 1, sc.Usage.DailyTradeCount)
	assert.Equal(t, 50.0, sc.Usage.DailyPnL)
	assert.Equal(t, 50.0, sc.TotalPnL)
	assert.Equal(t, 50.0, sc.PeakEquity)
	assert.Equal(t, 0.0, sc.Usage.CurrentDrawdownPercent)
	assert.False(t, sc.LastTradeAt.IsZero())

	// A losing trade pulls equity off the peak.
	tr, err = m.TradeContext("X", 100)
	require.NoError(t, err)
	tr.RecordTrade(-25)
	tr.Close()

	sc, _ = m.Snapshot("X")
	assert.Equal(t, 25.0, sc.TotalPnL)
	assert.Equal(t, 50.0, sc.PeakEquity)
	assert.Equal(t, 50.0, sc.Usage.CurrentDrawdownPercent)
}

func TestConcurrentTradeContexts(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	quota := defaultQuota()
	quota.MaxConcurrentTrades = 0 // unlimited
	quota.APIRateLimitPerMinute = 0
	quota.MaxPositionSize = 0
	m.Register("x", "X", &quota, "")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := m.TradeContext("X", 10)
			if err != nil {
				return
			}
			tr.RecordTrade(1)
			tr.Close()
		}()
	}
	wg.Wait()

	sc, _ := m.Snapshot("X")
	assert.Equal(t, 0, sc.Usage.OpenTrades)
	assert.Equal(t, 0.0, sc.Usage.CurrentPosition)
	assert.Equal(t, 50, sc.TradeCountTotal)
}

func TestRecordErrorTripsBreaker(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("x", "X", nil, "")

	for range 4 {
		require.NoError(t, m.RecordError("X", errors.New("ws disconnect")))
	}
	sc, _ := m.Snapshot("X")
	assert.False(t, sc.BreakerTripped)

	require.NoError(t, m.RecordError("X", errors.New("ws disconnect")))
	sc, _ = m.Snapshot("X")
	assert.True(t, sc.BreakerTripped)
	assert.Equal(t, "Too many errors", sc.BreakerReason)
	assert.Equal(t, domain.StrategyCooldown, sc.State)
}

func TestMemoryOverQuotaTripsBreaker(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("x", "X", nil, "")

	require.NoError(t, m.UpdateResourceUsage("X", 100, 10))
	sc, _ := m.Snapshot("X")
	assert.False(t, sc.BreakerTripped)
	assert.Equal(t, 100.0, sc.Usage.MemoryMB)

	// Negative means "no sample".
	require.NoError(t, m.UpdateResourceUsage("X", -1, 20))
	sc, _ = m.Snapshot("X")
	assert.Equal(t, 100.0, sc.Usage.MemoryMB)
	assert.Equal(t, 20.0, sc.Usage.CPUPercent)

	require.NoError(t, m.UpdateResourceUsage("X", 600, -1))
	sc, _ = m.Snapshot("X")
	assert.True(t, sc.BreakerTripped)
	assert.Contains(t, sc.BreakerReason, "memory")
}

func TestResetDailyCountersIdempotent(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	m.Register("x", "X", nil, "")

	tr, err := m.TradeContext("X", 10)
	require.NoError(t, err)
	tr.RecordTrade(-5)
	tr.Close()
	require.NoError(t, m.RecordError("X", errors.New("x")))

	m.ResetDailyCounters()
	m.ResetDailyCounters()

	sc, _ := m.Snapshot("X")
	assert.Equal(t, 0, sc.Usage.DailyTradeCount)
	assert.Equal(t, 0.0, sc.Usage.DailyPnL)
	assert.Equal(t, 0, sc.ErrorCount)
	assert.Empty(t, sc.LastError)
	// Lifetime counters survive.
	assert.Equal(t, 1, sc.TradeCountTotal)
}

func TestAPIRateDecay(t *testing.T) {
	t.Parallel()
	m := newManager(time.Minute)
	quota := defaultQuota()
	quota.APIRateLimitPerMinute = 2
	m.Register("x", "X", &quota, "")

	tr1, err := m.TradeContext("X", 1)
	require.NoError(t, err)
	tr1.Close()
	tr2, err := m.TradeContext("X", 1)
	require.NoError(t, err)
	tr2.Close()

	// Window full: refused.
	allowed, reason, err := m.CheckQuota("X", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "api rate")

	// The monitor decays the window by one per tick.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunMonitor(ctx)

	require.Eventually(t, func() bool {
		ok, _, err := m.CheckQuota("X", 1)
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
}
