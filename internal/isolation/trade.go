package isolation

import (
	"fmt"
	"strings"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Trade is a scoped quota acquisition for one trade. Callers must Close it
// on every exit path; Close is idempotent.
type Trade struct {
	m      *Manager
	id     string
	size   float64
	closed bool
}

// TradeContext re-checks quota and, when allowed, reserves one open trade
// slot, the position size, and one API call. A refusal trips the circuit
// breaker and returns ErrQuotaExceeded.
func (m *Manager) TradeContext(id string, tradeSize float64) (*Trade, error) {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	now := m.clock.Now()
	if sc.State == domain.StrategyCooldown || sc.CooldownUntil.After(now) {
		m.mu.Unlock()
		return nil, fmt.Errorf("strategy %s cooling down: %w", id, domain.ErrCircuitOpen)
	}
	if reason := quotaRefusal(sc, tradeSize); reason != "" {
		var fire func()
		if !sc.BreakerTripped {
			fire = m.tripBreakerLocked(sc, reason)
		}
		observability.QuotaRefusalsTotal.WithLabelValues(refusalReasonLabel(reason)).Inc()
		m.mu.Unlock()
		if m.audit != nil {
			m.audit.Record(domain.AuditLogEntry{
				Action:       domain.AuditQuotaRefusal,
				SubjectID:    id,
				Success:      false,
				ErrorMessage: reason,
			})
		}
		if fire != nil {
			fire()
		}
		return nil, fmt.Errorf("strategy %s: %s: %w", id, reason, domain.ErrQuotaExceeded)
	}

	sc.Usage.OpenTrades++
	sc.Usage.CurrentPosition += tradeSize
	sc.Usage.APICallsLastMinute++
	sc.Usage.LastUpdated = now.UTC()
	m.mu.Unlock()

	return &Trade{m: m, id: id, size: tradeSize}, nil
}

// RecordTrade books the realized PnL of the trade onto the context and
// recomputes peak equity and drawdown.
func (t *Trade) RecordTrade(pnl float64) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	sc, ok := t.m.contexts[t.id]
	if !ok {
		return
	}
	now := t.m.clock.Now().UTC()
	sc.Usage.DailyTradeCount++
	sc.Usage.DailyPnL += pnl
	sc.TradeCountTotal++
	sc.TotalPnL += pnl
	sc.LastTradeAt = now
	if sc.TotalPnL > sc.PeakEquity {
		sc.PeakEquity = sc.TotalPnL
	}
	if sc.PeakEquity > 0 {
		dd := 100 * (sc.PeakEquity - sc.TotalPnL) / sc.PeakEquity
		if dd < 0 {
			dd = 0
		}
		sc.Usage.CurrentDrawdownPercent = dd
	}
	sc.Usage.LastUpdated = now
}

// Close releases the reservation taken by TradeContext. Safe to call more
// than once.
func (t *Trade) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	sc, ok := t.m.contexts[t.id]
	if !ok {
		return
	}
	sc.Usage.OpenTrades--
	if sc.Usage.OpenTrades < 0 {
		sc.Usage.OpenTrades = 0
	}
	sc.Usage.CurrentPosition -= t.size
	if sc.Usage.CurrentPosition < 0 {
		sc.Usage.CurrentPosition = 0
	}
	sc.Usage.LastUpdated = t.m.clock.Now().UTC()
}

func refusalReasonLabel(reason string) string {
	switch {
	case strings.Contains(reason, "daily trade"):
		return "daily_trades"
	case strings.Contains(reason, "daily loss"):
		return "daily_loss"
	case strings.Contains(reason, "drawdown"):
		return "drawdown"
	case strings.Contains(reason, "concurrent"):
		return "concurrent_trades"
	case strings.Contains(reason, "position"):
		return "position_size"
	case strings.Contains(reason, "api rate"):
		return "api_rate"
	default:
		return "other"
	}
}
