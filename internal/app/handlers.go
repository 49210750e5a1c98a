package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/queue"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/router"
)

// Dispatcher routes queue tasks to per-type handlers.
type Dispatcher struct {
	handlers map[string]queue.Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]queue.Handler)}
}

// Register binds a handler to a task type, replacing any previous binding.
func (d *Dispatcher) Register(taskType string, h queue.Handler) {
	d.handlers[taskType] = h
}

// Handle implements queue.Handler. An unknown task type is a permanent
// failure: retrying cannot fix it, so the task goes through the normal
// fail path until the DLQ absorbs it.
func (d *Dispatcher) Handle(ctx context.Context, task domain.Task) (any, error) {
	h, ok := d.handlers[task.Type]
	if !ok {
		return nil, fmt.Errorf("no handler for task type %q: %w", task.Type, domain.ErrValidation)
	}
	return h(ctx, task)
}

// ExecutePayload is the body of a strategy.execute task.
type ExecutePayload struct {
	StrategyID     string            `json:"strategy_id"`
	Code           string            `json:"code"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// RegisterBuiltins wires the control plane's own task types into the
// dispatcher: sandboxed strategy execution and routed AI calls.
func (c *Core) RegisterBuiltins(d *Dispatcher) {
	d.Register("strategy.execute", c.handleExecute)
	d.Register("ai.route", c.handleRoute)
}

// handleExecute runs untrusted strategy code in the sandbox. Failures are
// reported to the isolation manager so repeated crashes trip the strategy's
// breaker.
func (c *Core) handleExecute(ctx context.Context, task domain.Task) (any, error) {
	if c.Runner == nil {
		return nil, fmt.Errorf("sandbox execution disabled: %w", domain.ErrFatal)
	}
	var p ExecutePayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode execute payload: %w", domain.ErrValidation)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("execute payload has no code: %w", domain.ErrValidation)
	}

	timeout := c.Cfg.SandboxTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	result := c.Runner.Execute(ctx, p.Code, timeout, p.Env)

	if p.StrategyID != "" {
		usage := result.ResourceUsage
		_ = c.Isolation.UpdateResourceUsage(p.StrategyID, usage.PeakMemoryMB, usage.AvgCPUPercent)
		if !result.Success {
			_ = c.Isolation.RecordError(p.StrategyID, fmt.Errorf("sandbox exit %d: %s", result.ExitCode, result.Error))
		}
	}
	if !result.Success {
		// Return the result so the failure detail lands in the DLQ entry.
		return result, fmt.Errorf("strategy execution failed: %s: %w", result.Error, domain.ErrTransient)
	}
	return result, nil
}

// handleRoute forwards a routed AI request through the reliability router.
func (c *Core) handleRoute(ctx context.Context, task domain.Task) (any, error) {
	var req router.Request
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode route payload: %w", domain.ErrValidation)
	}
	resp, err := c.Router.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
