// Package saga runs ordered multi-step workflows with reverse-order
// compensation and durable checkpoints in a KV store. Callables never leave
// the process; a checkpoint stores step names and status only, and restore
// re-binds handlers from the in-process step list.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

const backoffCap = 30 * time.Second

// Action executes one step against the shared saga context and returns a
// result map that is merged back into it.
type Action func(ctx context.Context, sagaCtx map[string]any) (map[string]any, error)

// Compensation undoes one previously completed step, given the result that
// step produced.
type Compensation func(ctx context.Context, result map[string]any) error

// Step declares one stage of a saga. Compensation may be nil for steps with
// no undo.
type Step struct {
	Name         string
	Action       Action
	Compensation Compensation
	Timeout      time.Duration
	MaxRetries   int
}

// Config tunes one orchestrator.
type Config struct {
	CheckpointPrefix string
	CheckpointTTL    time.Duration
	DefaultTimeout   time.Duration
}

// Result is the outcome of one Execute call.
type Result struct {
	SagaID         string                  `json:"saga_id"`
	Status         domain.SagaState        `json:"status"`
	Steps          []domain.StepCheckpoint `json:"steps"`
	CompletedCount int                     `json:"completed_count"`
	Error          string                  `json:"error,omitempty"`
}

type completedStep struct {
	step   Step
	record domain.StepCheckpoint
}

// Orchestrator drives one saga identified by sagaID. It is not safe for
// concurrent Execute calls; each saga run owns its orchestrator.
type Orchestrator struct {
	sagaID string
	steps  []Step
	kv     domain.KVStore
	cfg    Config
	clock  domain.Clock
	logger *slog.Logger

	state       domain.SagaState
	currentStep int
	completed   []completedStep
	sagaCtx     map[string]any
	createdAt   time.Time
}

func New(sagaID string, steps []Step, kv domain.KVStore, cfg Config, clock domain.Clock, logger *slog.Logger) (*Orchestrator, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga id required: %w", domain.ErrValidation)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %s has no steps: %w", sagaID, domain.ErrValidation)
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.Name == "" || s.Action == nil {
			return nil, fmt.Errorf("saga %s: every step needs a name and an action: %w", sagaID, domain.ErrValidation)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("saga %s: duplicate step %q: %w", sagaID, s.Name, domain.ErrValidation)
		}
		seen[s.Name] = struct{}{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = 24 * time.Hour
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Orchestrator{
		sagaID:  sagaID,
		steps:   steps,
		kv:      kv,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With(slog.String("saga_id", sagaID)),
		state:   domain.SagaIdle,
		sagaCtx: make(map[string]any),
	}, nil
}

// State reports the current FSM state.
func (o *Orchestrator) State() domain.SagaState { return o.state }

// Context returns the merged saga context.
func (o *Orchestrator) Context() map[string]any { return o.sagaCtx }

// CompletedCount reports how many steps have completed successfully.
func (o *Orchestrator) CompletedCount() int { return len(o.completed) }

// Execute runs the steps in declared order. On a step exhausting its retries
// the orchestrator compensates every completed step in reverse order and
// finishes FAILED. A checkpoint is written after every step outcome and
// every state transition.
func (o *Orchestrator) Execute(ctx context.Context, initial map[string]any) Result {
	if o.createdAt.IsZero() {
		o.createdAt = o.clock.Now().UTC()
	}
	for k, v := range initial {
		o.sagaCtx[k] = v
	}

	o.transition(ctx, domain.SagaRunning)

	// Resume after the last completed step; their side effects are trusted
	// to have happened and are not replayed.
	for i := len(o.completed); i < len(o.steps); i++ {
		o.currentStep = i
		step := o.steps[i]
		record, err := o.runStep(ctx, step)
		if err != nil {
			record.Status = domain.StepFailed
			record.Error = err.Error()
			o.logger.Error("step failed, compensating",
				slog.String("step", step.Name),
				slog.Any("error", err))
			o.checkpoint(ctx, &record)
			o.compensate(ctx)
			o.transition(ctx, domain.SagaFailed)
			observability.SagasTotal.WithLabelValues(string(domain.SagaFailed)).Inc()
			return o.result(fmt.Sprintf("failure at %s: %v", step.Name, err))
		}
		o.completed = append(o.completed, completedStep{step: step, record: record})
		o.checkpoint(ctx, nil)
	}

	o.transition(ctx, domain.SagaCompleted)
	observability.SagasTotal.WithLabelValues(string(domain.SagaCompleted)).Inc()
	return o.result("")
}

func (o *Orchestrator) runStep(ctx context.Context, step Step) (domain.StepCheckpoint, error) {
	ctx, span := otel.Tracer("saga").Start(ctx, "saga.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", o.sagaID),
		attribute.String("saga.step", step.Name),
	)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	record := domain.StepCheckpoint{
		Name:       step.Name,
		Status:     domain.StepExecuting,
		TimeoutSec: int(timeout.Seconds()),
		MaxRetries: step.MaxRetries,
		StartedAt:  o.clock.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		record.RetryCount = attempt
		start := o.clock.Now()
		result, err := o.runAction(ctx, step.Action, timeout)
		observability.SagaStepDuration.WithLabelValues(step.Name).Observe(o.clock.Since(start).Seconds())
		if err == nil {
			for k, v := range result {
				o.sagaCtx[k] = v
			}
			record.Status = domain.StepCompleted
			record.Result = result
			record.FinishedAt = o.clock.Now().UTC()
			return record, nil
		}
		lastErr = err
		o.logger.Warn("step attempt failed",
			slog.String("step", step.Name),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < step.MaxRetries {
			o.clock.Sleep(ctx, backoffDelay(attempt))
		}
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%s: %w", step.Name, ctx.Err())
			break
		}
	}
	record.FinishedAt = o.clock.Now().UTC()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return record, fmt.Errorf("step %s exhausted %d retries: %w", step.Name, step.MaxRetries, lastErr)
}

func (o *Orchestrator) runAction(ctx context.Context, action Action, timeout time.Duration) (map[string]any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A timed-out action is abandoned, not killed; hand it a snapshot so a
	// straggler never reads the live context map while a retry merges into
	// it.
	snapshot := make(map[string]any, len(o.sagaCtx))
	for k, v := range o.sagaCtx {
		snapshot[k] = v
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := action(stepCtx, snapshot)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-stepCtx.Done():
		return nil, fmt.Errorf("action: %w", domain.ErrTimeout)
	}
}

// compensate walks completed steps in reverse. A failing compensation is
// recorded on the step and does not stop rollback of earlier steps.
func (o *Orchestrator) compensate(ctx context.Context) {
	o.transition(ctx, domain.SagaCompensating)
	for i := len(o.completed) - 1; i >= 0; i-- {
		cs := &o.completed[i]
		if cs.step.Compensation == nil || cs.record.Status == domain.StepCompensated {
			continue
		}
		cs.record.Status = domain.StepCompensating
		timeout := cs.step.Timeout
		if timeout <= 0 {
			timeout = o.cfg.DefaultTimeout
		}
		compCtx, cancel := context.WithTimeout(ctx, timeout)
		err := cs.step.Compensation(compCtx, cs.record.Result)
		cancel()
		if err != nil {
			cs.record.Error = fmt.Sprintf("compensation: %v", err)
			o.logger.Error("compensation failed, continuing rollback",
				slog.String("step", cs.step.Name),
				slog.Any("error", err))
		} else {
			cs.record.Status = domain.StepCompensated
		}
		o.checkpoint(ctx, nil)
	}
}

func (o *Orchestrator) transition(ctx context.Context, next domain.SagaState) {
	o.state = next
	o.checkpoint(ctx, nil)
}

// checkpoint persists the durable snapshot. A write failure is logged and
// the run continues; the next successful write supersedes.
func (o *Orchestrator) checkpoint(ctx context.Context, extra *domain.StepCheckpoint) {
	cp := domain.SagaCheckpoint{
		SagaID:      o.sagaID,
		State:       o.state,
		CurrentStep: o.currentStep,
		Context:     o.sagaCtx,
		CreatedAt:   o.createdAt,
		UpdatedAt:   o.clock.Now().UTC(),
	}
	for _, cs := range o.completed {
		cp.CompletedSteps = append(cp.CompletedSteps, cs.record)
	}
	if extra != nil {
		cp.CompletedSteps = append(cp.CompletedSteps, *extra)
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		o.logger.Error("checkpoint marshal failed", slog.Any("error", err))
		return
	}
	key := o.cfg.CheckpointPrefix + ":" + o.sagaID
	if err := o.kv.SetEx(ctx, key, string(raw), o.cfg.CheckpointTTL); err != nil {
		o.logger.Error("checkpoint write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// RestoreFromCheckpoint rehydrates state, step cursor, context, and the
// identity of completed steps from the stored snapshot. Handlers are
// re-bound by name from the orchestrator's own step list; restoring against
// a different ordered step list than the one that produced the checkpoint is
// a programmer error and is rejected.
func (o *Orchestrator) RestoreFromCheckpoint(ctx context.Context) (bool, error) {
	key := o.cfg.CheckpointPrefix + ":" + o.sagaID
	raw, ok, err := o.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	var cp domain.SagaCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return false, fmt.Errorf("parse checkpoint %s: %w", key, err)
	}

	byName := make(map[string]int, len(o.steps))
	for i, s := range o.steps {
		byName[s.Name] = i
	}
	completed := make([]completedStep, 0, len(cp.CompletedSteps))
	for _, rec := range cp.CompletedSteps {
		idx, known := byName[rec.Name]
		if !known {
			return false, fmt.Errorf("checkpoint step %q does not match the declared step list: %w", rec.Name, domain.ErrConflict)
		}
		if rec.Status != domain.StepCompleted {
			// Failed, compensated, or mid-compensation: the step's effects
			// are absent or rolled back, so the next Execute re-runs it.
			continue
		}
		if idx != len(completed) {
			return false, fmt.Errorf("checkpoint step %q does not match the declared step list: %w", rec.Name, domain.ErrConflict)
		}
		completed = append(completed, completedStep{step: o.steps[idx], record: rec})
	}

	o.state = cp.State
	o.currentStep = cp.CurrentStep
	o.completed = completed
	if cp.Context != nil {
		o.sagaCtx = cp.Context
	}
	o.createdAt = cp.CreatedAt
	o.logger.Info("saga restored from checkpoint",
		slog.String("state", string(cp.State)),
		slog.Int("completed_steps", len(completed)))
	return true, nil
}

func (o *Orchestrator) result(errText string) Result {
	res := Result{
		SagaID:         o.sagaID,
		Status:         o.state,
		CompletedCount: len(o.completed),
		Error:          errText,
	}
	for _, cs := range o.completed {
		res.Steps = append(res.Steps, cs.record)
	}
	return res
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > backoffCap {
		return backoffCap
	}
	return d
}
