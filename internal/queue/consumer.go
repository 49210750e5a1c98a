package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Handler processes one task. A non-nil result is cached for the producer;
// an error routes the task through the retry/DLQ path.
type Handler func(ctx context.Context, task domain.Task) (any, error)

// RunConsumer is the supervised worker loop. It polls, recovers stale
// pending entries between polls, and never exits on a single store error;
// transient failures back off exponentially and reset on the next success.
// The loop returns only when ctx is cancelled.
func (q *Queue) RunConsumer(ctx context.Context, workerID string, priorities []domain.Priority, handler Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the loop outlives any outage

	lastRecovery := time.Now()
	recoveryEvery := q.cfg.PendingTimeout
	if recoveryEvery <= 0 {
		recoveryEvery = time.Minute
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastRecovery) >= recoveryEvery {
			lastRecovery = time.Now()
			recovered, err := q.RecoverPending(ctx, workerID)
			if err != nil {
				q.logger.Error("pending recovery failed",
					slog.String("worker_id", workerID),
					slog.Any("error", err))
			}
			for _, d := range recovered {
				q.handleDelivery(ctx, d, handler)
			}
		}

		deliveries, err := q.Consume(ctx, workerID, priorities)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			q.logger.Error("consume failed, backing off",
				slog.String("worker_id", workerID),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, d := range deliveries {
			q.handleDelivery(ctx, d, handler)
		}
	}
}

func (q *Queue) handleDelivery(ctx context.Context, d Delivery, handler Handler) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", d.Task.ID),
		attribute.String("task.type", d.Task.Type),
		attribute.String("task.priority", d.Task.Priority.String()),
		attribute.Int("task.retry_count", d.Task.RetryCount),
	)

	taskCtx := ctx
	if d.Task.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(d.Task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := handler(taskCtx, d.Task)
	if err == nil && taskCtx.Err() != nil {
		err = fmt.Errorf("task %s: %w", d.Task.ID, domain.ErrTimeout)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if failErr := q.Fail(ctx, d.MessageID, err.Error(), d.Task); failErr != nil {
			q.logger.Error("fail path errored",
				slog.String("task_id", d.Task.ID),
				slog.String("message_id", d.MessageID),
				slog.Any("error", failErr))
		}
		return
	}
	if completeErr := q.Complete(ctx, d.MessageID, result); completeErr != nil {
		q.logger.Error("complete path errored",
			slog.String("task_id", d.Task.ID),
			slog.String("message_id", d.MessageID),
			slog.Any("error", completeErr))
	}
}
