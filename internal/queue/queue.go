// Package queue implements the four-priority task queue over an append-only
// log with consumer groups, retry, a dead-letter tail, and pending recovery.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

const taskResultTTL = time.Hour

// Config tunes one queue instance.
type Config struct {
	StreamPrefix    string
	Group           string
	MaxStreamLength int64
	PendingTimeout  time.Duration
	PollInterval    time.Duration
	BatchSize       int64
}

// Delivery is one message handed to a worker. MessageID identifies the log
// entry; Task.ID is stable across retries.
type Delivery struct {
	MessageID string
	Task      domain.Task
}

// PriorityStats describes one priority stream.
type PriorityStats struct {
	Length    int64 `json:"length"`
	Pending   int64 `json:"pending"`
	Consumers int64 `json:"consumers"`
}

// Stats is a point-in-time snapshot of all streams.
type Stats struct {
	Priorities map[string]PriorityStats `json:"priorities"`
	DLQLength  int64                    `json:"dlq_length"`
}

type deliveryInfo struct {
	stream   string
	priority domain.Priority
}

// Queue is a priority FIFO over a LogStore. One instance tracks the
// messageID to stream mapping for its own deliveries; the mapping entry is
// dropped on ACK to bound memory.
type Queue struct {
	log    domain.LogStore
	kv     domain.KVStore
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]deliveryInfo
}

func New(log domain.LogStore, kv domain.KVStore, cfg Config, logger *slog.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Queue{
		log:      log,
		kv:       kv,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]deliveryInfo),
	}
}

func (q *Queue) streamFor(p domain.Priority) string {
	return q.cfg.StreamPrefix + "_" + p.String()
}

func (q *Queue) dlqStream() string {
	return q.cfg.StreamPrefix + "_dlq"
}

// Init creates the consumer group on every priority stream. Existing groups
// are not an error.
func (q *Queue) Init(ctx context.Context) error {
	for _, p := range domain.Priorities() {
		if err := q.log.EnsureGroup(ctx, q.streamFor(p), q.cfg.Group); err != nil {
			return fmt.Errorf("ensure group on %s: %w", q.streamFor(p), err)
		}
	}
	return nil
}

// Enqueue appends the task to its priority stream. A zero task ID gets a
// fresh ULID; re-enqueue of an existing ID is the retry path and is expected.
func (q *Queue) Enqueue(ctx context.Context, task domain.Task) (string, error) {
	if task.Type == "" {
		return "", fmt.Errorf("task type required: %w", domain.ErrValidation)
	}
	switch task.Priority {
	case domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
	default:
		return "", fmt.Errorf("unknown priority %d: %w", task.Priority, domain.ErrValidation)
	}
	if task.ID == "" {
		task.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	stream := q.streamFor(task.Priority)
	if _, err := q.log.Append(ctx, stream, map[string]any{"task": string(raw)}, q.cfg.MaxStreamLength); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", stream, err)
	}
	observability.TasksAddedTotal.WithLabelValues(task.Priority.String()).Inc()
	q.logger.Debug("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("priority", task.Priority.String()),
		slog.Int("retry_count", task.RetryCount))
	return task.ID, nil
}

// Consume performs one blocking poll on behalf of workerID. Streams are
// requested highest priority first, so any pending critical item is returned
// before any lower one. An empty priorities slice means all priorities.
func (q *Queue) Consume(ctx context.Context, workerID string, priorities []domain.Priority) ([]Delivery, error) {
	if len(priorities) == 0 {
		priorities = domain.Priorities()
	}
	streams := make([]string, 0, len(priorities))
	byStream := make(map[string]domain.Priority, len(priorities))
	for _, p := range priorities {
		s := q.streamFor(p)
		streams = append(streams, s)
		byStream[s] = p
	}

	batches, err := q.log.ReadGroup(ctx, q.cfg.Group, workerID, streams, q.cfg.BatchSize, q.cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}

	var out []Delivery
	for _, b := range batches {
		for _, m := range b.Messages {
			task, err := decodeTask(m.Values)
			if err != nil {
				// Poison entry: ack it away so it cannot wedge the stream.
				q.logger.Error("undecodable message dropped",
					slog.String("stream", b.Stream),
					slog.String("message_id", m.ID),
					slog.Any("error", err))
				_ = q.log.Ack(ctx, b.Stream, q.cfg.Group, m.ID)
				continue
			}
			q.track(m.ID, b.Stream, byStream[b.Stream])
			out = append(out, Delivery{MessageID: m.ID, Task: task})
		}
	}
	return out, nil
}

// Complete acks and deletes the message. A non-nil result is cached in KV
// under taskResult:{messageID} for one hour.
func (q *Queue) Complete(ctx context.Context, messageID string, result any) error {
	info, ok := q.untrack(messageID)
	if !ok {
		return fmt.Errorf("message %s not tracked by this consumer: %w", messageID, domain.ErrNotFound)
	}
	if err := q.log.Ack(ctx, info.stream, q.cfg.Group, messageID); err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	if err := q.log.Del(ctx, info.stream, messageID); err != nil {
		return fmt.Errorf("del %s: %w", messageID, err)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if err := q.kv.SetEx(ctx, "taskResult:"+messageID, string(raw), taskResultTTL); err != nil {
			return fmt.Errorf("cache result: %w", err)
		}
	}
	observability.TasksCompletedTotal.WithLabelValues(info.priority.String()).Inc()
	return nil
}

// Fail either re-enqueues the task (same ID, same priority, retryCount+1) or
// moves it to the DLQ once retries are exhausted. Either way the original
// message is acked and deleted.
func (q *Queue) Fail(ctx context.Context, messageID, errText string, task domain.Task) error {
	info, ok := q.untrack(messageID)
	if !ok {
		return fmt.Errorf("message %s not tracked by this consumer: %w", messageID, domain.ErrNotFound)
	}
	observability.TasksFailedTotal.WithLabelValues(info.priority.String()).Inc()

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		if _, err := q.Enqueue(ctx, task); err != nil {
			q.track(messageID, info.stream, info.priority)
			return fmt.Errorf("re-enqueue %s: %w", task.ID, err)
		}
		q.logger.Info("task retried",
			slog.String("task_id", task.ID),
			slog.Int("retry_count", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries),
			slog.String("error", errText))
	} else {
		raw, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal dlq task: %w", err)
		}
		_, err = q.log.Append(ctx, q.dlqStream(), map[string]any{
			"original_message_id": messageID,
			"error":               errText,
			"task_data":           string(raw),
			"failed_at":           time.Now().UTC().Format(time.RFC3339Nano),
		}, q.cfg.MaxStreamLength)
		if err != nil {
			q.track(messageID, info.stream, info.priority)
			return fmt.Errorf("dead-letter %s: %w", task.ID, err)
		}
		observability.TasksDeadLetteredTotal.Inc()
		q.logger.Warn("task dead-lettered",
			slog.String("task_id", task.ID),
			slog.String("message_id", messageID),
			slog.String("error", errText))
	}

	if err := q.log.Ack(ctx, info.stream, q.cfg.Group, messageID); err != nil {
		return fmt.Errorf("ack failed %s: %w", messageID, err)
	}
	if err := q.log.Del(ctx, info.stream, messageID); err != nil {
		return fmt.Errorf("del failed %s: %w", messageID, err)
	}
	return nil
}

// RecoverPending claims every entry across the priority streams that has
// been idle longer than the pending timeout, on behalf of workerID. Claimed
// messages are returned for processing like fresh deliveries.
func (q *Queue) RecoverPending(ctx context.Context, workerID string) ([]Delivery, error) {
	var out []Delivery
	for _, p := range domain.Priorities() {
		stream := q.streamFor(p)
		pending, err := q.log.PendingRange(ctx, stream, q.cfg.Group, 100)
		if err != nil {
			return out, fmt.Errorf("pending on %s: %w", stream, err)
		}
		var stale []string
		for _, e := range pending {
			if e.Idle > q.cfg.PendingTimeout {
				stale = append(stale, e.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		claimed, err := q.log.Claim(ctx, stream, q.cfg.Group, workerID, q.cfg.PendingTimeout, stale)
		if err != nil {
			return out, fmt.Errorf("claim on %s: %w", stream, err)
		}
		for _, m := range claimed {
			task, err := decodeTask(m.Values)
			if err != nil {
				q.logger.Error("undecodable pending message dropped",
					slog.String("stream", stream),
					slog.String("message_id", m.ID),
					slog.Any("error", err))
				_ = q.log.Ack(ctx, stream, q.cfg.Group, m.ID)
				continue
			}
			q.track(m.ID, stream, p)
			out = append(out, Delivery{MessageID: m.ID, Task: task})
			observability.TasksRecoveredTotal.Inc()
		}
	}
	if len(out) > 0 {
		q.logger.Info("pending messages recovered",
			slog.String("worker_id", workerID),
			slog.Int("count", len(out)))
	}
	return out, nil
}

// Stats reports per-priority stream depth plus the DLQ length.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Priorities: make(map[string]PriorityStats, 4)}
	for _, p := range domain.Priorities() {
		stream := q.streamFor(p)
		n, err := q.log.Len(ctx, stream)
		if err != nil {
			return Stats{}, fmt.Errorf("len %s: %w", stream, err)
		}
		info, err := q.log.GroupInfo(ctx, stream, q.cfg.Group)
		if err != nil {
			return Stats{}, fmt.Errorf("group info %s: %w", stream, err)
		}
		st.Priorities[p.String()] = PriorityStats{
			Length:    n,
			Pending:   info.Pending,
			Consumers: info.Consumers,
		}
	}
	dlq, err := q.log.Len(ctx, q.dlqStream())
	if err != nil {
		return Stats{}, fmt.Errorf("len dlq: %w", err)
	}
	st.DLQLength = dlq
	return st, nil
}

// Result fetches a cached task result, if any.
func (q *Queue) Result(ctx context.Context, messageID string) (json.RawMessage, bool, error) {
	v, ok, err := q.kv.Get(ctx, "taskResult:"+messageID)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

func (q *Queue) track(messageID, stream string, p domain.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight[messageID] = deliveryInfo{stream: stream, priority: p}
}

func (q *Queue) untrack(messageID string) (deliveryInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.inFlight[messageID]
	if ok {
		delete(q.inFlight, messageID)
	}
	return info, ok
}

func decodeTask(values map[string]any) (domain.Task, error) {
	raw, ok := values["task"].(string)
	if !ok {
		return domain.Task{}, fmt.Errorf("message has no task field: %w", domain.ErrValidation)
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}
