// Package redisstore implements the LogStore and KVStore ports on Redis.
//
// Streams back the task queue and the DLQ; plain keys with TTL back saga
// checkpoints and the task-result cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Log adapts Redis Streams to the LogStore port.
type Log struct {
	rdb *redis.Client
}

var _ domain.LogStore = (*Log)(nil)

// NewLog wraps an existing Redis client.
func NewLog(rdb *redis.Client) *Log { return &Log{rdb: rdb} }

func (l *Log) Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (l *Log) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (l *Log) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]domain.StreamBatch, error) {
	// XREADGROUP wants stream names followed by one ">" marker per stream.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	if block <= 0 {
		// go-redis treats Block==0 as "block forever"; negative disables BLOCK.
		block = -1
	}
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", group, err)
	}
	batches := make([]domain.StreamBatch, 0, len(res))
	for _, xs := range res {
		b := domain.StreamBatch{Stream: xs.Stream}
		for _, m := range xs.Messages {
			b.Messages = append(b.Messages, domain.StreamMessage{ID: m.ID, Values: m.Values})
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (l *Log) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, id, err)
	}
	return nil
}

func (l *Log) Del(ctx context.Context, stream, id string) error {
	if err := l.rdb.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("xdel %s/%s: %w", stream, id, err)
	}
	return nil
}

func (l *Log) PendingRange(ctx context.Context, stream, group string, count int64) ([]domain.PendingEntry, error) {
	res, err := l.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	entries := make([]domain.PendingEntry, 0, len(res))
	for _, p := range res {
		entries = append(entries, domain.PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

func (l *Log) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]domain.StreamMessage, error) {
	res, err := l.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	msgs := make([]domain.StreamMessage, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, domain.StreamMessage{ID: m.ID, Values: m.Values})
	}
	return msgs, nil
}

func (l *Log) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (l *Log) GroupInfo(ctx context.Context, stream, group string) (domain.GroupInfo, error) {
	groups, err := l.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return domain.GroupInfo{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return domain.GroupInfo{Pending: g.Pending, Consumers: g.Consumers}, nil
		}
	}
	return domain.GroupInfo{}, fmt.Errorf("group %s on %s: %w", group, stream, domain.ErrNotFound)
}

// KV adapts Redis keys with TTL to the KVStore port.
type KV struct {
	rdb *redis.Client
}

var _ domain.KVStore = (*KV)(nil)

// NewKV wraps an existing Redis client.
func NewKV(rdb *redis.Client) *KV { return &KV{rdb: rdb} }

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (k *KV) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (k *KV) Del(ctx context.Context, key string) error {
	if err := k.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
