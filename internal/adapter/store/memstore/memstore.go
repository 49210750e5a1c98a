// Package memstore provides in-memory LogStore and KVStore implementations
// for tests. Semantics mirror the Redis adapter: per-group pending lists,
// idle-based claiming, and approximate trimming.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

type entry struct {
	seq    int64
	id     string
	values map[string]any
}

type pendingMsg struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
	values      map[string]any
}

type group struct {
	lastDelivered int64
	pending       map[string]*pendingMsg
}

type stream struct {
	entries []entry
	seq     int64
	groups  map[string]*group
}

// Log is an in-memory LogStore.
type Log struct {
	mu      sync.Mutex
	streams map[string]*stream
}

var _ domain.LogStore = (*Log)(nil)

// NewLog returns an empty in-memory log store.
func NewLog() *Log {
	return &Log{streams: make(map[string]*stream)}
}

func (l *Log) getStream(name string) *stream {
	s, ok := l.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		l.streams[name] = s
	}
	return s
}

func (l *Log) Append(_ context.Context, name string, values map[string]any, maxLen int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.getStream(name)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, entry{seq: s.seq, id: id, values: values})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	return id, nil
}

func (l *Log) EnsureGroup(_ context.Context, name, groupName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.getStream(name)
	if _, ok := s.groups[groupName]; !ok {
		s.groups[groupName] = &group{pending: make(map[string]*pendingMsg)}
	}
	return nil
}

func (l *Log) ReadGroup(ctx context.Context, groupName, consumer string, streams []string, count int64, block time.Duration) ([]domain.StreamBatch, error) {
	deadline := time.Now().Add(block)
	for {
		batches := l.readOnce(groupName, consumer, streams, count)
		if len(batches) > 0 || block <= 0 || time.Now().After(deadline) {
			return batches, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (l *Log) readOnce(groupName, consumer string, streams []string, count int64) []domain.StreamBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	var batches []domain.StreamBatch
	remaining := count
	if remaining <= 0 {
		remaining = 1
	}
	for _, name := range streams {
		if remaining <= 0 {
			break
		}
		s, ok := l.streams[name]
		if !ok {
			continue
		}
		g, ok := s.groups[groupName]
		if !ok {
			continue
		}
		b := domain.StreamBatch{Stream: name}
		for _, e := range s.entries {
			if remaining <= 0 {
				break
			}
			if e.seq <= g.lastDelivered {
				continue
			}
			g.lastDelivered = e.seq
			g.pending[e.id] = &pendingMsg{
				consumer:    consumer,
				deliveredAt: time.Now(),
				deliveries:  1,
				values:      e.values,
			}
			b.Messages = append(b.Messages, domain.StreamMessage{ID: e.id, Values: e.values})
			remaining--
		}
		if len(b.Messages) > 0 {
			batches = append(batches, b)
		}
	}
	return batches
}

func (l *Log) Ack(_ context.Context, name, groupName, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[name]; ok {
		if g, ok := s.groups[groupName]; ok {
			delete(g.pending, id)
		}
	}
	return nil
}

func (l *Log) Del(_ context.Context, name, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return nil
	}
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (l *Log) PendingRange(_ context.Context, name, groupName string, count int64) ([]domain.PendingEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}
	var out []domain.PendingEntry
	for id, p := range g.pending {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, domain.PendingEntry{
			ID:         id,
			Consumer:   p.consumer,
			Idle:       time.Since(p.deliveredAt),
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

func (l *Log) Claim(_ context.Context, name, groupName, consumer string, minIdle time.Duration, ids []string) ([]domain.StreamMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || time.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		p.deliveries++
		out = append(out, domain.StreamMessage{ID: id, Values: p.values})
	}
	return out, nil
}

func (l *Log) Len(_ context.Context, name string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (l *Log) GroupInfo(_ context.Context, name, groupName string) (domain.GroupInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return domain.GroupInfo{}, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return domain.GroupInfo{}, nil
	}
	consumers := make(map[string]struct{})
	for _, p := range g.pending {
		consumers[p.consumer] = struct{}{}
	}
	return domain.GroupInfo{Pending: int64(len(g.pending)), Consumers: int64(len(consumers))}, nil
}

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// KV is an in-memory KVStore with TTL support.
type KV struct {
	mu   sync.Mutex
	data map[string]kvEntry
}

var _ domain.KVStore = (*KV)(nil)

// NewKV returns an empty in-memory key/value store.
func NewKV() *KV {
	return &KV{data: make(map[string]kvEntry)}
}

func (k *KV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(k.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (k *KV) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	k.data[key] = e
	return nil
}

func (k *KV) Del(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}
