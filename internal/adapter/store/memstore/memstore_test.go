package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/store/memstore"
)

func TestLogAppendReadAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := memstore.NewLog()

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g"))
	id, err := log.Append(ctx, "s1", map[string]any{"task": "a"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	batches, err := log.ReadGroup(ctx, "g", "c1", []string{"s1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)
	assert.Equal(t, id, batches[0].Messages[0].ID)
	assert.Equal(t, "a", batches[0].Messages[0].Values["task"])

	// Same message is not redelivered to the group.
	batches, err = log.ReadGroup(ctx, "g", "c1", []string{"s1"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batches)

	info, err := log.GroupInfo(ctx, "s1", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Pending)

	require.NoError(t, log.Ack(ctx, "s1", "g", id))
	info, err = log.GroupInfo(ctx, "s1", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Pending)
}

func TestLogReadGroupStreamOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := memstore.NewLog()

	for _, s := range []string{"high", "low"} {
		require.NoError(t, log.EnsureGroup(ctx, s, "g"))
	}
	_, err := log.Append(ctx, "low", map[string]any{"v": "1"}, 0)
	require.NoError(t, err)
	_, err = log.Append(ctx, "high", map[string]any{"v": "2"}, 0)
	require.NoError(t, err)

	// Requested stream order wins regardless of append order.
	batches, err := log.ReadGroup(ctx, "g", "c1", []string{"high", "low"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "high", batches[0].Stream)
}

func TestLogMaxLenTrims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := memstore.NewLog()

	for range 5 {
		_, err := log.Append(ctx, "s", map[string]any{"v": "x"}, 3)
		require.NoError(t, err)
	}
	n, err := log.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLogPendingAndClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := memstore.NewLog()

	require.NoError(t, log.EnsureGroup(ctx, "s", "g"))
	id, err := log.Append(ctx, "s", map[string]any{"task": "x"}, 0)
	require.NoError(t, err)
	_, err = log.ReadGroup(ctx, "g", "dead", []string{"s"}, 10, 0)
	require.NoError(t, err)

	pending, err := log.PendingRange(ctx, "s", "g", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "dead", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].Deliveries)

	// Not idle long enough: nothing to claim.
	msgs, err := log.Claim(ctx, "s", "g", "alive", time.Hour, []string{id})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = log.Claim(ctx, "s", "g", "alive", 0, []string{id})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	pending, err = log.PendingRange(ctx, "s", "g", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alive", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].Deliveries)
}

func TestLogReadGroupBlocksUntilAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := memstore.NewLog()
	require.NoError(t, log.EnsureGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = log.Append(context.Background(), "s", map[string]any{"v": "1"}, 0)
	}()

	batches, err := log.ReadGroup(ctx, "g", "c", []string{"s"}, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestKVSetGetDel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memstore.NewKV()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.SetEx(ctx, "k", "v", 0))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, kv.Del(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memstore.NewKV()

	require.NoError(t, kv.SetEx(ctx, "k", "v", 5*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
