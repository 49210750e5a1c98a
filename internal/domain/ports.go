package domain

import (
	"context"
	"time"
)

// StreamMessage is one entry read from an append-only stream.
type StreamMessage struct {
	ID     string
	Values map[string]any
}

// StreamBatch groups messages read from a single stream. ReadGroup returns
// batches in the order the streams were requested.
type StreamBatch struct {
	Stream   string
	Messages []StreamMessage
}

// PendingEntry describes a delivered-but-unacked message.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// GroupInfo summarizes a consumer group on one stream.
type GroupInfo struct {
	Pending   int64
	Consumers int64
}

// LogStore is an append-only log with consumer groups. The queue and the DLQ
// are built on top of it; Redis Streams is the production implementation.
type LogStore interface {
	// Append adds an entry; maxLen <= 0 means unbounded, otherwise the stream
	// is trimmed approximately to maxLen.
	Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
	// EnsureGroup creates the consumer group if missing. Creating an existing
	// group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads up to count new messages across streams, blocking up to
	// block when nothing is available. Batches come back in request order.
	ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]StreamBatch, error)
	Ack(ctx context.Context, stream, group, id string) error
	Del(ctx context.Context, stream, id string) error
	// PendingRange lists delivered-but-unacked entries on stream.
	PendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)
	// Claim transfers ownership of messages idle for at least minIdle.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamMessage, error)
	Len(ctx context.Context, stream string) (int64, error)
	GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error)
}

// KVStore is a TTL-indexed key/value store. Atomic single-key operations are
// sufficient for checkpoints and task-result caching.
type KVStore interface {
	// Get returns the value and whether the key existed.
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// SandboxLimits are the hard caps applied to every sandbox container.
type SandboxLimits struct {
	MemoryBytes     int64
	MemorySwapBytes int64
	CPUPeriodMicros int64
	CPUQuotaMicros  int64
	PidsLimit       int64
}

// SandboxMount binds a host path into the sandbox.
type SandboxMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// SandboxSpec describes one isolated execution environment. Backends must
// apply: no network, read-only root, all capabilities dropped, non-root user,
// no-new-privileges, and the resource limits.
type SandboxSpec struct {
	Image  string
	Cmd    []string
	Env    []string
	Mounts []SandboxMount
	Limits SandboxLimits
}

// SandboxBackend creates and drives isolated execution environments.
// The Docker Engine API is the production implementation.
type SandboxBackend interface {
	Create(ctx context.Context, spec SandboxSpec) (string, error)
	Start(ctx context.Context, handle string) error
	// Wait blocks until exit or timeout; a timeout returns ErrTimeout.
	Wait(ctx context.Context, handle string, timeout time.Duration) (int, error)
	Logs(ctx context.Context, handle string) (stdout, stderr string, err error)
	Stats(ctx context.Context, handle string) (SandboxUsage, error)
	Remove(ctx context.Context, handle string, force bool) error
}

// Notifier fans out critical events. Implementations rate-limit per
// (level, title, source); critical notifications bypass the limit.
type Notifier interface {
	Send(ctx context.Context, level NotifyLevel, title, message, source string, metadata map[string]string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(ctx context.Context, d time.Duration)
}

// Encryptor is authenticated symmetric encryption keyed by a process-bound
// master secret.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// AuditRecorder receives security-relevant events. Writes must never block
// the caller on transport.
type AuditRecorder interface {
	Record(entry AuditLogEntry)
}
