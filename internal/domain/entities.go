package domain

import (
	"encoding/json"
	"time"
)

// Priority orders task delivery. Higher values are always drained first.
type Priority int

const (
	PriorityCritical Priority = 100
	PriorityHigh     Priority = 75
	PriorityNormal   Priority = 50
	PriorityLow      Priority = 25
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Priorities lists all priorities from highest to lowest. Consumers that pass
// no explicit subset drain streams in this order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Task is one unit of work on the queue. A task keeps its ID across retries;
// each retry is a fresh message on the same priority stream.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       Priority        `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// SagaState is the orchestrator-level FSM state.
type SagaState string

const (
	SagaIdle         SagaState = "idle"
	SagaRunning      SagaState = "running"
	SagaCompensating SagaState = "compensating"
	SagaCompleted    SagaState = "completed"
	SagaFailed       SagaState = "failed"
)

// StepStatus is the per-step FSM state.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepExecuting    StepStatus = "executing"
	StepCompleted    StepStatus = "completed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepFailed       StepStatus = "failed"
)

// StepCheckpoint is the serializable part of a saga step. Callables are
// re-bound from the in-process step list on restore.
type StepCheckpoint struct {
	Name       string         `json:"name"`
	Status     StepStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	TimeoutSec int            `json:"timeout_seconds"`
	MaxRetries int            `json:"max_retries"`
}

// SagaCheckpoint is the durable snapshot keyed by saga ID. On restart it is
// the single source of truth for what has already happened.
type SagaCheckpoint struct {
	SagaID         string           `json:"saga_id"`
	State          SagaState        `json:"state"`
	CurrentStep    int              `json:"current_step_index"`
	CompletedSteps []StepCheckpoint `json:"completed_steps"`
	Context        map[string]any   `json:"context"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsolationLevel selects the enforcement mechanism for a strategy context.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationSoft      IsolationLevel = "soft"
	IsolationHard      IsolationLevel = "hard"
	IsolationContainer IsolationLevel = "container"
)

// StrategyState is the per-strategy lifecycle state.
type StrategyState string

const (
	StrategyIdle     StrategyState = "idle"
	StrategyRunning  StrategyState = "running"
	StrategyPaused   StrategyState = "paused"
	StrategyStopped  StrategyState = "stopped"
	StrategyError    StrategyState = "error"
	StrategyCooldown StrategyState = "cooldown"
)

// ResourceQuota holds hard ceilings for a strategy context.
type ResourceQuota struct {
	MaxMemoryMB           float64 `json:"max_memory_mb"`
	MaxCPUPercent         float64 `json:"max_cpu_percent"`
	MaxConcurrentTrades   int     `json:"max_concurrent_trades"`
	MaxPositionSize       float64 `json:"max_position_size"`
	MaxDailyTrades        int     `json:"max_daily_trades"`
	MaxDailyLoss          float64 `json:"max_daily_loss"`
	MaxDrawdownPercent    float64 `json:"max_drawdown_percent"`
	APIRateLimitPerMinute int     `json:"api_rate_limit_per_minute"`
}

// ResourceUsage holds the live counters checked against the quota.
type ResourceUsage struct {
	MemoryMB               float64   `json:"memory_mb"`
	CPUPercent             float64   `json:"cpu_percent"`
	OpenTrades             int       `json:"open_trades"`
	CurrentPosition        float64   `json:"current_position"`
	DailyTradeCount        int       `json:"daily_trade_count"`
	DailyPnL               float64   `json:"daily_pnl"`
	CurrentDrawdownPercent float64   `json:"current_drawdown_percent"`
	APICallsLastMinute     int       `json:"api_calls_last_minute"`
	LastUpdated            time.Time `json:"last_updated"`
}

// StrategyContext is the isolated execution envelope for one tenant strategy.
// All mutation goes through the isolation manager's lock.
type StrategyContext struct {
	StrategyID     string         `json:"strategy_id"`
	StrategyName   string         `json:"strategy_name"`
	IsolationLevel IsolationLevel `json:"isolation_level"`
	State          StrategyState  `json:"state"`
	Quota          ResourceQuota  `json:"quota"`
	Usage          ResourceUsage  `json:"usage"`

	// Lifetime counters
	TradeCountTotal int     `json:"trade_count_total"`
	TotalPnL        float64 `json:"total_pnl"`
	PeakEquity      float64 `json:"peak_equity"`
	ErrorCount      int     `json:"error_count"`
	LastError       string  `json:"last_error,omitempty"`
	LastTradeAt     time.Time `json:"last_trade_at,omitzero"`

	// Circuit breaker
	BreakerTripped   bool      `json:"breaker_tripped"`
	BreakerReason    string    `json:"breaker_reason,omitempty"`
	BreakerTrippedAt time.Time `json:"breaker_tripped_at,omitzero"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`

	CreatedAt time.Time `json:"created_at"`
}

// RiskLevel buckets a validation risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // score < 30
	RiskMedium   RiskLevel = "medium"   // score < 70
	RiskHigh     RiskLevel = "high"     // score < 90
	RiskCritical RiskLevel = "critical" // score >= 90
)

// RiskLevelFor maps an accumulated score onto a risk level.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score < 30:
		return RiskLow
	case score < 70:
		return RiskMedium
	case score < 90:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Violation is one finding from static validation of submitted code.
type Violation struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Critical bool   `json:"critical"`
}

// ValidationResult is the verdict of the code validator.
type ValidationResult struct {
	IsValid         bool        `json:"is_valid"`
	RiskScore       int         `json:"risk_score"`
	RiskLevel       RiskLevel   `json:"risk_level"`
	Violations      []Violation `json:"violations"`
	Warnings        []string    `json:"warnings"`
	Recommendations []string    `json:"recommendations"`
}

// SandboxUsage holds sampled resource usage of one sandbox run.
type SandboxUsage struct {
	PeakMemoryMB  float64 `json:"peak_memory_mb"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`
}

// SandboxExecutionResult is the outcome of one sandboxed execution.
type SandboxExecutionResult struct {
	Success       bool              `json:"success"`
	ExitCode      int               `json:"exit_code"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	DurationMs    int64             `json:"duration_ms"`
	ResourceUsage SandboxUsage      `json:"resource_usage"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// AuditAction enumerates security-relevant actions recorded in the audit log.
type AuditAction string

const (
	AuditKeyCreate    AuditAction = "key_create"
	AuditKeyRetrieve  AuditAction = "key_retrieve"
	AuditKeyRotate    AuditAction = "key_rotate"
	AuditKeyDelete    AuditAction = "key_delete"
	AuditKeyList      AuditAction = "key_list"
	AuditEncrypt      AuditAction = "encrypt"
	AuditDecrypt      AuditAction = "decrypt"
	AuditCacheHit     AuditAction = "cache_hit"
	AuditCacheMiss    AuditAction = "cache_miss"
	AuditQuotaRefusal AuditAction = "quota_refusal"
	AuditBreakerTrip  AuditAction = "breaker_trip"
	AuditFailover     AuditAction = "failover"
	AuditRestart      AuditAction = "restart"
	AuditError        AuditAction = "error"
)

// AuditLogEntry is one record in the bounded audit ring.
type AuditLogEntry struct {
	EntryID      string         `json:"entry_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       AuditAction    `json:"action"`
	SubjectID    string         `json:"subject_id"`
	UserID       string         `json:"user_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// KeyInfo describes one managed credential.
type KeyInfo struct {
	KeyID     string            `json:"key_id"`
	KeyType   string            `json:"key_type"`
	Algorithm string            `json:"algorithm"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitzero"`
	RotatedAt time.Time         `json:"rotated_at,omitzero"`
	Version   int               `json:"version"`
	Enabled   bool              `json:"enabled"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotifyLevel is the severity of a notification.
type NotifyLevel string

const (
	NotifyInfo     NotifyLevel = "info"
	NotifyWarning  NotifyLevel = "warning"
	NotifyCritical NotifyLevel = "critical"
)
