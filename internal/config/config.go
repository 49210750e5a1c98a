// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all control-plane configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"strategy-control-plane"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"strategy-control-plane"`

	// Task queue
	QueueStreamPrefix    string        `env:"QUEUE_STREAM_PREFIX" envDefault:"tasks"`
	QueueConsumerGroup   string        `env:"QUEUE_CONSUMER_GROUP" envDefault:"workers"`
	QueueMaxStreamLength int64         `env:"QUEUE_MAX_STREAM_LENGTH" envDefault:"10000"`
	QueuePendingTimeout  time.Duration `env:"QUEUE_PENDING_TIMEOUT" envDefault:"60s"`
	QueuePollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`
	QueueBatchSize       int64         `env:"QUEUE_BATCH_SIZE" envDefault:"10"`

	// Saga orchestrator
	SagaCheckpointPrefix string        `env:"SAGA_CHECKPOINT_PREFIX" envDefault:"saga"`
	SagaCheckpointTTL    time.Duration `env:"SAGA_CHECKPOINT_TTL" envDefault:"24h"`
	SagaStepTimeout      time.Duration `env:"SAGA_STEP_TIMEOUT" envDefault:"300s"`

	// Strategy isolation
	IsolationLevel         string        `env:"ISOLATION_LEVEL" envDefault:"soft"`
	MonitoringInterval     time.Duration `env:"ISOLATION_MONITORING_INTERVAL" envDefault:"5s"`
	BreakerCooldown        time.Duration `env:"ISOLATION_BREAKER_COOLDOWN" envDefault:"300s"`
	ErrorsToTripBreaker    int           `env:"ISOLATION_ERRORS_TO_TRIP" envDefault:"5"`
	QuotaMaxMemoryMB       float64       `env:"QUOTA_MAX_MEMORY_MB" envDefault:"512"`
	QuotaMaxCPUPercent     float64       `env:"QUOTA_MAX_CPU_PERCENT" envDefault:"50"`
	QuotaMaxConcurrent     int           `env:"QUOTA_MAX_CONCURRENT_TRADES" envDefault:"5"`
	QuotaMaxPositionSize   float64       `env:"QUOTA_MAX_POSITION_SIZE" envDefault:"100000"`
	QuotaMaxDailyTrades    int           `env:"QUOTA_MAX_DAILY_TRADES" envDefault:"100"`
	QuotaMaxDailyLoss      float64       `env:"QUOTA_MAX_DAILY_LOSS" envDefault:"1000"`
	QuotaMaxDrawdownPct    float64       `env:"QUOTA_MAX_DRAWDOWN_PERCENT" envDefault:"20"`
	QuotaAPIRatePerMinute  int           `env:"QUOTA_API_RATE_PER_MINUTE" envDefault:"60"`

	// Sandbox executor
	SandboxImage        string        `env:"SANDBOX_IMAGE" envDefault:"python:3.12-slim"`
	SandboxTimeout      time.Duration `env:"SANDBOX_TIMEOUT" envDefault:"30s"`
	SandboxMemoryMB     int64         `env:"SANDBOX_MEMORY_MB" envDefault:"256"`
	SandboxCPUCores     float64       `env:"SANDBOX_CPU_CORES" envDefault:"0.5"`
	SandboxValidateCode bool          `env:"SANDBOX_VALIDATE_CODE" envDefault:"true"`
	SandboxMaxRiskScore int           `env:"SANDBOX_MAX_RISK_SCORE" envDefault:"30"`

	// Reliability router
	PrimaryURL           string        `env:"ROUTER_PRIMARY_URL" envDefault:"http://localhost:8317"`
	RouterMaxFailures    int           `env:"ROUTER_MAX_FAILURES" envDefault:"3"`
	RouterCircuitTimeout time.Duration `env:"ROUTER_CIRCUIT_TIMEOUT" envDefault:"300s"`
	RouterRoutesFile     string        `env:"ROUTER_ROUTES_FILE"`
	PrimaryStartCmd      string        `env:"ROUTER_PRIMARY_START_CMD"`

	// Self-healing monitor
	MonitorCheckInterval   time.Duration `env:"MONITOR_CHECK_INTERVAL" envDefault:"30s"`
	MonitorRestartCooldown time.Duration `env:"MONITOR_RESTART_COOLDOWN" envDefault:"120s"`
	MonitorMaxRestarts     int           `env:"MONITOR_MAX_RESTARTS" envDefault:"3"`
	MonitorFailuresToAct   int           `env:"MONITOR_FAILURES_TO_ACT" envDefault:"3"`

	// Encryption and key storage
	MasterPasswordEnv string `env:"MASTER_PASSWORD_ENV" envDefault:"CONTROL_PLANE_MASTER_PASSWORD"`
	KDFIterations     int    `env:"KDF_ITERATIONS" envDefault:"100000"`
	KeysFilePath      string `env:"KEYS_FILE_PATH" envDefault:"keys.enc.json"`

	// Audit log
	AuditMaxEntries int `env:"AUDIT_MAX_ENTRIES" envDefault:"10000"`

	// Notifier
	NotifyCooloff    time.Duration `env:"NOTIFY_COOLOFF" envDefault:"5m"`
	NotifyWebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
