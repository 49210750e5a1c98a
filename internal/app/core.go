// Package app assembles the control plane: it wires the Redis-backed task
// queue, the isolation manager, the sandbox executor, the reliability router
// and its self-healing monitor into one value the entry points can run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/notify"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/sandbox/dockerbox"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/store/redisstore"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/isolation"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/queue"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/router"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/saga"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/sandbox"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/security"
)

// Core holds every wired component. Fields are nil only when the component
// was deliberately skipped (no Docker daemon, no master password).
type Core struct {
	Cfg    config.Config
	Logger *slog.Logger

	Redis *redis.Client
	Log   domain.LogStore
	KV    domain.KVStore

	Queue     *queue.Queue
	Sagas     *saga.Registry
	Isolation *isolation.Manager
	Runner    *sandbox.Runner
	Router    *router.Router
	Monitor   *router.Monitor

	Audit     *security.AuditLog
	Encryptor domain.Encryptor
	Keys      *security.KeyManager
	Notifier  domain.Notifier
}

// NewCore connects to Redis and wires all components from cfg. It degrades
// gracefully on optional dependencies: a missing Docker daemon disables the
// sandbox runner and a missing master password disables the key manager,
// both with a logged warning.
func NewCore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Core, error) {
	rdb, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewCore: %w", err)
	}

	c := &Core{
		Cfg:    cfg,
		Logger: logger,
		Redis:  rdb,
		Log:    redisstore.NewLog(rdb),
		KV:     redisstore.NewKV(rdb),
		Audit:  security.NewAuditLog(cfg.AuditMaxEntries),
		Sagas:  saga.NewRegistry(),
	}
	clock := domain.SystemClock{}

	var base domain.Notifier = notify.NewLogNotifier(logger)
	if cfg.NotifyWebhookURL != "" {
		base = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, nil)
	}
	c.Notifier = notify.NewLimiter(base, cfg.NotifyCooloff, clock)

	c.Queue = queue.New(c.Log, c.KV, queue.Config{
		StreamPrefix:    cfg.QueueStreamPrefix,
		Group:           cfg.QueueConsumerGroup,
		MaxStreamLength: cfg.QueueMaxStreamLength,
		PendingTimeout:  cfg.QueuePendingTimeout,
		PollInterval:    cfg.QueuePollInterval,
		BatchSize:       cfg.QueueBatchSize,
	}, logger)
	if err := c.Queue.Init(ctx); err != nil {
		return nil, fmt.Errorf("op=app.NewCore queue init: %w", err)
	}

	c.Isolation = isolation.NewManager(isolation.Config{
		DefaultLevel: domain.IsolationLevel(cfg.IsolationLevel),
		DefaultQuota: domain.ResourceQuota{
			MaxMemoryMB:           cfg.QuotaMaxMemoryMB,
			MaxCPUPercent:         cfg.QuotaMaxCPUPercent,
			MaxConcurrentTrades:   cfg.QuotaMaxConcurrent,
			MaxPositionSize:       cfg.QuotaMaxPositionSize,
			MaxDailyTrades:        cfg.QuotaMaxDailyTrades,
			MaxDailyLoss:          cfg.QuotaMaxDailyLoss,
			MaxDrawdownPercent:    cfg.QuotaMaxDrawdownPct,
			APIRateLimitPerMinute: cfg.QuotaAPIRatePerMinute,
		},
		MonitoringInterval: cfg.MonitoringInterval,
		BreakerCooldown:    cfg.BreakerCooldown,
		ErrorsToTrip:       cfg.ErrorsToTripBreaker,
	}, clock, c.Notifier, c.Audit, logger)

	if backend, berr := dockerbox.New(); berr != nil {
		logger.Warn("docker unavailable, sandbox execution disabled", slog.Any("error", berr))
	} else {
		c.Runner, err = sandbox.NewRunner(backend, sandbox.NewValidator(), sandbox.RunnerConfig{
			Image:        cfg.SandboxImage,
			Timeout:      cfg.SandboxTimeout,
			MemoryMB:     cfg.SandboxMemoryMB,
			CPUCores:     cfg.SandboxCPUCores,
			ValidateCode: cfg.SandboxValidateCode,
			MaxRiskScore: cfg.SandboxMaxRiskScore,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("op=app.NewCore sandbox: %w", err)
		}
	}

	routes := map[string]router.Route{}
	if cfg.RouterRoutesFile != "" {
		routes, err = router.LoadRoutes(cfg.RouterRoutesFile)
		if err != nil {
			return nil, fmt.Errorf("op=app.NewCore routes: %w", err)
		}
	}
	c.Router = router.New(router.Config{
		PrimaryURL:     cfg.PrimaryURL,
		MaxFailures:    cfg.RouterMaxFailures,
		CircuitTimeout: cfg.RouterCircuitTimeout,
		Routes:         routes,
	}, &http.Client{Timeout: 60 * time.Second}, clock, c.Notifier, c.Audit, logger)

	var starter router.PrimaryAutoStart
	if fields := strings.Fields(cfg.PrimaryStartCmd); len(fields) > 0 {
		starter = &router.ExecStarter{Path: fields[0], Args: fields[1:], Logger: logger}
	} else {
		starter = noopStarter{}
	}
	c.Monitor = router.NewMonitor(c.Router, starter, router.MonitorConfig{
		CheckInterval:   cfg.MonitorCheckInterval,
		RestartCooldown: cfg.MonitorRestartCooldown,
		MaxRestarts:     cfg.MonitorMaxRestarts,
		FailuresToAct:   cfg.MonitorFailuresToAct,
	}, clock, c.Notifier, logger)

	if err := c.setupKeys(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// setupKeys builds the encryptor and key manager when a master password is
// present, then installs every stored credential ring into the router.
func (c *Core) setupKeys(_ context.Context) error {
	password := os.Getenv(c.Cfg.MasterPasswordEnv)
	if password == "" {
		c.Logger.Warn("master password not set, key manager disabled",
			slog.String("env_var", c.Cfg.MasterPasswordEnv))
		return nil
	}
	enc, err := security.NewAESEncryptor(password, c.Cfg.KDFIterations)
	if err != nil {
		return fmt.Errorf("op=app.setupKeys: %w", err)
	}
	c.Encryptor = enc
	c.Keys = security.NewKeyManager(c.Cfg.KeysFilePath, enc, c.Audit)
	if err := c.Keys.Load(); err != nil {
		return fmt.Errorf("op=app.setupKeys load: %w", err)
	}
	for _, service := range c.Keys.Services() {
		c.Router.SetKeys(service, c.Keys.Keys(service))
	}
	return nil
}

// NewSaga builds an orchestrator checkpointed in this core's KV store.
func (c *Core) NewSaga(sagaID string, steps []saga.Step) (*saga.Orchestrator, error) {
	return saga.New(sagaID, steps, c.KV, saga.Config{
		CheckpointPrefix: c.Cfg.SagaCheckpointPrefix,
		CheckpointTTL:    c.Cfg.SagaCheckpointTTL,
		DefaultTimeout:   c.Cfg.SagaStepTimeout,
	}, domain.SystemClock{}, c.Logger)
}

// NewSagaFromRegistry assembles a saga from step names registered in
// c.Sagas. Restoring a checkpointed saga requires the same names in the
// same order.
func (c *Core) NewSagaFromRegistry(sagaID string, stepNames ...string) (*saga.Orchestrator, error) {
	steps, err := c.Sagas.Steps(stepNames...)
	if err != nil {
		return nil, err
	}
	return c.NewSaga(sagaID, steps)
}

// Close releases the Redis connection.
func (c *Core) Close() error {
	return c.Redis.Close()
}

// noopStarter is used when no primary start command is configured: the
// monitor still probes and escalates, it just cannot revive the process.
type noopStarter struct{}

func (noopStarter) StartPrimary(context.Context) error {
	return fmt.Errorf("no primary start command configured")
}
