package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/events"
	"github.com/halcyonlabs/tradegate/internal/gateway/httpapi"
	"github.com/halcyonlabs/tradegate/internal/gateway/ws"
	"github.com/halcyonlabs/tradegate/internal/monitor"
	"github.com/halcyonlabs/tradegate/internal/notification"
	"github.com/halcyonlabs/tradegate/internal/observability"
	"github.com/halcyonlabs/tradegate/internal/oversight"
	"github.com/halcyonlabs/tradegate/internal/policy"
	"github.com/halcyonlabs/tradegate/internal/ratelimit"
	"github.com/halcyonlabs/tradegate/internal/resilience"
	"github.com/halcyonlabs/tradegate/internal/storage"
	pgstore "github.com/halcyonlabs/tradegate/internal/storage/postgres"
	sqlitestore "github.com/halcyonlabs/tradegate/internal/storage/sqlite"
)

const wsApproverPath = "/v1/approvers/ws"

var (
	serverConfigPath string
	serverAddr       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the oversight engine (HTTP API, monitor, notifications)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `tradegate --config path` and `tradegate server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serverAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts the oversight engine: storage, policy engine, timeout
// monitor, notification dispatcher and the HTTP/WebSocket gateway.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath := serverConfigPath
	if env := os.Getenv("TRADEGATE_CONFIG"); env != "" && configPath == "" {
		configPath = env
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.ListenAddr = serverAddr
	}

	logger.Info("starting tradegate", slog.String("config", configPath))

	// Observability.
	var metrics *observability.MetricsCollector
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsCollector()
	}

	var tracing *observability.TracerSetup
	if cfg.Observability != nil {
		tracing, err = observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	// Storage.
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store", slog.Any("error", err))
		}
	}()
	logger.Info("storage opened", slog.String("driver", store.Driver()))

	health := observability.NewHealthChecker(logger)
	health.AddCheck("storage", store.Ping)

	// Circuit breaker around remote persistence. The in-memory store cannot
	// fail in ways a breaker helps with.
	var reqStore storage.RequestStore = store.Requests()
	if store.Driver() != "memory" {
		resilient := resilience.NewResilientStore(reqStore, cfg.Resilience, logger)
		if metrics != nil {
			metrics.SetBreakerState(resilient.Breaker().Name(), resilient.Breaker().State())
			resilient.Breaker().OnStateChange(func(name, from, to string) {
				logger.Warn("circuit breaker state changed",
					slog.String("dependency", name),
					slog.String("from", from),
					slog.String("to", to),
				)
				metrics.SetBreakerState(name, to)
			})
		}
		reqStore = resilient
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	// WebSocket approver hub, also backing the push notification channel.
	apiKeys := cfg.Server.ResolvedAPIKeys()
	wsHub := ws.NewServer(apiKeys, logger)

	// Notification dispatcher.
	var notifier oversight.Notifier
	if cfg.Notification != nil {
		dispatcher := notification.NewDispatcher(cfg.Notification, metrics, logger)
		dispatcher.RegisterSender(notification.NewSlackSender(logger))
		dispatcher.RegisterSender(notification.NewWebhookSender(logger))
		dispatcher.RegisterSender(notification.NewPushSender(wsHub, logger))
		if cfg.Notification.SMTP != nil {
			dispatcher.RegisterSender(notification.NewEmailSender(*cfg.Notification.SMTP, logger))
		}
		notifier = dispatcher
		health.AddCheck("notification", dispatcher.Ready)
		logger.Info("notification dispatcher configured",
			slog.Int("channels", len(cfg.Notification.Channels)),
		)
	}

	// Execution callback.
	var executor oversight.ExecutionCallback
	if cfg.Execution.Endpoint != "" {
		executor = oversight.NewHTTPExecutor(cfg.Execution, logger)
		logger.Info("execution callback configured", slog.String("endpoint", cfg.Execution.Endpoint))
	}

	// Policy engine + oversight service.
	evaluator := policy.NewEvaluator(&cfg.Policy)
	selector := policy.NewSelector(&cfg.Policy, nil, logger)

	svc := oversight.NewService(oversight.ServiceParams{
		Store:     reqStore,
		Audit:     store.Audit(),
		Evaluator: evaluator,
		Selector:  selector,
		Bus:       bus,
		Notifier:  notifier,
		Executor:  executor,
		Metrics:   metrics,
		Policy:    &cfg.Policy,
		Execution: cfg.Execution,
		Logger:    logger,
	})

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Timeout/escalation monitor.
	mon := monitor.New(svc, reqStore, cfg.Monitor, logger)
	cancelMonitor := mon.Start(ctx)
	defer cancelMonitor()
	logger.Info("timeout monitor started",
		slog.String("scan_interval", cfg.Monitor.ScanInterval().String()),
		slog.String("timeout_policy", string(cfg.Monitor.Action())),
	)

	// HTTP API gateway.
	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(*cfg.RateLimit)
	}

	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		APIKeys:       apiKeys,
		HealthChecker: health,
		Metrics:       metrics,
	}
	if metrics != nil {
		httpCfg.MetricsRegistry = metrics.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if tracing != nil {
		httpCfg.Tracer = tracing.Tracer()
	}

	gw := httpapi.NewGateway(httpCfg, svc, bus, limiter, logger)
	gw.WithHandler(wsApproverPath, wsHub.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.Any("error", err))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.Any("error", err))
	}

	// Let in-flight execution callbacks finish recording their outcomes.
	svc.Wait()

	return nil
}

// openStore opens the configured persistence backend. No storage section (or
// driver "memory") selects the in-memory store for local development.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case "memory":
		logger.Warn("using in-memory store; requests are lost on restart")
		return storage.NewMemoryStore(), nil

	case "sqlite":
		sqliteCfg := sqlitestore.Config{}
		if cfg.Storage.SQLite != nil {
			sqliteCfg.Path = cfg.Storage.SQLite.Path
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		if sqliteCfg.Path == "" {
			sqliteCfg.Path = "tradegate.db"
		}
		return sqlitestore.Open(sqliteCfg, logger)

	case "postgres":
		if cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
			return nil, fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
		pgCfg := pgstore.Config{
			DSN:          cfg.Storage.Postgres.DSN,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Storage.Postgres.MaxIdleConns,
		}
		if cfg.Storage.Postgres.ConnMaxLifetimeS > 0 {
			pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		}
		return pgstore.Open(pgCfg, logger)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
