// Package main is the entry point for the loan review coordinator server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/config"
	"github.com/hexfin/loanreview/internal/dispatch"
	"github.com/hexfin/loanreview/internal/engine"
	"github.com/hexfin/loanreview/internal/external"
	"github.com/hexfin/loanreview/internal/idempotency"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/service"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/internal/transport"
	"github.com/hexfin/loanreview/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "loanreview", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	stateStore, storeCloser, err := buildStateStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("state store initialization failed", zap.Error(err))
		return 1
	}

	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	updater := buildUpdater(cfg.External, logger, metrics)
	dispatcher := dispatch.New(stateStore, updater, logger, metrics, cfg.Store.RetentionTTL)
	eng := engine.NewLocal(dispatcher, stateStore, logger, metrics, engine.LocalOptions{
		DefinitionRef: cfg.Engine.DefinitionRef,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff,
	})

	validator, err := service.NewValidator(cfg.Validation, metrics)
	if err != nil {
		logger.Error("validator initialization failed", zap.Error(err))
		return 1
	}
	svc := service.New(stateStore, eng, validator, logger, metrics)
	handlers := transport.NewHandlers(svc, dispatcher, idemStore, cfg.Idempotency.DefaultTTL, logger, metrics)

	ready := observability.ReadinessChecks{StateStore: stateStore}
	if idemStore != nil {
		ready.IdempotencyStore = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Handlers: handlers,
		Logger:   logger,
		Metrics:  metrics,
		Ready:    ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runRetentionSweeper(bgCtx, stateStore, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStateStore creates the review state store based on config.
func buildStateStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory state store")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("state store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("state store: ping: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported state store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nil when deduplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.DB,
		})
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// buildUpdater creates the downstream updater: HTTP when a base URL is
// configured, log-only otherwise. Both sit behind the circuit breaker.
func buildUpdater(cfg config.ExternalConfig, logger *zap.Logger, metrics *observability.Metrics) external.Updater {
	var inner external.Updater
	if cfg.BaseURL != "" {
		inner = external.NewHTTPUpdater(cfg.BaseURL, cfg.Timeout)
	} else {
		logger.Warn("no downstream base URL configured, decision updates are log-only")
		inner = external.NewLogUpdater(logger)
	}
	breaker := external.NewCircuitBreaker(
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.SuccessThreshold,
		cfg.CircuitBreaker.Timeout,
	)
	return external.NewGuarded(inner, breaker, logger, metrics)
}

// runRetentionSweeper periodically fails review workflows that outlived
// their retention TTL without reaching a terminal status.
func runRetentionSweeper(ctx context.Context, st store.Store, metrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepExpired(ctx, st, metrics, logger)
		}
	}
}

func sweepExpired(ctx context.Context, st store.Store, metrics *observability.Metrics, logger *zap.Logger) {
	expired, err := st.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	for _, state := range expired {
		changed, err := state.Transition(model.StatusFailed)
		if err != nil || !changed {
			continue
		}
		state.CurrentTaskToken = ""
		if err := st.Put(ctx, state); err != nil {
			logger.Warn("expiring stale workflow failed",
				zap.String("request_number", state.RequestNumber),
				zap.String("task_number", state.TaskNumber),
				zap.Error(err),
			)
			continue
		}
		if metrics != nil {
			metrics.RecordWorkflowCompletion(string(model.StatusFailed))
		}
		logger.Info("expired stale workflow",
			zap.String("request_number", state.RequestNumber),
			zap.String("task_number", state.TaskNumber),
		)
	}
}
