package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/brandpulse/engine/internal/admin"
	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/config"
	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/kvstore"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/notify"
	"github.com/brandpulse/engine/internal/scheduler"
	"github.com/brandpulse/engine/internal/vault"
	"github.com/brandpulse/engine/internal/version"
	"github.com/brandpulse/engine/internal/workflow"
)

func main() {
	var (
		configPath = flag.String("config", getEnv("ENGINE_CONFIG", ""), "YAML config file")
		listenAddr = flag.String("listen", "", "admin listen address (overrides config)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	printBanner("Orchestrator", logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Orchestrator.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus, err := buildBus(cfg, logger)
	if err != nil {
		logger.Error("failed to build bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer msgBus.Close()

	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("failed to build store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	recorder, closeRecorder, err := buildRecorder(ctx, cfg)
	if err != nil {
		logger.Error("failed to build history recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeRecorder()

	flow := workflow.NewEngine(logger, cfg.Workflow.Options())
	if err := flow.Apply(cfg.Workflow.Rules); err != nil {
		logger.Error("invalid workflow rules", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := metrics.NewRegistry()

	sched := scheduler.New(scheduler.Config{
		TickInterval:        cfg.Orchestrator.TickInterval.Std(),
		HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval.Std(),
		StaleAfter:          cfg.Orchestrator.StaleAfter.Std(),
		AckTimeout:          cfg.Orchestrator.AckTimeout.Std(),
		Retention:           cfg.Orchestrator.Retention.Std(),
		RollupInterval:      cfg.Orchestrator.RollupInterval.Std(),
		MaxTasksPerWorker:   cfg.Orchestrator.MaxTasksPerWorker,
		DispatchRate:        cfg.Orchestrator.DispatchRate,
		DispatchBurst:       cfg.Orchestrator.DispatchBurst,
	}, scheduler.Deps{
		Logger:   logger,
		Bus:      msgBus,
		Flow:     flow,
		Store:    store,
		Recorder: recorder,
		Metrics:  reg,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	feed := sched.Feed()
	var notifier *notify.Notifier
	if cfg.Notify.Enabled() {
		notifier = notify.New(notify.Config{
			URL:        cfg.Notify.URL,
			Secret:     cfg.Notify.Secret(),
			Events:     cfg.Notify.Events,
			Timeout:    cfg.Notify.Timeout.Std(),
			QueueSize:  cfg.Notify.QueueSize,
			MaxRetries: cfg.Notify.MaxRetries,
			RetryDelay: cfg.Notify.RetryDelay.Std(),
		}, reg, logger)
		feed = notifier.Tap(feed)
		logger.Info("webhook notifier enabled", slog.String("url", cfg.Notify.URL))
	}

	adminSrv := admin.New(admin.Config{
		AllowedOrigins: cfg.Orchestrator.AllowedOrigins,
	}, feedCore{sched, feed}, recorder, reg, logger)
	adminSrv.Start()

	mux := http.NewServeMux()
	adminSrv.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Orchestrator.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting admin HTTP server", slog.String("addr", cfg.Orchestrator.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	<-ctx.Done()

	// Stopping the scheduler first closes the admin feed, which winds down
	// open websocket streams before the listener goes away.
	sched.Stop()
	if notifier != nil {
		notifier.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("orchestrator stopped")
}

// feedCore lets the webhook notifier tap the scheduler feed before the
// admin API consumes it.
type feedCore struct {
	*scheduler.Scheduler
	feed <-chan scheduler.AdminEvent
}

func (c feedCore) Feed() <-chan scheduler.AdminEvent { return c.feed }

func buildBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		client, err := redisClient(cfg.Bus.Redis)
		if err != nil {
			return nil, err
		}
		return bus.NewRedisBus(client, logger), nil
	default:
		return bus.NewMemoryBus(logger), nil
	}
}

func buildStore(cfg *config.Config) (kvstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return kvstore.NewSQLite(cfg.Store.SQLitePath)
	case "redis":
		client, err := redisClient(cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		return kvstore.NewRedis(client), nil
	default:
		return kvstore.NewMemory(), nil
	}
}

func buildRecorder(ctx context.Context, cfg *config.Config) (history.Recorder, func(), error) {
	switch cfg.History.Driver {
	case "none":
		return history.Nop{}, func() {}, nil
	case "postgres":
		sealer, err := vault.NewSealerFromString(cfg.Vault.MasterKey())
		if err != nil {
			return nil, nil, fmt.Errorf("vault key: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.History.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return history.NewPostgres(pool, sealer), pool.Close, nil
	default:
		return history.NewMemory(cfg.History.Capacity), func() {}, nil
	}
}

func redisClient(cfg config.Redis) (*redis.Client, error) {
	if url := os.Getenv("REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func printBanner(service string, logger *slog.Logger) {
	logger.Info(fmt.Sprintf("BrandPulse %s Service", service),
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
