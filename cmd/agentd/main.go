package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brandpulse/engine/internal/agent"
	"github.com/brandpulse/engine/internal/agent/handlers"
	"github.com/brandpulse/engine/internal/agent/local"
	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/config"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", getEnv("ENGINE_CONFIG", ""), "YAML config file")
		workerType = flag.String("type", getEnv("WORKER_TYPE", ""), "worker type (feed_monitor, content_generator, quality_control, publisher, learning)")
		workerID   = flag.String("id", getEnv("WORKER_ID", ""), "worker id (generated when empty)")
		httpPort   = flag.Int("http-port", getEnvInt("AGENT_HTTP_PORT", 0), "health endpoint port (0 disables)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	printBanner("Agent", logger)

	typ := pipeline.WorkerType(*workerType)
	if !typ.Valid() {
		return fmt.Errorf("unknown worker type %q", *workerType)
	}
	id := *workerID
	if id == "" {
		id = fmt.Sprintf("%s-%s", typ, uuid.NewString()[:8])
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bus.Driver == "memory" {
		logger.Warn("memory bus is process-local; this agent cannot reach an orchestrator in another process")
	}

	msgBus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	defer msgBus.Close()

	host := agent.New(agent.Config{
		WorkerID:    id,
		Type:        typ,
		Heartbeat:   cfg.Agent.Heartbeat.Std(),
		Concurrency: cfg.Agent.Concurrency,
		TaskTimeout: cfg.Agent.TaskTimeout.Std(),
	}, agent.Deps{
		Logger: logger,
		Bus:    msgBus,
		Sampler: agent.RuntimeSampler{
			MemoryBudgetBytes: uint64(cfg.Agent.MemoryBudgetMB) << 20,
		},
		Metrics: metrics.NewRegistry(),
	})

	registerHandlers(host, typ, logger)

	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent host: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		host.Stop()
		cancel()
	}()

	if *httpPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
			})

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", *httpPort),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			logger.Info("starting health server", slog.Int("port", *httpPort))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", slog.String("error", err.Error()))
				cancel()
			}
		}()
	}

	logger.Info("agent running",
		slog.String("worker_id", id),
		slog.String("worker_type", string(typ)),
		slog.Int("concurrency", cfg.Agent.Concurrency),
	)

	<-ctx.Done()
	logger.Info("agent stopped")
	return nil
}

// registerHandlers wires the task kinds a worker type serves, backed by the
// local collaborator implementations. Each collaborator gets its own named
// breaker so the host's health reporting can see a stuck dependency.
func registerHandlers(h *agent.Host, typ pipeline.WorkerType, logger *slog.Logger) {
	breakers := h.Breakers()
	switch typ {
	case pipeline.TypeFeedMonitor:
		feed := local.NewFeed()
		h.MustRegister(handlers.NewFeedCheckHandler(feed, breakers.Get("feed"), logger))
		h.MustRegister(handlers.NewTrendScanHandler(feed, breakers.Get("trends"), logger))
	case pipeline.TypeContentGenerator:
		model := local.NewComposer()
		h.MustRegister(handlers.NewGeneratePostHandler(model, breakers.Get("model"), logger))
		h.MustRegister(handlers.NewGenerateVariantsHandler(model, breakers.Get("model"), logger))
	case pipeline.TypeQualityControl:
		h.MustRegister(handlers.NewQualityCheckHandler(local.NewScorer(), breakers.Get("scorer"), logger))
	case pipeline.TypePublisher:
		h.MustRegister(handlers.NewPublishPostHandler(local.NewConsole(logger), breakers.Get("platform"), logger))
	case pipeline.TypeLearning:
		h.MustRegister(handlers.NewLearningSyncHandler(local.NewEngagement(), breakers.Get("engagement"), logger))
	}
}

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

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
