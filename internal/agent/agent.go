// Package agent runs one worker process: it subscribes to the task topic of
// its worker type, executes task kinds through registered handlers with a
// concurrency bound and per-task timeout, and reports status, results,
// errors and learning signals back to the orchestrator over the bus.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/retry"
)

// ErrStopping is returned to the bus for requests that arrive while the host
// is shutting down, so they are redelivered or reclaimed by the ack timeout.
var ErrStopping = errors.New("agent: host stopping")

// Handler executes one task kind. Validate runs before Execute and its
// failures are reported as non-retryable handler errors.
type Handler interface {
	Kind() pipeline.TaskKind
	Validate(payload json.RawMessage) error
	Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error)
}

// LearningEmitter is implemented by handlers that surface a performance
// signal after a successful execution. The host forwards it as a
// LEARNING_UPDATE message.
type LearningEmitter interface {
	Learning(task *pipeline.Task, result json.RawMessage) (*bus.LearningUpdatePayload, bool)
}

const (
	DefaultHeartbeat   = 20 * time.Second
	DefaultConcurrency = 2
	DefaultTaskTimeout = 2 * time.Minute
)

// Config identifies the worker and tunes its execution envelope.
type Config struct {
	WorkerID string
	Type     pipeline.WorkerType
	// Heartbeat is the status update cadence. Must stay under the
	// orchestrator's ack timeout or accepted assignments are released.
	Heartbeat time.Duration
	// Concurrency caps tasks executing at once.
	Concurrency int
	// TaskTimeout bounds a single handler execution.
	TaskTimeout time.Duration
	// PublishRetry backs off result publishes. Zero value means the default
	// policy.
	PublishRetry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.PublishRetry.MaximumAttempts == 0 {
		c.PublishRetry = retry.DefaultPolicy()
	}
	return c
}

// Deps are the host's collaborators. Bus is required.
type Deps struct {
	Logger   *slog.Logger
	Bus      bus.Bus
	Sampler  HealthSampler
	Breakers *circuit.Registry
	Metrics  *metrics.Registry
}

type Host struct {
	cfg      Config
	logger   *slog.Logger
	bus      bus.Bus
	sampler  HealthSampler
	breakers *circuit.Registry
	metrics  *metrics.Registry

	// handlers is fixed after Start; register everything first.
	handlers map[pipeline.TaskKind]Handler

	sem    chan struct{}
	ackMu  sync.Mutex
	ackBuf []string

	active atomic.Int64
	done   atomic.Int64
	failed atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Host {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sampler := deps.Sampler
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = circuit.NewRegistry(circuit.DefaultConfig())
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Host{
		cfg:      cfg,
		logger:   logger.With(slog.String("worker_id", cfg.WorkerID)),
		bus:      deps.Bus,
		sampler:  sampler,
		breakers: breakers,
		metrics:  reg,
		handlers: make(map[pipeline.TaskKind]Handler),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Breakers exposes the collaborator breaker registry so handler wiring can
// share it with the host's health reporting.
func (h *Host) Breakers() *circuit.Registry {
	return h.breakers
}

// Register adds a handler. The kind must belong to the host's worker type.
// Not safe for concurrent use; register everything before Start.
func (h *Host) Register(handler Handler) error {
	owner, err := pipeline.KindOwner(handler.Kind())
	if err != nil {
		return err
	}
	if owner != h.cfg.Type {
		return fmt.Errorf("%w: kind %s belongs to %s, host is %s",
			pipeline.ErrKindMismatch, handler.Kind(), owner, h.cfg.Type)
	}
	if _, exists := h.handlers[handler.Kind()]; exists {
		return fmt.Errorf("agent: handler for %s already registered", handler.Kind())
	}
	h.handlers[handler.Kind()] = handler
	return nil
}

func (h *Host) MustRegister(handler Handler) {
	if err := h.Register(handler); err != nil {
		panic(err)
	}
}

// Start subscribes to the type topic, announces the worker online and begins
// the heartbeat loop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	if h.bus == nil {
		return errors.New("agent: bus is required")
	}
	if h.cfg.WorkerID == "" {
		return errors.New("agent: worker id is required")
	}
	if !h.cfg.Type.Valid() {
		return fmt.Errorf("%w: %q", pipeline.ErrUnknownWorkerType, h.cfg.Type)
	}
	if len(h.handlers) == 0 {
		return errors.New("agent: no handlers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	topic := bus.AgentTopic(h.cfg.Type)
	if err := h.bus.Subscribe(runCtx, topic, h.cfg.WorkerID, hostConsumerName(), h.handleRequest); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	h.running = true
	h.stopCh = make(chan struct{})

	h.sendStatus(runCtx, pipeline.WorkerOnline)

	h.wg.Add(1)
	go h.heartbeatLoop(runCtx)

	h.logger.Info("agent host started",
		slog.String("worker_type", string(h.cfg.Type)),
		slog.Int("concurrency", h.cfg.Concurrency),
		slog.Duration("heartbeat", h.cfg.Heartbeat))
	return nil
}

// Stop drains in-flight tasks, announces the worker offline and shuts the
// subscription down.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	h.wg.Wait()
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.sendStatus(ctx, pipeline.WorkerOffline)

	h.logger.Info("agent host stopped")
}

func (h *Host) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendStatus(ctx, pipeline.WorkerOnline)
		}
	}
}

// handleRequest accepts a task request addressed to this worker. Requests
// for other workers on the shared type topic are dropped quietly.
func (h *Host) handleRequest(ctx context.Context, env *bus.Envelope) error {
	if env.Target != h.cfg.WorkerID {
		return nil
	}
	if env.Type != bus.MessageTaskRequest {
		h.logger.Warn("unexpected message type on task topic", slog.String("type", string(env.Type)))
		return nil
	}
	var p bus.TaskRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		h.logger.Warn("malformed task request", slog.String("error", err.Error()))
		return nil
	}
	if p.Task == nil || p.Task.ID == "" {
		h.logger.Warn("task request without task")
		return nil
	}

	select {
	case h.sem <- struct{}{}:
	case <-h.stopCh:
		return ErrStopping
	case <-ctx.Done():
		return ctx.Err()
	}

	h.bufferAck(p.Task.ID)
	h.logger.Info("task accepted",
		slog.String("task_id", p.Task.ID),
		slog.String("kind", string(p.Task.Kind)))

	h.wg.Add(1)
	go h.execute(ctx, p.Task)
	return nil
}

func (h *Host) execute(ctx context.Context, task *pipeline.Task) {
	defer h.wg.Done()
	defer func() { <-h.sem }()

	h.metrics.Gauge("agent_active_tasks", nil).Set(float64(h.active.Add(1)))
	defer func() {
		h.metrics.Gauge("agent_active_tasks", nil).Set(float64(h.active.Add(-1)))
	}()

	started := time.Now()
	result, err := h.runHandler(ctx, task)
	durationMS := time.Since(started).Milliseconds()

	labels := metrics.Labels{"kind": string(task.Kind)}
	h.metrics.Histogram("agent_task_duration_ms", labels, metrics.DurationBuckets).Observe(float64(durationMS))

	if err != nil {
		h.failed.Add(1)
		h.metrics.Counter("agent_tasks_failed_total", labels).Inc()
		h.logger.Warn("task failed",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()))
		h.publishResult(ctx, bus.TaskResultPayload{
			TaskID:     task.ID,
			WorkerID:   h.cfg.WorkerID,
			Success:    false,
			Error:      err.Error(),
			DurationMS: durationMS,
		})
		return
	}

	h.done.Add(1)
	h.metrics.Counter("agent_tasks_completed_total", labels).Inc()
	h.logger.Info("task done",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int64("duration_ms", durationMS))
	h.publishResult(ctx, bus.TaskResultPayload{
		TaskID:     task.ID,
		WorkerID:   h.cfg.WorkerID,
		Success:    true,
		Result:     result,
		DurationMS: durationMS,
	})
	h.emitLearning(ctx, task, result)
}

// runHandler validates and executes the task, converting panics into errors
// so one bad handler cannot take the host down.
func (h *Host) runHandler(ctx context.Context, task *pipeline.Task) (result json.RawMessage, err error) {
	handler, ok := h.handlers[task.Kind]
	if !ok {
		h.reportError(ctx, task.ID, "unknown_kind", fmt.Sprintf("no handler for kind %s", task.Kind))
		return nil, fmt.Errorf("no handler for kind %s", task.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			h.logger.Error("handler panicked",
				slog.String("task_id", task.ID),
				slog.String("kind", string(task.Kind)),
				slog.Any("panic", r))
			h.reportError(ctx, task.ID, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if verr := handler.Validate(task.Payload); verr != nil {
		h.reportError(ctx, task.ID, "validation", verr.Error())
		return nil, fmt.Errorf("payload rejected: %w", verr)
	}
	execCtx, cancel := context.WithTimeout(ctx, h.cfg.TaskTimeout)
	defer cancel()
	return handler.Execute(execCtx, task)
}

func (h *Host) emitLearning(ctx context.Context, task *pipeline.Task, result json.RawMessage) {
	emitter, ok := h.handlers[task.Kind].(LearningEmitter)
	if !ok {
		return
	}
	p, ok := emitter.Learning(task, result)
	if !ok || p == nil {
		return
	}
	p.WorkerID = h.cfg.WorkerID
	env, err := bus.NewEnvelope(h.cfg.WorkerID, bus.TopicOrchestrator, bus.MessageLearningUpdate, p)
	if err != nil {
		h.logger.Warn("learning envelope build failed", slog.String("error", err.Error()))
		return
	}
	if err := h.bus.Publish(ctx, bus.TopicOrchestrator, env); err != nil {
		h.logger.Warn("learning publish failed", slog.String("error", err.Error()))
	}
}

// publishResult retries transient publish failures; a lost result costs the
// task its ack-timeout worth of latency, so it is worth a few attempts.
func (h *Host) publishResult(ctx context.Context, p bus.TaskResultPayload) {
	env, err := bus.NewEnvelope(h.cfg.WorkerID, bus.TopicOrchestrator, bus.MessageTaskResult, p)
	if err != nil {
		h.logger.Error("result envelope build failed",
			slog.String("task_id", p.TaskID),
			slog.String("error", err.Error()))
		return
	}
	err = h.cfg.PublishRetry.Do(ctx, "publish result", func() error {
		return h.bus.Publish(ctx, bus.TopicOrchestrator, env)
	})
	if err != nil {
		h.logger.Error("result lost",
			slog.String("task_id", p.TaskID),
			slog.String("error", err.Error()))
	}
}

func (h *Host) reportError(ctx context.Context, taskID, code, message string) {
	p := bus.ErrorReportPayload{
		WorkerID: h.cfg.WorkerID,
		TaskID:   taskID,
		Code:     code,
		Message:  message,
	}
	env, err := bus.NewEnvelope(h.cfg.WorkerID, bus.TopicOrchestrator, bus.MessageErrorReport, p)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, bus.TopicOrchestrator, env); err != nil {
		h.logger.Warn("error report publish failed", slog.String("error", err.Error()))
	}
}

// sendStatus publishes a status update carrying health, capabilities and
// accepted task acks. On publish failure the drained acks are restored so
// the next heartbeat retries them.
func (h *Host) sendStatus(ctx context.Context, status pipeline.WorkerStatus) {
	snap := h.sampler.Sample(Load{
		Active:      int(h.active.Load()),
		Concurrency: h.cfg.Concurrency,
		Completed:   int(h.done.Load()),
		Failed:      int(h.failed.Load()),
	})
	if h.breakers.AnyOpen() {
		snap.Healthy = false
	}
	accepted := h.drainAcks()

	p := bus.StatusUpdatePayload{
		WorkerID:        h.cfg.WorkerID,
		WorkerType:      h.cfg.Type,
		Status:          status,
		Capabilities:    h.capabilities(),
		Health:          &snap,
		AcceptedTaskIDs: accepted,
	}
	env, err := bus.NewEnvelope(h.cfg.WorkerID, bus.TopicOrchestrator, bus.MessageStatusUpdate, p)
	if err != nil {
		h.logger.Error("status envelope build failed", slog.String("error", err.Error()))
		h.restoreAcks(accepted)
		return
	}
	if err := h.bus.Publish(ctx, bus.TopicOrchestrator, env); err != nil {
		h.logger.Warn("status publish failed", slog.String("error", err.Error()))
		h.restoreAcks(accepted)
		return
	}
	h.metrics.Counter("agent_heartbeats_total", nil).Inc()
}

func (h *Host) capabilities() []pipeline.TaskKind {
	caps := make([]pipeline.TaskKind, 0, len(h.handlers))
	for _, k := range pipeline.Capabilities(h.cfg.Type) {
		if _, ok := h.handlers[k]; ok {
			caps = append(caps, k)
		}
	}
	return caps
}

func (h *Host) bufferAck(taskID string) {
	h.ackMu.Lock()
	h.ackBuf = append(h.ackBuf, taskID)
	h.ackMu.Unlock()
}

func (h *Host) drainAcks() []string {
	h.ackMu.Lock()
	defer h.ackMu.Unlock()
	out := h.ackBuf
	h.ackBuf = nil
	return out
}

func (h *Host) restoreAcks(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.ackMu.Lock()
	h.ackBuf = append(ids, h.ackBuf...)
	h.ackMu.Unlock()
}

func hostConsumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "agent"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
