// Package scheduler is the orchestrator core. A single goroutine owns the
// worker registry and the per-type task queues; every external input (worker
// status, task results, operator commands) arrives as an event on one bounded
// channel and is applied between ticks, so none of the owned state needs a
// lock. Each tick drains the event backlog and then runs dispatch, the stale
// sweep, ack-timeout release, orphan reassignment and retention cleanup in a
// fixed order.
package scheduler

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

	"golang.org/x/time/rate"

	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/kvstore"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/registry"
	"github.com/brandpulse/engine/internal/workflow"
)

// ErrEventQueueFull is returned when the inbound event buffer is saturated.
// Bus handlers propagate it so the broker redelivers the message later.
var ErrEventQueueFull = errors.New("scheduler: event queue full")

const (
	DefaultTickInterval        = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultStaleAfter          = 120 * time.Second
	DefaultAckTimeout          = 30 * time.Second
	DefaultRetention           = 24 * time.Hour
	DefaultMaxTasksPerWorker   = 1
	DefaultDispatchRate        = 50.0
	DefaultDispatchBurst       = 10
	DefaultEventBuffer         = 1024
	DefaultFeedBuffer          = 256
	DefaultRollupInterval      = time.Minute
	DefaultReportLogSize       = 100

	// SnapshotKey is where the registry snapshot lives in the durable store.
	SnapshotKey = "registry/workers"

	persistTimeout = 5 * time.Second
)

// Config tunes the scheduling loop. The zero value is usable; New fills in
// the defaults above.
type Config struct {
	// TickInterval is the cadence of the scheduling loop.
	TickInterval time.Duration
	// HealthCheckInterval bounds how old a worker's last status update may
	// be for the worker to receive new work.
	HealthCheckInterval time.Duration
	// StaleAfter is how long a silent worker stays online before the sweep
	// flips it offline and releases its assignments.
	StaleAfter time.Duration
	// AckTimeout bounds how long a dispatched task may sit unacknowledged
	// before it returns to pending.
	AckTimeout time.Duration
	// Retention is how long terminal tasks are kept in the queues.
	Retention time.Duration
	// MaxRetained caps the completed and failed buckets per queue.
	MaxRetained int
	// MaxTasksPerWorker caps concurrent assignments per worker.
	MaxTasksPerWorker int
	// DispatchRate and DispatchBurst feed the per-type rate limiter.
	DispatchRate  float64
	DispatchBurst int
	// EventBuffer sizes the inbound event channel.
	EventBuffer int
	// FeedBuffer sizes the admin event feed.
	FeedBuffer int
	// RollupInterval is how often task aggregates are flushed to history.
	RollupInterval time.Duration
	// ReportLogSize caps retained error/learning reports per worker.
	ReportLogSize int
	// SnapshotKey overrides the registry persistence key.
	SnapshotKey string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = queue.DefaultMaxRetained
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = DefaultMaxTasksPerWorker
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = DefaultDispatchRate
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = DefaultDispatchBurst
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = DefaultFeedBuffer
	}
	if c.RollupInterval <= 0 {
		c.RollupInterval = DefaultRollupInterval
	}
	if c.ReportLogSize <= 0 {
		c.ReportLogSize = DefaultReportLogSize
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = SnapshotKey
	}
	return c
}

// Deps are the scheduler's collaborators. Bus is required; everything else
// falls back to an in-process default.
type Deps struct {
	Logger   *slog.Logger
	Bus      bus.Bus
	Flow     *workflow.Engine
	Store    kvstore.Store
	Recorder history.Recorder
	Metrics  *metrics.Registry
}

type eventKind int

const (
	eventStatus eventKind = iota
	eventResult
	eventErrorReport
	eventLearning
	eventSubmit
	eventCancel
	eventRemoveWorker
)

// event is one unit of external input. at is stamped on receipt so that the
// apply step uses arrival time, not tick time.
type event struct {
	kind     eventKind
	at       time.Time
	status   *bus.StatusUpdatePayload
	result   *bus.TaskResultPayload
	report   *bus.ErrorReportPayload
	learning *bus.LearningUpdatePayload
	task     *pipeline.Task
	id       string
}

// AggregateKey identifies one per-type, per-kind result series.
type AggregateKey struct {
	Type pipeline.WorkerType
	Kind pipeline.TaskKind
}

func (k AggregateKey) String() string {
	return string(k.Type) + "/" + string(k.Kind)
}

// Aggregate accumulates task results since startup.
type Aggregate struct {
	Count           int64 `json:"count"`
	SuccessCount    int64 `json:"success_count"`
	FailureCount    int64 `json:"failure_count"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	bus      bus.Bus
	flow     *workflow.Engine
	store    kvstore.Store
	recorder history.Recorder
	metrics  *metrics.Registry

	registry *registry.Registry
	queues   *queue.Set
	limiters map[pipeline.WorkerType]*rate.Limiter

	events chan event
	feed   chan AdminEvent

	aggregates map[AggregateKey]*Aggregate
	flushed    map[AggregateKey]Aggregate
	lastRollup time.Time

	errorLog    *reportLog
	learningLog *reportLog

	view atomic.Pointer[View]

	snapshotDirty   bool
	persistInFlight atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flow := deps.Flow
	if flow == nil {
		flow = workflow.NewEngine(logger, workflow.Options{})
	}
	store := deps.Store
	if store == nil {
		store = kvstore.NewMemory()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = history.Nop{}
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	limiters := make(map[pipeline.WorkerType]*rate.Limiter)
	for _, t := range pipeline.WorkerTypes() {
		limiters[t] = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}

	s := &Scheduler{
		cfg:         cfg,
		logger:      logger,
		bus:         deps.Bus,
		flow:        flow,
		store:       store,
		recorder:    recorder,
		metrics:     reg,
		registry:    registry.New(logger),
		queues:      queue.NewSetWithRetention(logger, cfg.MaxRetained),
		limiters:    limiters,
		events:      make(chan event, cfg.EventBuffer),
		feed:        make(chan AdminEvent, cfg.FeedBuffer),
		aggregates:  make(map[AggregateKey]*Aggregate),
		flushed:     make(map[AggregateKey]Aggregate),
		errorLog:    newReportLog(cfg.ReportLogSize),
		learningLog: newReportLog(cfg.ReportLogSize),
	}
	s.view.Store(&View{GeneratedAt: time.Now().UTC()})
	return s
}

// Start rehydrates the registry, subscribes to the orchestrator topic and
// launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.bus == nil {
		return errors.New("scheduler: bus is required")
	}

	s.rehydrate(ctx)

	if err := s.bus.Subscribe(ctx, bus.TopicOrchestrator, "orchestrator", consumerName(), s.handleEnvelope); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicOrchestrator, err)
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.Duration("ack_timeout", s.cfg.AckTimeout),
		slog.Int("max_tasks_per_worker", s.cfg.MaxTasksPerWorker))
	return nil
}

// Stop halts the loop, waits for in-flight persistence and closes the admin
// feed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	close(s.feed)
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// The loop is the only caller of Tick, so ticks never overlap.
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// handleEnvelope turns a bus message into an event. Malformed payloads are
// logged and dropped; a full event queue is reported back to the bus so the
// message is redelivered.
func (s *Scheduler) handleEnvelope(_ context.Context, env *bus.Envelope) error {
	ev := event{at: time.Now().UTC()}
	switch env.Type {
	case bus.MessageStatusUpdate:
		var p bus.StatusUpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			s.dropEnvelope(env, err)
			return nil
		}
		ev.kind, ev.status = eventStatus, &p
	case bus.MessageTaskResult:
		var p bus.TaskResultPayload
		if err := env.DecodePayload(&p); err != nil {
			s.dropEnvelope(env, err)
			return nil
		}
		ev.kind, ev.result = eventResult, &p
	case bus.MessageErrorReport:
		var p bus.ErrorReportPayload
		if err := env.DecodePayload(&p); err != nil {
			s.dropEnvelope(env, err)
			return nil
		}
		ev.kind, ev.report = eventErrorReport, &p
	case bus.MessageLearningUpdate:
		var p bus.LearningUpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			s.dropEnvelope(env, err)
			return nil
		}
		ev.kind, ev.learning = eventLearning, &p
	default:
		s.logger.Warn("unexpected message type on orchestrator topic",
			slog.String("type", string(env.Type)),
			slog.String("source", env.Source))
		return nil
	}
	return s.offer(ev)
}

func (s *Scheduler) dropEnvelope(env *bus.Envelope, err error) {
	s.metrics.Counter("orchestrator_envelopes_dropped_total", nil).Inc()
	s.logger.Warn("dropping malformed envelope",
		slog.String("type", string(env.Type)),
		slog.String("source", env.Source),
		slog.String("error", err.Error()))
}

func (s *Scheduler) offer(ev event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		s.metrics.Counter("orchestrator_events_dropped_total", nil).Inc()
		s.logger.Warn("inbound event queue full", slog.Int("capacity", cap(s.events)))
		return ErrEventQueueFull
	}
}

// Submit queues a task for dispatch on the next tick.
func (s *Scheduler) Submit(task *pipeline.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("scheduler: task id required")
	}
	owner, err := pipeline.KindOwner(task.Kind)
	if err != nil {
		return err
	}
	if task.Type != owner {
		return fmt.Errorf("%w: kind %s belongs to %s, task says %s",
			pipeline.ErrKindMismatch, task.Kind, owner, task.Type)
	}
	return s.offer(event{kind: eventSubmit, at: time.Now().UTC(), task: task})
}

// Cancel requests cancellation of a pending or processing task.
func (s *Scheduler) Cancel(taskID string) error {
	if taskID == "" {
		return errors.New("scheduler: task id required")
	}
	return s.offer(event{kind: eventCancel, at: time.Now().UTC(), id: taskID})
}

// RemoveWorker deregisters a worker and releases its assignments.
func (s *Scheduler) RemoveWorker(workerID string) error {
	if workerID == "" {
		return errors.New("scheduler: worker id required")
	}
	return s.offer(event{kind: eventRemoveWorker, at: time.Now().UTC(), id: workerID})
}

func (s *Scheduler) rehydrate(ctx context.Context) {
	raw, err := s.store.Get(ctx, s.cfg.SnapshotKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("registry rehydration failed, starting empty",
				slog.String("error", err.Error()))
		}
		return
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("registry snapshot corrupt, starting empty",
			slog.String("error", err.Error()))
		return
	}
	s.registry.Restore(snap)
	s.logger.Info("registry rehydrated",
		slog.Int("workers", len(snap.Workers)),
		slog.Time("saved_at", snap.SavedAt))
}

// persistRegistry writes the registry snapshot off the tick goroutine. Writes
// coalesce: while one is in flight the dirty flag stays set and the next tick
// retries.
func (s *Scheduler) persistRegistry(now time.Time) {
	if !s.snapshotDirty {
		return
	}
	if !s.persistInFlight.CompareAndSwap(false, true) {
		return
	}
	raw, err := json.Marshal(s.registry.Snapshot(now))
	if err != nil {
		s.persistInFlight.Store(false)
		s.logger.Warn("registry snapshot marshal failed", slog.String("error", err.Error()))
		return
	}
	s.snapshotDirty = false
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.persistInFlight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.Put(ctx, s.cfg.SnapshotKey, raw); err != nil {
			s.logger.Warn("registry persistence failed, continuing in memory",
				slog.String("error", err.Error()))
		}
	}()
}

// recordHistory writes one task record without blocking the tick.
func (s *Scheduler) recordHistory(rec history.TaskRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.recorder.RecordTask(ctx, rec); err != nil {
			s.logger.Warn("history record failed",
				slog.String("task_id", rec.TaskID),
				slog.String("error", err.Error()))
		}
	}()
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "orchestrator"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
