package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/registry"
)

// Tick runs one full scheduling pass: drain the event backlog, dispatch
// pending work, sweep stale workers, release unacknowledged and orphaned
// assignments, purge expired tasks, flush rollups and refresh the read view.
// Exported so tests can drive the scheduler deterministically; the run loop
// is its only concurrent caller and never overlaps invocations.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	start := time.Now()

	s.drainEvents(now)
	s.dispatch(ctx, now)

	for _, w := range s.registry.SweepStale(now, s.cfg.StaleAfter) {
		s.releaseWorkerTasks(w.ID, w.Type, "stale worker", now)
		s.emit(AdminEvent{Type: EventWorkerOffline, At: now, WorkerID: w.ID, WorkerType: w.Type})
		s.snapshotDirty = true
	}
	s.releaseOverdue(now)
	s.reassignOrphaned(now)

	if purged := s.queues.PurgeExpired(now, s.cfg.Retention); purged > 0 {
		s.logger.Debug("purged expired tasks", slog.Int("count", purged))
	}

	s.flushRollups(now)
	s.persistRegistry(now)
	s.refreshView(now)

	s.metrics.Histogram("orchestrator_tick_duration_ms", nil, metrics.DurationBuckets).
		ObserveDuration(time.Since(start))
}

func (s *Scheduler) drainEvents(now time.Time) {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev, now)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(ev event, now time.Time) {
	at := ev.at
	if at.IsZero() {
		at = now
	}
	switch ev.kind {
	case eventStatus:
		s.applyStatus(ev.status, at)
	case eventResult:
		s.applyResult(ev.result, at)
	case eventErrorReport:
		s.applyErrorReport(ev.report, at)
	case eventLearning:
		s.applyLearning(ev.learning, at)
	case eventSubmit:
		s.enqueueTask(ev.task, at)
	case eventCancel:
		s.applyCancel(ev.id, at)
	case eventRemoveWorker:
		s.applyRemoveWorker(ev.id, at)
	}
}

// applyStatus upserts the worker, settles acks and handles explicit offline
// transitions. Unknown workers register on first contact.
func (s *Scheduler) applyStatus(p *bus.StatusUpdatePayload, at time.Time) {
	prev, existed := s.registry.Get(p.WorkerID)
	var prevStatus pipeline.WorkerStatus
	if existed {
		prevStatus = prev.Status
	}

	w, err := s.registry.RecordStatus(p.WorkerID, p.WorkerType, p.Status, p.Capabilities, at)
	if err != nil {
		s.logger.Warn("rejecting status update",
			slog.String("worker_id", p.WorkerID),
			slog.String("worker_type", string(p.WorkerType)),
			slog.String("error", err.Error()))
		return
	}
	if p.Health != nil {
		if err := s.registry.RecordHealth(p.WorkerID, *p.Health, at); err != nil {
			s.logger.Warn("health update rejected",
				slog.String("worker_id", p.WorkerID),
				slog.String("error", err.Error()))
		}
	}

	q := s.queues.ForType(w.Type)
	for _, id := range p.AcceptedTaskIDs {
		if !q.Ack(id) {
			s.logger.Debug("ack for unknown assignment",
				slog.String("task_id", id),
				slog.String("worker_id", w.ID))
		}
	}

	switch {
	case w.Status == pipeline.WorkerOnline && (!existed || prevStatus != pipeline.WorkerOnline):
		s.logger.Info("worker online",
			slog.String("worker_id", w.ID),
			slog.String("worker_type", string(w.Type)))
		s.emit(AdminEvent{Type: EventWorkerOnline, At: at, WorkerID: w.ID, WorkerType: w.Type})
	case w.Status == pipeline.WorkerOffline:
		if existed && prevStatus == pipeline.WorkerOnline {
			s.logger.Info("worker offline",
				slog.String("worker_id", w.ID),
				slog.String("worker_type", string(w.Type)))
			s.emit(AdminEvent{Type: EventWorkerOffline, At: at, WorkerID: w.ID, WorkerType: w.Type})
		}
		s.releaseWorkerTasks(w.ID, w.Type, "worker reported offline", at)
	}
	s.snapshotDirty = true
}

// applyResult settles one task outcome. Results for tasks that are no longer
// processing are dropped: cancelled quietly, anything else with a warning.
// When the reporting worker differs from the recorded assignee the first
// result still wins; the mismatch is only logged.
func (s *Scheduler) applyResult(p *bus.TaskResultPayload, at time.Time) {
	var (
		q *queue.TypedQueue
		a *queue.Assignment
	)
	for _, t := range pipeline.WorkerTypes() {
		tq := s.queues.ForType(t)
		if found, ok := tq.Assignment(p.TaskID); ok {
			q, a = tq, found
			break
		}
	}
	if a == nil {
		s.discardResult(p, at)
		return
	}
	if a.WorkerID != p.WorkerID {
		s.logger.Warn("result from unexpected worker",
			slog.String("task_id", p.TaskID),
			slog.String("assigned_to", a.WorkerID),
			slog.String("reported_by", p.WorkerID))
	}

	if p.Success {
		task, err := q.Complete(p.TaskID, p.Result, at)
		if err != nil {
			s.logger.Warn("complete failed", slog.String("task_id", p.TaskID), slog.String("error", err.Error()))
			return
		}
		s.logger.Info("task completed",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.String("worker_id", p.WorkerID),
			slog.Int64("duration_ms", p.DurationMS))
		s.metrics.Counter("orchestrator_tasks_completed_total", taskLabels(task)).Inc()
		s.metrics.Histogram("orchestrator_task_duration_ms", taskLabels(task), metrics.DurationBuckets).
			Observe(float64(p.DurationMS))
		s.bumpAggregate(task.Type, task.Kind, true, p.DurationMS)
		s.recordHistory(history.NewTaskRecord(task, p.WorkerID, p.DurationMS))
		s.emit(AdminEvent{Type: EventTaskCompleted, At: at, TaskID: task.ID, Kind: task.Kind, WorkerType: task.Type, WorkerID: p.WorkerID})

		for _, next := range s.flow.Continue(task, p.Result) {
			s.enqueueTask(next, at)
		}
		return
	}

	task, requeued, err := q.Fail(p.TaskID, p.Error, at)
	if err != nil {
		s.logger.Warn("fail failed", slog.String("task_id", p.TaskID), slog.String("error", err.Error()))
		return
	}
	if requeued {
		s.logger.Info("task retrying",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.Int("retry_count", task.RetryCount),
			slog.String("error", p.Error))
		s.metrics.Counter("orchestrator_tasks_retried_total", taskLabels(task)).Inc()
		s.emit(AdminEvent{Type: EventTaskRetried, At: at, TaskID: task.ID, Kind: task.Kind, WorkerType: task.Type, WorkerID: p.WorkerID})
		return
	}
	s.logger.Warn("task failed permanently",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("retry_count", task.RetryCount),
		slog.String("error", p.Error))
	s.metrics.Counter("orchestrator_tasks_failed_total", taskLabels(task)).Inc()
	s.bumpAggregate(task.Type, task.Kind, false, p.DurationMS)
	s.recordHistory(history.NewTaskRecord(task, p.WorkerID, p.DurationMS))
	s.emit(AdminEvent{Type: EventTaskFailed, At: at, TaskID: task.ID, Kind: task.Kind, WorkerType: task.Type, WorkerID: p.WorkerID})
}

func (s *Scheduler) discardResult(p *bus.TaskResultPayload, at time.Time) {
	for _, t := range pipeline.WorkerTypes() {
		if s.queues.ForType(t).IsCancelled(p.TaskID) {
			s.logger.Debug("dropping result for cancelled task",
				slog.String("task_id", p.TaskID),
				slog.String("worker_id", p.WorkerID))
			s.metrics.Counter("orchestrator_results_discarded_total", metrics.Labels{"reason": "cancelled"}).Inc()
			return
		}
	}
	s.logger.Warn("dropping result for unknown task",
		slog.String("task_id", p.TaskID),
		slog.String("worker_id", p.WorkerID))
	s.metrics.Counter("orchestrator_results_discarded_total", metrics.Labels{"reason": "unknown"}).Inc()
	s.emit(AdminEvent{Type: EventResultDiscarded, At: at, TaskID: p.TaskID, WorkerID: p.WorkerID})
}

func (s *Scheduler) applyErrorReport(p *bus.ErrorReportPayload, at time.Time) {
	s.errorLog.append(p.WorkerID, ReportEntry{
		At:       at,
		WorkerID: p.WorkerID,
		TaskID:   p.TaskID,
		Code:     p.Code,
		Message:  p.Message,
	})
	s.metrics.Counter("orchestrator_error_reports_total", nil).Inc()
	s.logger.Warn("worker error report",
		slog.String("worker_id", p.WorkerID),
		slog.String("task_id", p.TaskID),
		slog.String("code", p.Code),
		slog.String("message", p.Message))
}

func (s *Scheduler) applyLearning(p *bus.LearningUpdatePayload, at time.Time) {
	s.learningLog.append(p.WorkerID, ReportEntry{
		At:       at,
		WorkerID: p.WorkerID,
		Signal:   p.Signal,
		Data:     p.Data,
	})
	s.metrics.Counter("orchestrator_learning_updates_total", nil).Inc()
	s.logger.Debug("learning update recorded",
		slog.String("worker_id", p.WorkerID),
		slog.String("signal", p.Signal))
}

// enqueueTask admits a task to its type queue. Used for operator submissions
// and workflow continuations alike.
func (s *Scheduler) enqueueTask(task *pipeline.Task, at time.Time) {
	if err := s.queues.Enqueue(task); err != nil {
		s.logger.Warn("enqueue refused",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("priority", string(task.Priority)))
	s.metrics.Counter("orchestrator_tasks_enqueued_total", taskLabels(task)).Inc()
	s.emit(AdminEvent{Type: EventTaskEnqueued, At: at, TaskID: task.ID, Kind: task.Kind, WorkerType: task.Type})
}

func (s *Scheduler) applyCancel(taskID string, at time.Time) {
	for _, t := range pipeline.WorkerTypes() {
		q := s.queues.ForType(t)
		switch q.Cancel(taskID, at) {
		case queue.CancelledPending:
			s.logger.Info("pending task cancelled", slog.String("task_id", taskID))
			s.metrics.Counter("orchestrator_tasks_cancelled_total", metrics.Labels{"worker_type": string(t)}).Inc()
			s.emit(AdminEvent{Type: EventTaskCancelled, At: at, TaskID: taskID, WorkerType: t})
			return
		case queue.CancelledProcessing:
			s.logger.Info("processing task cancelled, late result will be dropped",
				slog.String("task_id", taskID))
			s.metrics.Counter("orchestrator_tasks_cancelled_total", metrics.Labels{"worker_type": string(t)}).Inc()
			s.emit(AdminEvent{Type: EventTaskCancelled, At: at, TaskID: taskID, WorkerType: t})
			return
		}
	}
	s.logger.Warn("cancel for unknown task", slog.String("task_id", taskID))
}

func (s *Scheduler) applyRemoveWorker(workerID string, at time.Time) {
	w, ok := s.registry.Get(workerID)
	if !ok {
		s.logger.Warn("remove for unknown worker", slog.String("worker_id", workerID))
		return
	}
	s.releaseWorkerTasks(workerID, w.Type, "worker removed", at)
	if err := s.registry.Remove(workerID); err != nil {
		s.logger.Warn("worker removal failed",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()))
		return
	}
	s.snapshotDirty = true
	s.logger.Info("worker removed",
		slog.String("worker_id", workerID),
		slog.String("worker_type", string(w.Type)))
	s.emit(AdminEvent{Type: EventWorkerRemoved, At: at, WorkerID: workerID, WorkerType: w.Type})
}

// dispatch hands pending tasks to the best eligible worker per type until
// capacity, eligibility or the rate limiter stops it.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	for _, t := range pipeline.WorkerTypes() {
		q := s.queues.ForType(t)
		if q.Depths().Pending == 0 {
			continue
		}
		available := s.registry.ListAvailable(t, now, s.cfg.HealthCheckInterval)
		if len(available) == 0 {
			continue
		}
		limiter := s.limiters[t]
		for q.Depths().Pending > 0 {
			best := s.pickWorker(q, available)
			if best == nil {
				break
			}
			if !limiter.Allow() {
				s.logger.Debug("dispatch rate limited", slog.String("worker_type", string(t)))
				break
			}
			a := q.AssignNext(best.ID, now, now.Add(s.cfg.AckTimeout))
			if a == nil {
				break
			}
			s.sendAssignment(ctx, q, a, t, now)
		}
	}
}

// pickWorker returns the highest-scoring available worker with spare
// capacity. available preserves registration order and the strict comparison
// keeps the earliest-registered worker on score ties, so selection is
// reproducible.
func (s *Scheduler) pickWorker(q *queue.TypedQueue, available []*registry.Worker) *registry.Worker {
	var best *registry.Worker
	bestScore := -1.0
	for _, w := range available {
		if q.ProcessingCountFor(w.ID) >= s.cfg.MaxTasksPerWorker {
			continue
		}
		if score := registry.Score(w.Health); score > bestScore {
			best, bestScore = w, score
		}
	}
	return best
}

func (s *Scheduler) sendAssignment(ctx context.Context, q *queue.TypedQueue, a *queue.Assignment, t pipeline.WorkerType, now time.Time) {
	env, err := bus.NewEnvelope(bus.TopicOrchestrator, a.WorkerID, bus.MessageTaskRequest, bus.TaskRequestPayload{Task: a.Task})
	if err != nil {
		s.logger.Error("assignment envelope build failed",
			slog.String("task_id", a.Task.ID),
			slog.String("error", err.Error()))
		q.Release(a.Task.ID)
		return
	}
	env.Priority = a.Task.Priority
	env.RequiresAck = true
	env.TimeoutMS = s.cfg.AckTimeout.Milliseconds()

	if err := s.bus.Publish(ctx, bus.AgentTopic(t), env); err != nil {
		// Leave the assignment in processing: if the worker never saw it the
		// ack deadline returns it to pending without charging a retry.
		s.logger.Warn("task request publish failed",
			slog.String("task_id", a.Task.ID),
			slog.String("worker_id", a.WorkerID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("task assigned",
		slog.String("task_id", a.Task.ID),
		slog.String("kind", string(a.Task.Kind)),
		slog.String("worker_id", a.WorkerID),
		slog.String("priority", string(a.Task.Priority)))
	s.metrics.Counter("orchestrator_tasks_dispatched_total", metrics.Labels{"worker_type": string(t)}).Inc()
	s.emit(AdminEvent{Type: EventTaskAssigned, At: now, TaskID: a.Task.ID, Kind: a.Task.Kind, WorkerType: t, WorkerID: a.WorkerID})
}

// releaseWorkerTasks returns every assignment of one worker to pending
// without charging retries.
func (s *Scheduler) releaseWorkerTasks(workerID string, t pipeline.WorkerType, reason string, at time.Time) {
	q := s.queues.ForType(t)
	for _, a := range q.AssignmentsFor(workerID) {
		if _, err := q.Release(a.Task.ID); err != nil {
			continue
		}
		s.logger.Info("assignment released",
			slog.String("task_id", a.Task.ID),
			slog.String("worker_id", workerID),
			slog.String("reason", reason))
		s.metrics.Counter("orchestrator_tasks_released_total", metrics.Labels{"worker_type": string(t)}).Inc()
		s.emit(AdminEvent{Type: EventTaskReleased, At: at, TaskID: a.Task.ID, Kind: a.Task.Kind, WorkerType: t, WorkerID: workerID, Detail: reason})
	}
}

// releaseOverdue returns assignments whose ack deadline passed without the
// worker confirming receipt.
func (s *Scheduler) releaseOverdue(now time.Time) {
	for _, t := range pipeline.WorkerTypes() {
		q := s.queues.ForType(t)
		for _, a := range q.Overdue(now) {
			if _, err := q.Release(a.Task.ID); err != nil {
				continue
			}
			s.logger.Warn("assignment never acknowledged",
				slog.String("task_id", a.Task.ID),
				slog.String("worker_id", a.WorkerID),
				slog.Time("deadline", a.AckDeadline))
			s.metrics.Counter("orchestrator_tasks_released_total", metrics.Labels{"worker_type": string(t)}).Inc()
			s.emit(AdminEvent{Type: EventTaskReleased, At: now, TaskID: a.Task.ID, Kind: a.Task.Kind, WorkerType: t, WorkerID: a.WorkerID, Detail: "ack timeout"})
		}
	}
}

// reassignOrphaned is the safety net behind the explicit release paths: any
// assignment whose worker is gone or offline goes back to pending.
func (s *Scheduler) reassignOrphaned(now time.Time) {
	for _, t := range pipeline.WorkerTypes() {
		q := s.queues.ForType(t)
		for _, a := range q.Assignments() {
			w, ok := s.registry.Get(a.WorkerID)
			if ok && w.Status == pipeline.WorkerOnline {
				continue
			}
			if _, err := q.Release(a.Task.ID); err != nil {
				continue
			}
			s.logger.Info("assignment released",
				slog.String("task_id", a.Task.ID),
				slog.String("worker_id", a.WorkerID),
				slog.String("reason", "worker unavailable"))
			s.metrics.Counter("orchestrator_tasks_released_total", metrics.Labels{"worker_type": string(t)}).Inc()
			s.emit(AdminEvent{Type: EventTaskReleased, At: now, TaskID: a.Task.ID, Kind: a.Task.Kind, WorkerType: t, WorkerID: a.WorkerID, Detail: "worker unavailable"})
		}
	}
}

func (s *Scheduler) bumpAggregate(t pipeline.WorkerType, k pipeline.TaskKind, success bool, durationMS int64) {
	key := AggregateKey{Type: t, Kind: k}
	agg := s.aggregates[key]
	if agg == nil {
		agg = &Aggregate{}
		s.aggregates[key] = agg
	}
	agg.Count++
	agg.TotalDurationMS += durationMS
	if success {
		agg.SuccessCount++
	} else {
		agg.FailureCount++
	}
}

// flushRollups writes the delta since the previous flush as one rollup batch.
func (s *Scheduler) flushRollups(now time.Time) {
	if !s.lastRollup.IsZero() && now.Sub(s.lastRollup) < s.cfg.RollupInterval {
		return
	}
	s.lastRollup = now

	bucket := now.Truncate(s.cfg.RollupInterval)
	var rollups []history.MetricRollup
	for key, agg := range s.aggregates {
		prev := s.flushed[key]
		count := agg.Count - prev.Count
		if count == 0 {
			continue
		}
		rollups = append(rollups, history.MetricRollup{
			Bucket:        bucket,
			WorkerType:    key.Type,
			Kind:          key.Kind,
			Completed:     agg.SuccessCount - prev.SuccessCount,
			Failed:        agg.FailureCount - prev.FailureCount,
			AvgDurationMS: float64(agg.TotalDurationMS-prev.TotalDurationMS) / float64(count),
		})
		s.flushed[key] = *agg
	}
	if len(rollups) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.recorder.RecordMetrics(ctx, rollups); err != nil {
			s.logger.Warn("rollup flush failed",
				slog.Int("rollups", len(rollups)),
				slog.String("error", err.Error()))
		}
	}()
}

func taskLabels(task *pipeline.Task) metrics.Labels {
	return metrics.Labels{
		"worker_type": string(task.Type),
		"kind":        string(task.Kind),
	}
}
