package registry

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func healthySnapshot() pipeline.HealthSnapshot {
	return pipeline.HealthSnapshot{
		CPUUsage:    10,
		MemoryUsage: 0.2,
		Healthy:     true,
	}
}

func TestRecordStatusRegistersOnFirstContact(t *testing.T) {
	r := New(nil)
	w, err := r.RecordStatus("w1", pipeline.TypePublisher, pipeline.WorkerOnline, pipeline.Capabilities(pipeline.TypePublisher), t0)
	if err != nil {
		t.Fatalf("RecordStatus() error = %v", err)
	}
	if w.RegisteredAt != t0 {
		t.Errorf("registered_at = %v, want %v", w.RegisteredAt, t0)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	// Second announcement is an update, not a duplicate registration.
	later := t0.Add(time.Minute)
	w2, err := r.RecordStatus("w1", pipeline.TypePublisher, pipeline.WorkerOnline, nil, later)
	if err != nil {
		t.Fatalf("RecordStatus() error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() after re-announce = %d, want 1", r.Len())
	}
	if w2.LastSeen != later {
		t.Errorf("last_seen = %v, want %v", w2.LastSeen, later)
	}
	if w2.RegisteredAt != t0 {
		t.Errorf("registered_at changed on update: %v", w2.RegisteredAt)
	}
}

func TestRecordStatusRejectsUnknownType(t *testing.T) {
	r := New(nil)
	if _, err := r.RecordStatus("w1", "mailer", pipeline.WorkerOnline, nil, t0); !errors.Is(err, pipeline.ErrUnknownWorkerType) {
		t.Errorf("RecordStatus(bad type) error = %v, want ErrUnknownWorkerType", err)
	}
}

func TestRecordHealthUnknownWorker(t *testing.T) {
	r := New(nil)
	if err := r.RecordHealth("ghost", healthySnapshot(), t0); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("RecordHealth(unknown) error = %v, want ErrWorkerNotFound", err)
	}
}

func TestEligibleGate(t *testing.T) {
	freshness := 30 * time.Second
	now := t0.Add(10 * time.Second)

	base := &Worker{
		ID:       "w1",
		Type:     pipeline.TypePublisher,
		Status:   pipeline.WorkerOnline,
		LastSeen: t0,
		Health:   healthySnapshot(),
	}
	if !Eligible(base, now, freshness) {
		t.Fatal("baseline worker should be eligible")
	}

	cases := []struct {
		name   string
		mutate func(*Worker)
	}{
		{"offline", func(w *Worker) { w.Status = pipeline.WorkerOffline }},
		{"stale telemetry", func(w *Worker) { w.LastSeen = now.Add(-freshness - time.Second) }},
		{"self-reported unhealthy", func(w *Worker) { w.Health.Healthy = false }},
		{"memory at ceiling", func(w *Worker) { w.Health.MemoryUsage = 0.9 }},
		{"cpu at ceiling", func(w *Worker) { w.Health.CPUUsage = 90 }},
	}
	for _, tc := range cases {
		w := *base
		tc.mutate(&w)
		if Eligible(&w, now, freshness) {
			t.Errorf("%s: worker should be ineligible", tc.name)
		}
	}
}

func TestListAvailableFiltersTypeAndOrder(t *testing.T) {
	r := New(nil)
	for _, id := range []string{"p1", "p2", "g1"} {
		typ := pipeline.TypePublisher
		if id == "g1" {
			typ = pipeline.TypeContentGenerator
		}
		if _, err := r.RecordStatus(id, typ, pipeline.WorkerOnline, nil, t0); err != nil {
			t.Fatalf("RecordStatus(%s) error = %v", id, err)
		}
		if err := r.RecordHealth(id, healthySnapshot(), t0); err != nil {
			t.Fatalf("RecordHealth(%s) error = %v", id, err)
		}
	}

	got := r.ListAvailable(pipeline.TypePublisher, t0, 30*time.Second)
	if len(got) != 2 {
		t.Fatalf("ListAvailable() = %d workers, want 2", len(got))
	}
	if got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("ListAvailable() order = [%s %s], want [p1 p2]", got[0].ID, got[1].ID)
	}
}

func TestSweepStale(t *testing.T) {
	r := New(nil)
	r.RecordStatus("fresh", pipeline.TypeLearning, pipeline.WorkerOnline, nil, t0)
	r.RecordStatus("stale", pipeline.TypeLearning, pipeline.WorkerOnline, nil, t0)

	now := t0.Add(125 * time.Second)
	r.RecordHealth("fresh", healthySnapshot(), now.Add(-5*time.Second))

	flipped := r.SweepStale(now, 120*time.Second)
	if len(flipped) != 1 || flipped[0].ID != "stale" {
		t.Fatalf("SweepStale() = %v, want [stale]", flipped)
	}
	if w, _ := r.Get("stale"); w.Status != pipeline.WorkerOffline {
		t.Errorf("stale worker status = %s, want offline", w.Status)
	}
	if w, _ := r.Get("fresh"); w.Status != pipeline.WorkerOnline {
		t.Errorf("fresh worker status = %s, want online", w.Status)
	}

	// A second sweep does nothing: already-offline workers are skipped.
	if again := r.SweepStale(now, 120*time.Second); len(again) != 0 {
		t.Errorf("second SweepStale() = %d workers, want 0", len(again))
	}
}

func TestRemove(t *testing.T) {
	r := New(nil)
	r.RecordStatus("w1", pipeline.TypePublisher, pipeline.WorkerOnline, nil, t0)
	r.RecordStatus("w2", pipeline.TypePublisher, pipeline.WorkerOnline, nil, t0)

	if err := r.Remove("w1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Remove("w1"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("Remove(removed) error = %v, want ErrWorkerNotFound", err)
	}
	list := r.List()
	if len(list) != 1 || list[0].ID != "w2" {
		t.Errorf("List() after remove = %v", list)
	}
}

func TestScore(t *testing.T) {
	// An idle, clean worker saturates the clamp.
	idle := pipeline.HealthSnapshot{CPUUsage: 10, MemoryUsage: 0.2, Healthy: true}
	if got := Score(idle); got != 100 {
		t.Errorf("Score(idle) = %v, want 100", got)
	}

	loaded := pipeline.HealthSnapshot{CPUUsage: 80, MemoryUsage: 0.5, ActiveTasks: 2, Healthy: true}
	want := 100.0 - 80*0.3 - 0.5*100*0.2 - 2*5 + 20
	if got := Score(loaded); math.Abs(got-want) > 1e-9 {
		t.Errorf("Score(loaded) = %v, want %v", got, want)
	}
	if Score(loaded) >= Score(idle) {
		t.Error("loaded worker should score below idle worker")
	}

	// Saturated worker clamps to zero.
	dead := pipeline.HealthSnapshot{CPUUsage: 100, MemoryUsage: 1, ActiveTasks: 20, CompletedTasks: 1, FailedTasks: 5}
	if got := Score(dead); got != 0 {
		t.Errorf("Score(dead) = %v, want 0", got)
	}
}

func TestScoreRewardsSuccessHistory(t *testing.T) {
	clean := pipeline.HealthSnapshot{CPUUsage: 50, MemoryUsage: 0.5, ActiveTasks: 3, CompletedTasks: 100, FailedTasks: 0}
	flaky := pipeline.HealthSnapshot{CPUUsage: 50, MemoryUsage: 0.5, ActiveTasks: 3, CompletedTasks: 100, FailedTasks: 50}
	if Score(clean) <= Score(flaky) {
		t.Errorf("Score(clean)=%v should exceed Score(flaky)=%v", Score(clean), Score(flaky))
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := New(nil)
	r.RecordStatus("w1", pipeline.TypeFeedMonitor, pipeline.WorkerOnline, pipeline.Capabilities(pipeline.TypeFeedMonitor), t0)
	r.RecordStatus("w2", pipeline.TypePublisher, pipeline.WorkerOffline, nil, t0)
	r.RecordHealth("w1", healthySnapshot(), t0)

	snap := r.Snapshot(t0)
	if len(snap.Workers) != 2 {
		t.Fatalf("Snapshot() = %d workers, want 2", len(snap.Workers))
	}

	restored := New(nil)
	restored.Restore(snap)
	if restored.Len() != 2 {
		t.Fatalf("restored Len() = %d, want 2", restored.Len())
	}
	w, ok := restored.Get("w1")
	if !ok {
		t.Fatal("restored registry missing w1")
	}
	if w.Health != healthySnapshot() {
		t.Errorf("restored health = %+v", w.Health)
	}
	order := restored.List()
	if order[0].ID != "w1" || order[1].ID != "w2" {
		t.Errorf("restored order = [%s %s], want [w1 w2]", order[0].ID, order[1].ID)
	}
}
