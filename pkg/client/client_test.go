package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brandpulse/engine/internal/admin"
	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/registry"
	"github.com/brandpulse/engine/internal/scheduler"
	"github.com/brandpulse/engine/pkg/client"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeCore backs a real admin server so the SDK is exercised against the
// exact handlers it will meet in production.
type fakeCore struct {
	mu        sync.Mutex
	view      *scheduler.View
	submitted []*pipeline.Task
	cancelled []string
	removed   []string
	feed      chan scheduler.AdminEvent
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		feed: make(chan scheduler.AdminEvent, 8),
		view: &scheduler.View{
			GeneratedAt: testBase,
			Workers: []scheduler.WorkerView{
				{
					Worker: registry.Worker{
						ID:           "pub-1",
						Type:         pipeline.TypePublisher,
						Status:       pipeline.WorkerOnline,
						LastSeen:     testBase,
						Health:       pipeline.HealthSnapshot{CPUUsage: 10, Healthy: true},
						Capabilities: pipeline.Capabilities(pipeline.TypePublisher),
					},
					Score:    92.5,
					InFlight: 1,
				},
			},
			Queues: map[pipeline.WorkerType]queue.Depths{
				pipeline.TypePublisher: {Pending: 3, Processing: 1},
			},
			Tasks: map[string]pipeline.Task{
				"task-live": {
					ID:         "task-live",
					Type:       pipeline.TypePublisher,
					Kind:       pipeline.KindPublishPost,
					Priority:   pipeline.PriorityHigh,
					Status:     pipeline.StatusProcessing,
					AssignedTo: "pub-1",
					CreatedAt:  testBase.Add(-time.Minute),
					Payload:    json.RawMessage(`{"platform":"linkedin","content":"ship it"}`),
				},
			},
			Errors: map[string][]scheduler.ReportEntry{
				"pub-1": {{At: testBase, WorkerID: "pub-1", TaskID: "task-live", Code: "rate_limited", Message: "platform backoff"}},
			},
		},
	}
}

func (f *fakeCore) View() *scheduler.View { return f.view }

func (f *fakeCore) Submit(task *pipeline.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
	return nil
}

func (f *fakeCore) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeCore) RemoveWorker(workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, workerID)
	return nil
}

func (f *fakeCore) Feed() <-chan scheduler.AdminEvent { return f.feed }

func startOrchestrator(t *testing.T) (*client.Client, *fakeCore) {
	t.Helper()
	core := newFakeCore()
	srv := admin.New(admin.Config{}, core, history.Nop{}, metrics.NewRegistry(), nil)
	srv.Start()
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		close(core.feed)
		ts.Close()
	})
	return client.New(client.Config{BaseURL: ts.URL, Timeout: 5 * time.Second}), core
}

func TestSubmitAndInspectTask(t *testing.T) {
	c, core := startOrchestrator(t)
	ctx := context.Background()

	resp, err := c.SubmitTask(ctx, &client.SubmitTaskRequest{
		Kind:     "publish_post",
		Priority: "high",
		Payload:  json.RawMessage(`{"platform":"linkedin","content":"launch day"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatal("expected a task id")
	}
	if resp.Type != "publisher" || resp.Status != "pending" {
		t.Fatalf("submit response = %+v", resp)
	}

	core.mu.Lock()
	submitted := len(core.submitted)
	core.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("scheduler received %d tasks, want 1", submitted)
	}

	task, err := c.GetTask(ctx, "task-live")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != "processing" || task.WorkerID != "pub-1" {
		t.Fatalf("live task = %+v", task)
	}

	list, err := c.ListTasks(ctx, &client.ListTasksOptions{WorkerType: "publisher", Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list.Count != 1 || list.Tasks[0].TaskID != "task-live" {
		t.Fatalf("task list = %+v", list)
	}
}

func TestSubmitTaskValidationError(t *testing.T) {
	c, _ := startOrchestrator(t)

	_, err := c.SubmitTask(context.Background(), &client.SubmitTaskRequest{Kind: "mine_bitcoin"})
	if err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
	if !strings.Contains(err.Error(), "API error 400") {
		t.Fatalf("error = %v, want an API error 400", err)
	}
}

func TestRegistryAndQueues(t *testing.T) {
	c, _ := startOrchestrator(t)
	ctx := context.Background()

	reg, err := c.Registry(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Count != 1 || reg.Workers[0].ID != "pub-1" {
		t.Fatalf("registry = %+v", reg)
	}
	if reg.Workers[0].Score != 92.5 || !reg.Workers[0].Health.Healthy {
		t.Fatalf("worker = %+v", reg.Workers[0])
	}

	queues, err := c.Queues(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := queues.Queues["publisher"]; got.Pending != 3 || got.Processing != 1 {
		t.Fatalf("publisher depths = %+v", got)
	}
}

func TestCancelAndRemove(t *testing.T) {
	c, core := startOrchestrator(t)
	ctx := context.Background()

	if err := c.CancelTask(ctx, "task-live"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.RemoveWorker(ctx, "pub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.cancelled) != 1 || core.cancelled[0] != "task-live" {
		t.Fatalf("cancelled = %v", core.cancelled)
	}
	if len(core.removed) != 1 || core.removed[0] != "pub-1" {
		t.Fatalf("removed = %v", core.removed)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	c, _ := startOrchestrator(t)

	err := c.CancelTask(context.Background(), "no-such-task")
	if err == nil {
		t.Fatal("expected an error for an unknown task")
	}
	if !strings.Contains(err.Error(), "API error 404") {
		t.Fatalf("error = %v, want an API error 404", err)
	}
}

func TestErrorsAndHealth(t *testing.T) {
	c, _ := startOrchestrator(t)
	ctx := context.Background()

	reports, err := c.Errors(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := reports.Reports["pub-1"]
	if len(entries) != 1 || entries[0].Code != "rate_limited" {
		t.Fatalf("error reports = %+v", reports.Reports)
	}

	learning, err := c.Learning(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if learning.Reports == nil {
		t.Fatal("learning reports must serialize as an empty object, not null")
	}

	if err := c.Health(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
