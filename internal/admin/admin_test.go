package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/registry"
	"github.com/brandpulse/engine/internal/scheduler"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCore struct {
	mu        sync.Mutex
	view      *scheduler.View
	submitted []*pipeline.Task
	submitErr error
	cancelled []string
	removed   []string
	feed      chan scheduler.AdminEvent
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		view: testView(),
		feed: make(chan scheduler.AdminEvent, 8),
	}
}

func (f *fakeCore) View() *scheduler.View { return f.view }

func (f *fakeCore) Submit(task *pipeline.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
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

type fakeRecorder struct {
	history.Nop
	records map[string]history.TaskRecord
}

func (f *fakeRecorder) GetTask(_ context.Context, taskID string) (*history.TaskRecord, error) {
	rec, ok := f.records[taskID]
	if !ok {
		return nil, history.ErrRecordNotFound
	}
	return &rec, nil
}

func (f *fakeRecorder) ListTasks(_ context.Context, filter history.TaskFilter) ([]history.TaskRecord, error) {
	var out []history.TaskRecord
	for _, rec := range f.records {
		if filter.WorkerType != "" && rec.WorkerType != filter.WorkerType {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// testView holds one online worker, one live task and one error report.
func testView() *scheduler.View {
	return &scheduler.View{
		GeneratedAt: testBase,
		Workers: []scheduler.WorkerView{
			{
				Worker: registry.Worker{
					ID:           "gen-1",
					Type:         pipeline.TypeContentGenerator,
					Status:       pipeline.WorkerOnline,
					LastSeen:     testBase,
					Health:       pipeline.HealthSnapshot{CPUUsage: 20, MemoryUsage: 0.4, Healthy: true},
					Capabilities: pipeline.Capabilities(pipeline.TypeContentGenerator),
				},
				Score:    81.5,
				InFlight: 1,
			},
		},
		Queues: map[pipeline.WorkerType]queue.Depths{
			pipeline.TypeContentGenerator: {Pending: 2, Processing: 1},
		},
		Tasks: map[string]pipeline.Task{
			"task-live": {
				ID:         "task-live",
				Type:       pipeline.TypeContentGenerator,
				Kind:       pipeline.KindGeneratePost,
				Priority:   pipeline.PriorityHigh,
				Status:     pipeline.StatusProcessing,
				AssignedTo: "gen-1",
				CreatedAt:  testBase.Add(-time.Minute),
				Payload:    json.RawMessage(`{"topic":"agent pipelines","content_type":"post"}`),
			},
		},
		Errors: map[string][]scheduler.ReportEntry{
			"gen-1": {{At: testBase, WorkerID: "gen-1", TaskID: "task-live", Code: "validation", Message: "payload rejected"}},
		},
	}
}

func doneRecord() history.TaskRecord {
	return history.TaskRecord{
		TaskID:      "task-done",
		Kind:        pipeline.KindQualityCheck,
		WorkerType:  pipeline.TypeQualityControl,
		WorkerID:    "qc-1",
		Priority:    pipeline.PriorityMedium,
		Status:      pipeline.StatusCompleted,
		CreatedAt:   testBase.Add(-time.Hour),
		CompletedAt: testBase.Add(-59 * time.Minute),
		DurationMS:  420,
	}
}

func startServer(t *testing.T, core *fakeCore, rec history.Recorder, reg *metrics.Registry) (*httptest.Server, *Server) {
	t.Helper()
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	srv := New(Config{AllowedOrigins: []string{"*"}}, core, rec, reg, nil)
	srv.Start()
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestRegistryEndpoint(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	resp, err := http.Get(ts.URL + "/api/v1/registry")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}

	var out RegistryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Count != 1 || len(out.Workers) != 1 {
		t.Fatalf("expected 1 worker, got count=%d len=%d", out.Count, len(out.Workers))
	}
	w := out.Workers[0]
	if w.ID != "gen-1" || w.Type != pipeline.TypeContentGenerator {
		t.Fatalf("unexpected worker identity: %+v", w)
	}
	if w.Score != 81.5 || w.InFlight != 1 {
		t.Fatalf("score/in_flight = %v/%d, want 81.5/1", w.Score, w.InFlight)
	}
}

func TestQueuesEndpoint(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	var out QueuesResponse
	getJSON(t, ts.URL+"/api/v1/queues", http.StatusOK, &out)

	d, ok := out.Queues[pipeline.TypeContentGenerator]
	if !ok {
		t.Fatalf("expected content_generator queue, got %v", out.Queues)
	}
	if d.Pending != 2 || d.Processing != 1 {
		t.Fatalf("depths = %+v, want pending 2 processing 1", d)
	}
}

func TestSubmitTaskAccepted(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	body := `{"kind":"generate_post","priority":"high","payload":{"topic":"agent pipelines","content_type":"post"}}`
	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	var out SubmitTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.TaskID == "" {
		t.Fatalf("expected a task id")
	}
	if out.Type != pipeline.TypeContentGenerator || out.Status != pipeline.StatusPending {
		t.Fatalf("unexpected response: %+v", out)
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.submitted) != 1 {
		t.Fatalf("expected 1 submitted task, got %d", len(core.submitted))
	}
	task := core.submitted[0]
	if task.Kind != pipeline.KindGeneratePost || task.Priority != pipeline.PriorityHigh {
		t.Fatalf("unexpected task: %+v", task)
	}
	if !strings.Contains(string(task.Payload), "agent pipelines") {
		t.Fatalf("payload not forwarded: %s", task.Payload)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing kind", `{"priority":"low"}`, "kind is required"},
		{"unknown kind", `{"kind":"mine_bitcoin"}`, "unknown task kind"},
		{"unknown priority", `{"kind":"generate_post","priority":"urgent"}`, "unknown priority"},
		{"invalid payload", `{"kind":"generate_post","payload":{"content_type":"post"}}`, "topic required"},
		{"missing payload", `{"kind":"feed_check"}`, "at least one source required"},
		{"malformed body", `{"kind":`, "Invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, out := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks", tc.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
			}
			msg, _ := out["error"].(string)
			if !strings.Contains(msg, tc.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", msg, tc.wantErr)
			}
		})
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.submitted) != 0 {
		t.Fatalf("rejected requests must not reach the scheduler, got %d", len(core.submitted))
	}
}

func TestSubmitTaskSchedulerSaturated(t *testing.T) {
	core := newFakeCore()
	core.submitErr = scheduler.ErrEventQueueFull
	ts, _ := startServer(t, core, nil, nil)

	body := `{"kind":"generate_post","payload":{"topic":"x","content_type":"post"}}`
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks", body)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestGetTaskLiveAndHistory(t *testing.T) {
	core := newFakeCore()
	rec := &fakeRecorder{records: map[string]history.TaskRecord{"task-done": doneRecord()}}
	ts, _ := startServer(t, core, rec, nil)

	var live history.TaskRecord
	getJSON(t, ts.URL+"/api/v1/tasks/task-live", http.StatusOK, &live)
	if live.Status != pipeline.StatusProcessing || live.WorkerID != "gen-1" {
		t.Fatalf("unexpected live record: %+v", live)
	}

	var done history.TaskRecord
	getJSON(t, ts.URL+"/api/v1/tasks/task-done", http.StatusOK, &done)
	if done.Status != pipeline.StatusCompleted || done.DurationMS != 420 {
		t.Fatalf("unexpected history record: %+v", done)
	}

	getJSON(t, ts.URL+"/api/v1/tasks/no-such-task", http.StatusNotFound, nil)
}

func TestListTasksMergesLiveAndHistory(t *testing.T) {
	core := newFakeCore()
	rec := &fakeRecorder{records: map[string]history.TaskRecord{"task-done": doneRecord()}}
	ts, _ := startServer(t, core, rec, nil)

	var all ListTasksResponse
	getJSON(t, ts.URL+"/api/v1/tasks", http.StatusOK, &all)
	if all.Count != 2 {
		t.Fatalf("count = %d, want 2", all.Count)
	}
	if all.Tasks[0].TaskID != "task-live" {
		t.Fatalf("live tasks must come first, got %s", all.Tasks[0].TaskID)
	}

	var completed ListTasksResponse
	getJSON(t, ts.URL+"/api/v1/tasks?status=completed", http.StatusOK, &completed)
	if completed.Count != 1 || completed.Tasks[0].TaskID != "task-done" {
		t.Fatalf("completed filter = %+v", completed)
	}

	var processing ListTasksResponse
	getJSON(t, ts.URL+"/api/v1/tasks?status=processing", http.StatusOK, &processing)
	if processing.Count != 1 || processing.Tasks[0].TaskID != "task-live" {
		t.Fatalf("processing filter = %+v", processing)
	}

	var qc ListTasksResponse
	getJSON(t, ts.URL+"/api/v1/tasks?worker_type=quality_control", http.StatusOK, &qc)
	if qc.Count != 1 || qc.Tasks[0].TaskID != "task-done" {
		t.Fatalf("worker_type filter = %+v", qc)
	}

	var limited ListTasksResponse
	getJSON(t, ts.URL+"/api/v1/tasks?limit=1", http.StatusOK, &limited)
	if limited.Count != 1 || limited.Tasks[0].TaskID != "task-live" {
		t.Fatalf("limit page = %+v", limited)
	}

	getJSON(t, ts.URL+"/api/v1/tasks?worker_type=alchemist", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/api/v1/tasks?status=stuck", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/api/v1/tasks?limit=0", http.StatusBadRequest, nil)
}

func TestCancelTask(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	status, out := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/tasks/task-live", "")
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", status, http.StatusAccepted)
	}
	if out["status"] != "cancelling" {
		t.Fatalf("unexpected body: %v", out)
	}

	core.mu.Lock()
	cancelled := append([]string(nil), core.cancelled...)
	core.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "task-live" {
		t.Fatalf("cancelled = %v, want [task-live]", cancelled)
	}

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/tasks/no-such-task", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestRemoveWorker(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	status, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/workers/gen-1", "")
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", status, http.StatusAccepted)
	}

	core.mu.Lock()
	removed := append([]string(nil), core.removed...)
	core.mu.Unlock()
	if len(removed) != 1 || removed[0] != "gen-1" {
		t.Fatalf("removed = %v, want [gen-1]", removed)
	}

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/workers/ghost", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestErrorsAndLearningEndpoints(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	var errs ReportsResponse
	getJSON(t, ts.URL+"/api/v1/errors", http.StatusOK, &errs)
	entries := errs.Reports["gen-1"]
	if len(entries) != 1 || entries[0].Code != "validation" {
		t.Fatalf("unexpected error reports: %+v", errs.Reports)
	}

	// Learning log is empty in the fixture but must serialize as an
	// object, not null.
	var learning ReportsResponse
	getJSON(t, ts.URL+"/api/v1/learning", http.StatusOK, &learning)
	if learning.Reports == nil {
		t.Fatalf("learning reports serialized as null")
	}
	if len(learning.Reports) != 0 {
		t.Fatalf("expected no learning reports, got %+v", learning.Reports)
	}
}

func TestHealthEndpoints(t *testing.T) {
	core := newFakeCore()
	ts, _ := startServer(t, core, nil, nil)

	getJSON(t, ts.URL+"/health", http.StatusOK, nil)
	getJSON(t, ts.URL+"/ready", http.StatusOK, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	core := newFakeCore()
	reg := metrics.NewRegistry()
	reg.Counter("pipeline_tasks_total", nil).Inc()
	ts, _ := startServer(t, core, nil, reg)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "pipeline_tasks_total") {
		t.Fatalf("metrics exposition missing counter:\n%s", buf.String())
	}
}

func waitForSubscriber(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.hub.mu.Lock()
		n := len(srv.hub.subs)
		srv.hub.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("websocket client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsStream(t *testing.T) {
	core := newFakeCore()
	ts, srv := startServer(t, core, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForSubscriber(t, srv)
	core.feed <- scheduler.AdminEvent{
		Type:     scheduler.EventTaskAssigned,
		At:       testBase,
		WorkerID: "gen-1",
		TaskID:   "task-live",
		Kind:     pipeline.KindGeneratePost,
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ev scheduler.AdminEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != scheduler.EventTaskAssigned || ev.TaskID != "task-live" || ev.WorkerID != "gen-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEventsStreamClosesWithScheduler(t *testing.T) {
	core := newFakeCore()
	ts, srv := startServer(t, core, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForSubscriber(t, srv)
	close(core.feed)

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected the stream to close")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want %v", got, websocket.StatusGoingAway)
	}
}
