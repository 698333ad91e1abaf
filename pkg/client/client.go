// Package client is a typed Go SDK for the orchestrator admin API. It is
// meant for services that submit work into the pipeline or watch its
// progress without linking against the engine internals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080" or "http://orchestrd:8080"
	Timeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

// New creates an orchestrator client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- Tasks ---

// SubmitTaskRequest submits one task. Priority defaults to medium when
// empty; Payload carries the kind-specific parameters.
type SubmitTaskRequest struct {
	Kind     string          `json:"kind"`
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// TaskRecord is one task, live or from history.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	Kind        string          `json:"kind"`
	WorkerType  string          `json:"worker_type"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
}

// TaskList is a page of task records.
type TaskList struct {
	Tasks []TaskRecord `json:"tasks"`
	Count int          `json:"count"`
}

// ListTasksOptions narrows a task listing. Zero values mean no filter.
type ListTasksOptions struct {
	WorkerType string
	Status     string
	Limit      int
}

// SubmitTask queues a task for its owning worker type.
func (c *Client) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	var resp SubmitTaskResponse
	if err := c.post(ctx, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask returns one task by id, checking live state before history.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var resp TaskRecord
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks returns live and historical tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts *ListTasksOptions) (*TaskList, error) {
	path := "/api/v1/tasks"
	if opts != nil {
		q := url.Values{}
		if opts.WorkerType != "" {
			q.Set("worker_type", opts.WorkerType)
		}
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
	}
	var resp TaskList
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTask requests cancellation of a live task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.delete(ctx, "/api/v1/tasks/"+url.PathEscape(taskID))
}

// --- Workers ---

// Health is a worker's last reported health sample.
type Health struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	ActiveTasks    int     `json:"active_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	Healthy        bool    `json:"healthy"`
}

// Worker is one registry entry with its current score and load.
type Worker struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	Health       Health    `json:"health"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	Score        float64   `json:"score"`
	InFlight     int       `json:"in_flight"`
}

// Registry is the worker registry snapshot.
type Registry struct {
	GeneratedAt time.Time `json:"generated_at"`
	Workers     []Worker  `json:"workers"`
	Count       int       `json:"count"`
}

// QueueDepths counts tasks per bucket for one worker type.
type QueueDepths struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Queues maps worker types to their queue depths.
type Queues struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Queues      map[string]QueueDepths `json:"queues"`
}

// Registry returns the current worker registry.
func (c *Client) Registry(ctx context.Context) (*Registry, error) {
	var resp Registry
	if err := c.get(ctx, "/api/v1/registry", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queues returns per-type queue depths.
func (c *Client) Queues(ctx context.Context) (*Queues, error) {
	var resp Queues
	if err := c.get(ctx, "/api/v1/queues", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveWorker requests removal of a worker from the registry. Its
// in-flight tasks are requeued.
func (c *Client) RemoveWorker(ctx context.Context, workerID string) error {
	return c.delete(ctx, "/api/v1/workers/"+url.PathEscape(workerID))
}

// --- Reports ---

// ReportEntry is one error or learning report from a worker.
type ReportEntry struct {
	At       time.Time       `json:"at"`
	WorkerID string          `json:"worker_id"`
	TaskID   string          `json:"task_id,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Reports groups report entries by worker id.
type Reports struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Reports     map[string][]ReportEntry `json:"reports"`
}

// Errors returns recent error reports grouped by worker.
func (c *Client) Errors(ctx context.Context) (*Reports, error) {
	var resp Reports
	if err := c.get(ctx, "/api/v1/errors", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Learning returns recent learning signals grouped by worker.
func (c *Client) Learning(ctx context.Context) (*Reports, error) {
	var resp Reports
	if err := c.get(ctx, "/api/v1/learning", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports whether the orchestrator answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
