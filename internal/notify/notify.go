// Package notify pushes scheduler events to an external webhook so the
// backend fronting the pipeline can react to completions and failures
// without polling the admin API. Requests are signed with a shared secret
// so receivers can authenticate the orchestrator.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/scheduler"
)

// Config holds webhook delivery settings.
type Config struct {
	URL        string
	Secret     string
	Events     []string // event types to deliver; empty means all
	Timeout    time.Duration
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns delivery settings suitable for a single receiver.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		QueueSize:  100,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

var knownEvents = map[string]struct{}{
	scheduler.EventWorkerOnline:    {},
	scheduler.EventWorkerOffline:   {},
	scheduler.EventWorkerRemoved:   {},
	scheduler.EventTaskEnqueued:    {},
	scheduler.EventTaskAssigned:    {},
	scheduler.EventTaskCompleted:   {},
	scheduler.EventTaskRetried:     {},
	scheduler.EventTaskFailed:      {},
	scheduler.EventTaskReleased:    {},
	scheduler.EventTaskCancelled:   {},
	scheduler.EventResultDiscarded: {},
}

// Notifier delivers matching scheduler events to a webhook URL. Delivery is
// asynchronous and never blocks the event feed; when the delivery queue is
// full, events are dropped and counted.
type Notifier struct {
	httpClient *http.Client
	url        string
	secret     string
	filter     map[string]struct{} // nil means all events
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	queue      chan scheduler.AdminEvent
	wg         sync.WaitGroup

	delivered *metrics.Counter
	failed    *metrics.Counter
	dropped   *metrics.Counter
}

// New builds a notifier. Unknown names in cfg.Events are logged and ignored
// so a typo in one filter entry does not silence the rest.
func New(cfg Config, reg *metrics.Registry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	var filter map[string]struct{}
	if len(cfg.Events) > 0 {
		filter = make(map[string]struct{}, len(cfg.Events))
		for _, name := range cfg.Events {
			if _, ok := knownEvents[name]; !ok {
				logger.Warn("ignoring unknown event in notify filter", slog.String("event", name))
				continue
			}
			filter[name] = struct{}{}
		}
	}

	// The receiver is a single host, so keep the pool small and warm.
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Notifier{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		url:        cfg.URL,
		secret:     cfg.Secret,
		filter:     filter,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		queue:      make(chan scheduler.AdminEvent, cfg.QueueSize),
		delivered:  reg.Counter("notify_delivered_total", nil),
		failed:     reg.Counter("notify_failed_total", nil),
		dropped:    reg.Counter("notify_dropped_total", nil),
	}
}

// Tap consumes src, queues matching events for webhook delivery and forwards
// every event on the returned channel, which closes when src closes. Call it
// once, between the scheduler feed and its final consumer.
func (n *Notifier) Tap(src <-chan scheduler.AdminEvent) <-chan scheduler.AdminEvent {
	out := make(chan scheduler.AdminEvent, cap(src))

	n.wg.Add(1)
	go n.deliver()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(out)
		defer close(n.queue)
		for ev := range src {
			if n.wants(ev.Type) {
				select {
				case n.queue <- ev:
				default:
					n.dropped.Inc()
					n.logger.Warn("notify queue full, dropping event",
						slog.String("event", ev.Type),
						slog.String("task_id", ev.TaskID),
					)
				}
			}
			out <- ev
		}
	}()

	return out
}

// Close waits for queued deliveries to finish. Call it after the tapped
// feed has closed.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) wants(event string) bool {
	if n.filter == nil {
		return true
	}
	_, ok := n.filter[event]
	return ok
}

func (n *Notifier) deliver() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.send(ev)
	}
}

// send posts one event, backing off linearly between attempts. Retries run
// inline in the delivery worker; the bounded queue absorbs bursts meanwhile.
func (n *Notifier) send(ev scheduler.AdminEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.failed.Inc()
		n.logger.Error("failed to encode event for webhook", slog.String("error", err.Error()))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay * time.Duration(attempt))
		}
		if lastErr = n.post(ev, body); lastErr == nil {
			n.delivered.Inc()
			return
		}
	}

	n.failed.Inc()
	n.logger.Error("webhook delivery failed",
		slog.String("url", n.url),
		slog.String("event", ev.Type),
		slog.Int("attempts", n.maxRetries+1),
		slog.String("error", lastErr.Error()),
	)
}

func (n *Notifier) post(ev scheduler.AdminEvent, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	timestamp := ev.At.UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BrandPulse-Event", ev.Type)
	req.Header.Set("X-BrandPulse-Timestamp", timestamp)
	if n.secret != "" {
		req.Header.Set("X-BrandPulse-Signature", Sign(n.secret, timestamp, body))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body" under the shared
// secret. The signature is carried in the X-BrandPulse-Signature header.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
