package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	defaultMemoryBuffer     = 256
	defaultMemoryDeliveries = 3
)

type memoryDelivery struct {
	env      *Envelope
	attempts int
}

// MemoryBus is the in-process transport used by tests and single-binary
// deployments. Groups must subscribe before messages are published to
// them; there is no retained backlog.
type MemoryBus struct {
	mu     sync.RWMutex
	queues map[string]map[string]chan memoryDelivery
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger        *slog.Logger
	buffer        int
	maxDeliveries int
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		queues:        make(map[string]map[string]chan memoryDelivery),
		stopCh:        make(chan struct{}),
		logger:        logger,
		buffer:        defaultMemoryBuffer,
		maxDeliveries: defaultMemoryDeliveries,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	groups := b.queues[topic]
	if len(groups) == 0 {
		b.logger.Debug("publish to topic with no subscribers",
			slog.String("topic", topic),
			slog.String("type", string(env.Type)),
		)
		return nil
	}
	for group, q := range groups {
		select {
		case q <- memoryDelivery{env: env}:
		default:
			return fmt.Errorf("%w: topic %s group %s", ErrBackpressure, topic, group)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group, consumer string, h Handler) error {
	if topic == "" || group == "" {
		return fmt.Errorf("%w: topic and group required", ErrInvalidEnvelope)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	groups, ok := b.queues[topic]
	if !ok {
		groups = make(map[string]chan memoryDelivery)
		b.queues[topic] = groups
	}
	q, ok := groups[group]
	if !ok {
		q = make(chan memoryDelivery, b.buffer)
		groups[group] = q
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		slog.String("topic", topic),
		slog.String("group", group),
		slog.String("consumer", consumer),
	)
	go b.consume(ctx, topic, group, q, h)
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, topic, group string, q chan memoryDelivery, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case d := <-q:
			if err := h(ctx, d.env); err != nil {
				d.attempts++
				if d.attempts >= b.maxDeliveries {
					b.logger.Warn("dropping message after repeated handler failures",
						slog.String("topic", topic),
						slog.String("group", group),
						slog.String("envelope_id", d.env.ID),
						slog.Int("attempts", d.attempts),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case q <- d:
				default:
					b.logger.Warn("redelivery dropped, queue full",
						slog.String("topic", topic),
						slog.String("group", group),
						slog.String("envelope_id", d.env.ID),
					)
				}
			}
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
