package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix     = "brandpulse:bus:"
	defaultDLQStream = "brandpulse:bus:dlq"

	defaultStreamMaxLen = 10000
	defaultBlockTimeout = 5 * time.Second
	defaultReadCount    = 16
	defaultClaimMinIdle = 30 * time.Second
	defaultClaimBatch   = 50
)

type RedisBusConfig struct {
	// StreamMaxLen trims each topic stream approximately on publish.
	StreamMaxLen int64
	BlockTimeout time.Duration
	ReadCount    int64
	// ClaimMinIdle is how long a delivery may sit unacknowledged before
	// another consumer reclaims it.
	ClaimMinIdle time.Duration
	ClaimBatch   int64
	DLQStream    string
}

func DefaultRedisBusConfig() RedisBusConfig {
	return RedisBusConfig{
		StreamMaxLen: defaultStreamMaxLen,
		BlockTimeout: defaultBlockTimeout,
		ReadCount:    defaultReadCount,
		ClaimMinIdle: defaultClaimMinIdle,
		ClaimBatch:   defaultClaimBatch,
		DLQStream:    defaultDLQStream,
	}
}

// RedisBus carries envelopes over Redis Streams with one stream per topic
// and one consumer group per subscriber group. Unacknowledged deliveries
// are reclaimed with XAUTOCLAIM, which gives at-least-once delivery across
// consumer crashes. The caller owns the client lifetime.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
	config RedisBusConfig
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return NewRedisBusWithConfig(client, logger, DefaultRedisBusConfig())
}

func NewRedisBusWithConfig(client *redis.Client, logger *slog.Logger, config RedisBusConfig) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StreamMaxLen <= 0 {
		config.StreamMaxLen = defaultStreamMaxLen
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = defaultBlockTimeout
	}
	if config.ReadCount <= 0 {
		config.ReadCount = defaultReadCount
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = defaultClaimMinIdle
	}
	if config.ClaimBatch <= 0 {
		config.ClaimBatch = defaultClaimBatch
	}
	if config.DLQStream == "" {
		config.DLQStream = defaultDLQStream
	}
	return &RedisBus{
		client: client,
		logger: logger,
		config: config,
	}
}

func streamKey(topic string) string {
	return streamPrefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		MaxLen: b.config.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"envelope": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic, group, consumer string, h Handler) error {
	if topic == "" || group == "" || consumer == "" {
		return fmt.Errorf("%w: topic, group and consumer required", ErrInvalidEnvelope)
	}
	go b.consume(ctx, streamKey(topic), group, consumer, h)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, stream, group, consumer string, h Handler) {
	for {
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
			break
		}
		b.logger.Error("failed to create consumer group, retrying",
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.reclaimPending(ctx, stream, group, consumer, h)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.config.ReadCount,
			Block:    b.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				b.logger.Error("failed to read stream",
					slog.String("stream", stream),
					slog.String("error", err.Error()),
				)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, msg, stream, group, h)
			}
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, msg redis.XMessage, stream, group string, h Handler) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		b.quarantine(ctx, stream, msg.ID, "missing envelope field", "")
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.quarantine(ctx, stream, msg.ID, err.Error(), raw)
		b.ack(ctx, stream, group, msg.ID)
		return
	}
	if err := env.Validate(); err != nil {
		b.quarantine(ctx, stream, msg.ID, err.Error(), raw)
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	if err := h(ctx, &env); err != nil {
		// Left unacknowledged; XAUTOCLAIM redelivers it after the idle
		// threshold.
		b.logger.Warn("handler failed, leaving message pending",
			slog.String("stream", stream),
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	b.ack(ctx, stream, group, msg.ID)
}

type quarantineEntry struct {
	OriginalStream string    `json:"original_stream"`
	OriginalMsgID  string    `json:"original_msg_id"`
	Reason         string    `json:"reason"`
	Raw            string    `json:"raw,omitempty"`
	FailedAt       time.Time `json:"failed_at"`
}

// quarantine moves a frame that cannot be decoded onto the DLQ stream so
// it is out of the delivery path but still inspectable.
func (b *RedisBus) quarantine(ctx context.Context, stream, msgID, reason, raw string) {
	entry := quarantineEntry{
		OriginalStream: stream,
		OriginalMsgID:  msgID,
		Reason:         reason,
		Raw:            raw,
		FailedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		b.logger.Error("failed to marshal quarantine entry", slog.String("error", err.Error()))
		return
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.config.DLQStream,
		Values: map[string]interface{}{
			"entry": string(data),
		},
	}).Err()
	if err != nil {
		b.logger.Error("failed to quarantine message",
			slog.String("stream", stream),
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()),
		)
		return
	}
	b.logger.Warn("quarantined malformed message",
		slog.String("stream", stream),
		slog.String("msg_id", msgID),
		slog.String("reason", reason),
	)
}

func (b *RedisBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		b.logger.Error("failed to ack stream message",
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (b *RedisBus) reclaimPending(ctx context.Context, stream, group, consumer string, h Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.config.ClaimMinIdle,
			Start:    start,
			Count:    b.config.ClaimBatch,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
				b.logger.Warn("failed to reclaim pending messages",
					slog.String("stream", stream),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		for _, msg := range msgs {
			b.handleMessage(ctx, msg, stream, group, h)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

// Close is a no-op; the Redis client is owned by the caller and consume
// loops stop with their subscription contexts.
func (b *RedisBus) Close() error {
	return nil
}
