// Package bus is the message channel between the orchestrator and its
// workers: an at-least-once, topic-addressed envelope transport with an
// in-process implementation and a Redis Streams implementation.
package bus

import (
	"context"
	"errors"
)

var (
	ErrBusClosed    = errors.New("bus is closed")
	ErrBackpressure = errors.New("topic buffer full")
)

// Handler consumes one envelope. Returning an error leaves the message
// unacknowledged, so the bus delivers it again later. Handlers must
// tolerate duplicates.
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the transport contract. Subscribe starts a background consume
// loop bound to ctx and returns once the subscription is set up; consumers
// sharing a group compete for messages, distinct groups each see every
// message.
type Bus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Subscribe(ctx context.Context, topic, group, consumer string, h Handler) error
	Close() error
}
