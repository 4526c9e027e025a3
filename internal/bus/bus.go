// Package bus fans domain events out to in-process handlers, optionally
// replicating them across processes through a Redis stream.
package bus

import (
	"context"
	"errors"

	"github.com/austindbirch/eventhook/internal/event"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

var ErrClosed = errors.New("event bus closed")

// Handler reacts to a published event. Errors and panics are recorded by the
// bus and never reach the publisher.
type Handler interface {
	Handle(ctx context.Context, ev event.Event) error
}

type HandlerFunc func(ctx context.Context, ev event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev event.Event) error { return f(ctx, ev) }

// Handle identifies a subscription for Unsubscribe.
type Handle struct {
	id uint64
}

type Bus interface {
	// Publish hands ev to every matching subscription and returns without
	// waiting for handlers.
	Publish(ctx context.Context, ev event.Event) error
	Subscribe(eventType string, h Handler) Handle
	// Unsubscribe stops the subscription and drops events it has not
	// handled yet.
	Unsubscribe(h Handle)
	// Close stops accepting events and waits until queued events are
	// handled or ctx is done.
	Close(ctx context.Context) error
}
