// Package queue carries delivery tasks from the dispatcher to workers with
// support for delayed execution.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/eventhook/internal/tracing"
)

var ErrClosed = errors.New("queue closed")

// Task asks a worker to attempt one delivery.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// NewTask builds a task for deliveryID carrying the trace context of ctx.
func NewTask(ctx context.Context, deliveryID string) Task {
	return Task{
		DeliveryID:   deliveryID,
		TraceHeaders: tracing.InjectHeaders(ctx),
		EnqueuedAt:   time.Now().UTC(),
	}
}

// Context restores the trace context the task was enqueued under.
func (t Task) Context(ctx context.Context) context.Context {
	return tracing.ExtractHeaders(ctx, t.TraceHeaders)
}

// Queue is the durable task queue.
type Queue interface {
	// Enqueue schedules t to run no earlier than runAt. A zero or past runAt
	// runs it as soon as possible.
	Enqueue(ctx context.Context, t Task, runAt time.Time) error
}

// Handler processes a task. A returned error makes the task run again later.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }
