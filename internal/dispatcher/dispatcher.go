// Package dispatcher turns published events into one persisted, enqueued
// delivery per matching subscription.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/event"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/subscription"
	"github.com/austindbirch/eventhook/internal/tracing"
)

const DefaultDedupWindow = 60 * time.Second

type Dispatcher struct {
	subs       subscription.Store
	deliveries delivery.Store
	queue      queue.Queue
	window     time.Duration
	now        func() time.Time
	log        *logging.Logger
}

type Option func(*Dispatcher)

// WithDedupWindow sets how long an idempotency key suppresses new
// deliveries.
func WithDedupWindow(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(dp *Dispatcher) { dp.now = now }
}

func New(subs subscription.Store, deliveries delivery.Store, q queue.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		queue:      q,
		window:     DefaultDedupWindow,
		now:        time.Now,
		log:        logging.New("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes the dispatcher to every event on b.
func (d *Dispatcher) Register(b bus.Bus) bus.Handle {
	return b.Subscribe(bus.Wildcard, d)
}

// Handle creates and enqueues a delivery for every enabled subscription
// matching ev. A failure for one subscription does not stop the others; all
// failures are returned joined.
func (d *Dispatcher) Handle(ctx context.Context, ev event.Event) error {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.handle",
		attribute.String("event_type", ev.Type),
		attribute.String("entity_id", ev.EntityID),
	)
	defer span.End()

	subs, err := d.subs.ListForEvent(ctx, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordDispatchError("store")
		d.log.WithContext(ctx).WithEvent(ev.Type).WithError(err).Error("Subscription lookup failed, event not dispatched")
		return fmt.Errorf("list subscriptions for %s: %w", ev.Type, err)
	}
	span.SetAttributes(attribute.Int("subscriptions", len(subs)))

	var errs []error
	for _, sub := range subs {
		if err := d.dispatch(ctx, sub, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, sub subscription.Subscription, ev event.Event) error {
	log := d.log.WithContext(ctx).WithEvent(ev.Type).WithSubscription(sub.ID)

	stored, created, err := d.deliveries.CreateIfAbsent(ctx, delivery.New(sub.ID, ev, d.now().UTC()), d.window)
	if err != nil {
		metrics.RecordDispatchError("create")
		log.WithError(err).Error("Failed to create delivery")
		return fmt.Errorf("create delivery for subscription %s: %w", sub.ID, err)
	}
	if !created {
		metrics.RecordDispatch(ev.Type, "deduplicated")
		log.WithDelivery(stored.ID).Debug("Duplicate event within dedup window, skipping")
		return nil
	}
	metrics.RecordDispatch(ev.Type, "created")

	// The delivery stays pending on failure and the sweeper enqueues it later.
	if err := d.queue.Enqueue(ctx, queue.NewTask(ctx, stored.ID), time.Time{}); err != nil {
		metrics.RecordDispatchError("enqueue")
		log.WithDelivery(stored.ID).WithError(err).Error("Failed to enqueue delivery")
		return nil
	}
	log.WithDelivery(stored.ID).Debug("Delivery enqueued")
	return nil
}
