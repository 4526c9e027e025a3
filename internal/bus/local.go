package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/eventhook/internal/event"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/tracing"
)

// LocalBus delivers events to handlers in this process. Each subscription
// owns an unbounded mailbox drained by its own goroutine, so a slow handler
// only delays itself and sees events in publish order.
type LocalBus struct {
	log *logging.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*mailbox
	closed bool
}

type envelope struct {
	ctx     context.Context
	ev      event.Event
	handled *handledCounter
}

// handledCounter runs fn once every mailbox an event was put in has finished
// its handler.
type handledCounter struct {
	remaining atomic.Int32
	fn        func()
}

func (c *handledCounter) done() {
	if c != nil && c.remaining.Add(-1) == 0 {
		c.fn()
	}
}

type mailbox struct {
	eventType string
	handler   Handler
	signal    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	quitOnce  sync.Once

	mu       sync.Mutex
	items    []envelope
	draining bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		log:  logging.New("event-bus"),
		subs: make(map[uint64]*mailbox),
	}
}

func (b *LocalBus) Publish(ctx context.Context, ev event.Event) error {
	ctx, span := tracing.StartSpan(ctx, "bus.publish",
		attribute.String("event_type", ev.Type),
		attribute.String("entity_id", ev.EntityID),
	)
	defer span.End()

	if err := b.deliver(ctx, ev, nil); err != nil {
		return err
	}
	metrics.RecordEventPublished(ev.Type)
	return nil
}

// deliver appends ev to every matching mailbox. Handlers run detached from
// the publisher's cancellation but keep its trace. A non-nil onHandled runs
// once every matching handler has returned, or at once when none matches.
func (b *LocalBus) deliver(ctx context.Context, ev event.Event, onHandled func()) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	matched := make([]*mailbox, 0, len(b.subs))
	for _, mb := range b.subs {
		if mb.eventType == Wildcard || mb.eventType == ev.Type {
			matched = append(matched, mb)
		}
	}

	item := envelope{ctx: context.WithoutCancel(ctx), ev: ev}
	if onHandled != nil && len(matched) > 0 {
		item.handled = &handledCounter{fn: onHandled}
		item.handled.remaining.Store(int32(len(matched)))
	}
	for _, mb := range matched {
		mb.put(item)
	}
	b.mu.RUnlock()

	if onHandled != nil && len(matched) == 0 {
		onHandled()
	}
	return nil
}

func (b *LocalBus) Subscribe(eventType string, h Handler) Handle {
	mb := &mailbox{
		eventType: eventType,
		handler:   h,
		signal:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.closed {
		mb.draining = true
	} else {
		b.subs[id] = mb
	}
	b.mu.Unlock()

	go b.run(mb)
	return Handle{id: id}
}

func (b *LocalBus) Unsubscribe(h Handle) {
	b.mu.Lock()
	mb, ok := b.subs[h.id]
	delete(b.subs, h.id)
	b.mu.Unlock()
	if ok {
		mb.stop()
	}
}

func (b *LocalBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	mailboxes := make([]*mailbox, 0, len(b.subs))
	for _, mb := range b.subs {
		mailboxes = append(mailboxes, mb)
		mb.drain()
	}
	b.mu.Unlock()

	for _, mb := range mailboxes {
		select {
		case <-mb.done:
		case <-ctx.Done():
			for _, m := range mailboxes {
				m.stop()
			}
			return fmt.Errorf("close event bus: %w", ctx.Err())
		}
	}
	return nil
}

func (b *LocalBus) run(mb *mailbox) {
	defer close(mb.done)
	for {
		item, ok := mb.next()
		if !ok {
			return
		}
		b.invoke(mb, item)
	}
}

func (b *LocalBus) invoke(mb *mailbox, item envelope) {
	defer item.handled.done()
	ctx, span := tracing.StartSpan(item.ctx, "bus.handle", attribute.String("event_type", item.ev.Type))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			tracing.SetSpanError(ctx, err)
			metrics.RecordBusHandlerError(item.ev.Type)
			b.log.WithContext(ctx).WithEvent(item.ev.Type).WithError(err).Error("Event handler panicked")
		}
	}()

	if err := mb.handler.Handle(ctx, item.ev); err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordBusHandlerError(item.ev.Type)
		b.log.WithContext(ctx).WithEvent(item.ev.Type).WithError(err).Error("Event handler failed")
	}
}

func (mb *mailbox) put(item envelope) {
	mb.mu.Lock()
	mb.items = append(mb.items, item)
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

// next blocks for the next queued event. ok is false once the mailbox was
// stopped, or drained and empty.
func (mb *mailbox) next() (envelope, bool) {
	for {
		select {
		case <-mb.quit:
			return envelope{}, false
		default:
		}

		mb.mu.Lock()
		if len(mb.items) > 0 {
			item := mb.items[0]
			mb.items[0] = envelope{}
			mb.items = mb.items[1:]
			mb.mu.Unlock()
			return item, true
		}
		draining := mb.draining
		mb.mu.Unlock()
		if draining {
			return envelope{}, false
		}

		select {
		case <-mb.signal:
		case <-mb.quit:
			return envelope{}, false
		}
	}
}

func (mb *mailbox) drain() {
	mb.mu.Lock()
	mb.draining = true
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) stop() {
	mb.quitOnce.Do(func() { close(mb.quit) })
}

// Pending returns the number of events queued across all mailboxes.
func (b *LocalBus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, mb := range b.subs {
		mb.mu.Lock()
		n += len(mb.items)
		mb.mu.Unlock()
	}
	return n
}
