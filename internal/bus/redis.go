package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/eventhook/internal/event"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/tracing"
)

type RedisOptions struct {
	Stream string
	// MaxLen caps the stream approximately. Zero leaves it unbounded.
	MaxLen int64
	// Group is this process's consumer group. Every group sees every event,
	// so it must be unique per process. A named group survives restarts and
	// its unacknowledged events are handled again on Start. When empty a
	// throwaway group is generated and removed on Close.
	Group string
	Block time.Duration
	Count int64
}

// RedisBus replicates published events through a Redis stream. Every process
// reads the stream in its own consumer group and hands events to an embedded
// LocalBus, where the subscriptions live.
type RedisBus struct {
	client redis.UniversalClient
	opts   RedisOptions
	local  *LocalBus
	log    *logging.Logger

	ephemeral bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(client redis.UniversalClient, opts RedisOptions) *RedisBus {
	ephemeral := opts.Group == ""
	if ephemeral {
		host, _ := os.Hostname()
		opts.Group = fmt.Sprintf("eventhook-%s-%s", host, uuid.NewString()[:8])
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 100
	}
	return &RedisBus{
		client:    client,
		opts:      opts,
		local:     NewLocalBus(),
		log:       logging.New("redis-event-bus"),
		ephemeral: ephemeral,
	}
}

// Start creates the consumer group at the stream's tail, unless it exists,
// and starts reading. Events the group left unacknowledged are handled first.
// Subscribe before Start so they find their handlers.
func (b *RedisBus) Start(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.opts.Stream, b.opts.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", b.opts.Group, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.read(runCtx)
	}()
	b.log.Plain().WithFields(map[string]any{"stream": b.opts.Stream, "group": b.opts.Group}).Info("Reading event stream")
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, ev event.Event) error {
	ctx, span := tracing.StartSpan(ctx, "bus.publish",
		attribute.String("event_type", ev.Type),
		attribute.String("entity_id", ev.EntityID),
		attribute.String("stream", b.opts.Stream),
	)
	defer span.End()

	b.local.mu.RLock()
	closed := b.local.closed
	b.local.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	values := map[string]any{"event": string(body)}
	if headers := tracing.InjectHeaders(ctx); headers != nil {
		trace, _ := json.Marshal(headers)
		values["trace"] = string(trace)
	}

	args := &redis.XAddArgs{Stream: b.opts.Stream, Values: values}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("append event to stream: %w", err)
	}
	metrics.RecordEventPublished(ev.Type)
	return nil
}

// read walks this consumer's pending entries first, then new ones. A message
// is acknowledged only after every matching handler has returned, so events
// still queued in a mailbox when the process dies stay pending.
func (b *RedisBus) read(ctx context.Context) {
	consumer := b.opts.Group
	cursor := "0"
	for ctx.Err() == nil {
		args := &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: consumer,
			Streams:  []string{b.opts.Stream, cursor},
			Count:    b.opts.Count,
			Block:    b.opts.Block,
		}
		if cursor != ">" {
			args.Block = -1 // history reads never block
		}
		streams, err := b.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Plain().WithError(err).Error("Failed to read event stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				n++
				b.forward(ctx, msg)
				if cursor != ">" {
					cursor = msg.ID
				}
			}
		}
		if cursor != ">" && n == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisBus) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.XAck(ctx, b.opts.Stream, b.opts.Group, id).Err(); err != nil {
		b.log.Plain().WithError(err).WithField("message_id", id).Warn("Failed to ack stream message")
	}
}

func (b *RedisBus) forward(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values["event"].(string)
	var ev event.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.log.Plain().WithError(err).WithField("message_id", msg.ID).Error("Dropping undecodable stream event")
		b.ack(msg.ID)
		return
	}
	if trace, ok := msg.Values["trace"].(string); ok {
		var headers map[string]string
		if json.Unmarshal([]byte(trace), &headers) == nil {
			ctx = tracing.ExtractHeaders(ctx, headers)
		}
	}
	if err := b.local.deliver(ctx, ev, func() { b.ack(msg.ID) }); err != nil {
		b.log.Plain().WithError(err).WithEvent(ev.Type).Warn("Leaving stream event pending")
	}
}

func (b *RedisBus) Subscribe(eventType string, h Handler) Handle {
	return b.local.Subscribe(eventType, h)
}

func (b *RedisBus) Unsubscribe(h Handle) {
	b.local.Unsubscribe(h)
}

// Close stops reading, drains the local handlers and removes a generated
// consumer group.
func (b *RedisBus) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	err := b.local.Close(ctx)

	if cancel != nil && b.ephemeral {
		destroyCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if derr := b.client.XGroupDestroy(destroyCtx, b.opts.Stream, b.opts.Group).Err(); derr != nil {
			b.log.Plain().WithError(derr).WithField("group", b.opts.Group).Warn("Failed to remove consumer group")
		}
		stop()
	}
	return err
}
