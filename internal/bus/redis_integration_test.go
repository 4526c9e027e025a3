//go:build integration

package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/db/dbtest"
	"github.com/austindbirch/eventhook/internal/event"
)

func TestRedisBusReplicatesToEveryProcess(t *testing.T) {
	client := dbtest.StartRedis(t)
	ctx := context.Background()

	opts := bus.RedisOptions{Stream: "eventhook:events:test", MaxLen: 1000, Block: 200 * time.Millisecond}
	first, second := bus.NewRedisBus(client, opts), bus.NewRedisBus(client, opts)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	var (
		mu       sync.Mutex
		received = map[string][]string{}
	)
	record := func(name string) bus.Handler {
		return bus.HandlerFunc(func(_ context.Context, ev event.Event) error {
			mu.Lock()
			received[name] = append(received[name], ev.EntityID)
			mu.Unlock()
			return nil
		})
	}
	first.Subscribe("content.published", record("first"))
	second.Subscribe(bus.Wildcard, record("second"))

	payload := event.Object(map[string]event.Value{"title": event.String("Hello")})
	require.NoError(t, first.Publish(ctx, event.New("content.published", "a-1", payload)))
	require.NoError(t, first.Publish(ctx, event.New("content.published", "a-2", payload)))
	require.NoError(t, second.Publish(ctx, event.New("schema.changed", "s-1", event.Null())))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["first"]) == 2 && len(received["second"]) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a-1", "a-2"}, received["first"])
	mu.Unlock()

	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Close(ctx))
	assert.ErrorIs(t, first.Publish(ctx, event.New("t", "e", event.Null())), bus.ErrClosed)

	groups, err := client.XInfoGroups(ctx, opts.Stream).Result()
	require.NoError(t, err)
	assert.Empty(t, groups, "closed buses remove their consumer groups")
}

func TestRedisBusRedeliversEventsUnhandledAtShutdown(t *testing.T) {
	client := dbtest.StartRedis(t)
	ctx := context.Background()

	opts := bus.RedisOptions{Stream: "eventhook:events:recovery", Group: "server-1", Block: 200 * time.Millisecond}
	crashed := bus.NewRedisBus(client, opts)
	require.NoError(t, crashed.Start(ctx))

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	crashed.Subscribe(bus.Wildcard, bus.HandlerFunc(func(context.Context, event.Event) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	require.NoError(t, crashed.Publish(ctx, event.New("content.published", "a-1", event.Null())))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the first handler")
	}
	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, crashed.Close(closeCtx), "handler is still running")

	pending, err := client.XPending(ctx, opts.Stream, opts.Group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count, "unhandled event is not acknowledged")

	restarted := bus.NewRedisBus(client, opts)
	got := make(chan string, 1)
	restarted.Subscribe(bus.Wildcard, bus.HandlerFunc(func(_ context.Context, ev event.Event) error {
		got <- ev.EntityID
		return nil
	}))
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Close(ctx)

	select {
	case id := <-got:
		assert.Equal(t, "a-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("pending event was not handled after restart")
	}
	require.Eventually(t, func() bool {
		p, err := client.XPending(ctx, opts.Stream, opts.Group).Result()
		return err == nil && p.Count == 0
	}, 5*time.Second, 20*time.Millisecond)
}
