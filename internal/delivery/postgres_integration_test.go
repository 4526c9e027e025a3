//go:build integration

package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/eventhook/internal/db/dbtest"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/event"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := delivery.NewPostgresStore(dbtest.StartPostgres(t))

	now := time.Now().UTC().Truncate(time.Microsecond)
	ev := event.New("content.published", "article-1", event.Object(map[string]event.Value{"title": event.String("Hi")}))
	d := delivery.New("sub-1", ev, now)

	stored, created, err := store.CreateIfAbsent(ctx, d, time.Minute)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, d.ID, stored.ID)

	// same key 5s later is deduplicated
	dup := delivery.New("sub-1", ev, now.Add(5*time.Second))
	stored, created, err = store.CreateIfAbsent(ctx, dup, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, stored.ID)

	claimed, ok, err := store.Claim(ctx, d.ID, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusAttempting, claimed.Status)

	// a second claim while the lease holds is refused
	_, ok, err = store.Claim(ctx, d.ID, now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	fail := delivery.Failure{ResponseStatus: 500, At: now.Add(time.Second)}
	require.NoError(t, store.MarkRetrying(ctx, d.ID, claimed.Attempts, fail, now.Add(2*time.Second)))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 500, got.LastResponseStatus)
	require.NotNil(t, got.FirstFailedAt)

	// not yet due
	_, ok, err = store.Claim(ctx, d.ID, now.Add(500*time.Millisecond), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, ok, err = store.Claim(ctx, d.ID, now.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a stale guard loses
	assert.ErrorIs(t, store.MarkDelivered(ctx, d.ID, 0, 200, now), delivery.ErrClaimLost)
	require.NoError(t, store.MarkDelivered(ctx, d.ID, claimed.Attempts, 200, now.Add(3*time.Second)))

	got, err = store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.Payload.Equal(ev.Payload))

	_, ok, err = store.Claim(ctx, d.ID, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "delivered deliveries are not claimable")

	_, err = store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestPostgresStoreConcurrentDedup(t *testing.T) {
	ctx := context.Background()
	store := delivery.NewPostgresStore(dbtest.StartPostgres(t))
	ev := event.New("schema.changed", "schema-1", event.Null())
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateIfAbsent(ctx, delivery.New("sub-1", ev, now), time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestPostgresStoreDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := delivery.NewPostgresStore(dbtest.StartPostgres(t))
	now := time.Now().UTC().Truncate(time.Microsecond)

	d := delivery.New("sub-1", event.New("media.uploaded", "img-1", event.String("x")), now)
	d.Attempts = 4
	d.Status = delivery.StatusRetrying
	require.NoError(t, store.Create(ctx, d))

	claimed, ok, err := store.Claim(ctx, d.ID, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	fail := delivery.Failure{ResponseStatus: 503, At: now.Add(time.Second)}
	entry := delivery.NewDeadLetter(claimed, 5, fail)
	require.NoError(t, store.DeadLetter(ctx, d.ID, claimed.Attempts, fail, entry))

	// the guard rejects a replayed dead-letter transition
	assert.ErrorIs(t, store.DeadLetter(ctx, d.ID, claimed.Attempts, fail, delivery.NewDeadLetter(claimed, 5, fail)), delivery.ErrClaimLost)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDeadLettered, got.Status)
	assert.Equal(t, 5, got.Attempts)

	entries, total, err := store.ListDeadLetters(ctx, delivery.DeadLetterFilter{EventType: "media.uploaded", MinRetryCount: 5}, 50, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "max attempts reached (5): HTTP 503", entries[0].FailureReason)

	_, total, err = store.ListDeadLetters(ctx, delivery.DeadLetterFilter{MinRetryCount: 6}, 50, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	replay := entries[0].Replay(now.Add(time.Minute))
	require.NoError(t, store.Create(ctx, replay))
	require.NoError(t, store.MarkReplayed(ctx, entry.ID, replay.ID, now.Add(time.Minute)))

	fetched, err := store.GetDeadLetter(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.ReplayedAt)
	assert.Equal(t, replay.ID, fetched.ReplayDeliveryID)

	require.NoError(t, store.DeleteDeadLetter(ctx, entry.ID))
	assert.ErrorIs(t, store.DeleteDeadLetter(ctx, entry.ID), delivery.ErrDeadLetterNotFound)
	_, err = store.GetDeadLetter(ctx, entry.ID)
	assert.ErrorIs(t, err, delivery.ErrDeadLetterNotFound)
}

func TestPostgresStoreSweepStale(t *testing.T) {
	ctx := context.Background()
	store := delivery.NewPostgresStore(dbtest.StartPostgres(t))
	now := time.Now().UTC()

	stale := delivery.New("sub-1", event.New("a", "1", event.Null()), now.Add(-10*time.Minute))
	fresh := delivery.New("sub-1", event.New("a", "2", event.Null()), now)
	held := delivery.New("sub-1", event.New("a", "3", event.Null()), now.Add(-10*time.Minute))
	for _, d := range []delivery.Delivery{stale, fresh, held} {
		require.NoError(t, store.Create(ctx, d))
	}
	_, ok, err := store.Claim(ctx, held.ID, now.Add(-5*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := store.SweepStale(ctx, now, now.Add(-time.Minute), now.Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{stale.ID, held.ID}, ids)

	// the swept pending row was bumped and is not swept again right away
	ids, err = store.SweepStale(ctx, now, now.Add(-time.Minute), now.Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{held.ID}, ids)
}

func TestPostgresStoreAbandonIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := delivery.NewPostgresStore(dbtest.StartPostgres(t))
	now := time.Now().UTC()

	d := delivery.New("sub-gone", event.New("a", "1", event.Null()), now.Add(-10*time.Minute))
	require.NoError(t, store.Create(ctx, d))
	assert.ErrorIs(t, store.Abandon(ctx, d.ID, 0, "subscription not found"), delivery.ErrClaimLost, "not claimed")

	claimed, ok, err := store.Claim(ctx, d.ID, now.Add(-5*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Abandon(ctx, d.ID, claimed.Attempts, "subscription not found"))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusAbandoned, got.Status)
	assert.Equal(t, "subscription not found", got.LastError)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)

	_, ok, err = store.Claim(ctx, d.ID, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := store.SweepStale(ctx, now.Add(time.Hour), now.Add(time.Hour), now.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
