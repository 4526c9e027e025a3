package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/event"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/signature"
	"github.com/austindbirch/eventhook/internal/store/memory"
	"github.com/austindbirch/eventhook/internal/subscription"
)

type scheduled struct {
	task  queue.Task
	runAt time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (q *fakeQueue) Enqueue(_ context.Context, t queue.Task, runAt time.Time) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, scheduled{t, runAt})
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) pop(t *testing.T) scheduled {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.tasks, "expected a scheduled task")
	s := q.tasks[0]
	q.tasks = q.tasks[1:]
	return s
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fixture struct {
	deliveries *memory.DeliveryStore
	subs       *memory.SubscriptionStore
	queue      *fakeQueue
	worker     *Worker
	now        time.Time
}

func newFixture(t *testing.T, url string, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		deliveries: memory.NewDeliveryStore(),
		subs:       memory.NewSubscriptionStore(),
		queue:      &fakeQueue{},
		now:        time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.subs.Put(subscription.Subscription{
		ID:            "sub-1",
		URL:           url,
		Secret:        "whsec_test",
		EventTypes:    []string{"*"},
		Enabled:       true,
		CustomHeaders: map[string]string{"X-Tenant": "acme", "Content-Type": "text/plain", signature.Header: "forged"},
	}))
	opts.Now = func() time.Time { return f.now }
	f.worker = New(f.deliveries, f.subs, f.queue, opts)
	return f
}

func (f *fixture) seed(t *testing.T) delivery.Delivery {
	t.Helper()
	ev := event.New("content.published", "article-1", event.Object(map[string]event.Value{"title": event.String("Hello")}))
	ev.OccurredAt = f.now
	d := delivery.New("sub-1", ev, f.now)
	require.NoError(t, f.deliveries.Create(context.Background(), d))
	return d
}

func (f *fixture) get(t *testing.T, id string) delivery.Delivery {
	t.Helper()
	d, err := f.deliveries.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestProcessDeliversSignedEnvelope(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Options{Version: "1.2.3"})
	d := f.seed(t)

	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: d.ID}))

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 200, got.LastResponseStatus)
	require.NotNil(t, got.DeliveredAt)

	assert.True(t, signature.Verify("whsec_test", gotBody, gotHeader.Get(signature.Header)))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "acme", gotHeader.Get("X-Tenant"))
	assert.Equal(t, d.ID, gotHeader.Get(HeaderDelivery))
	assert.Equal(t, d.IdempotencyKey, gotHeader.Get(HeaderIdempotencyKey))
	assert.Equal(t, "eventhook/1.2.3", gotHeader.Get("User-Agent"))

	env, err := event.DecodeEnvelope(gotBody)
	require.NoError(t, err)
	assert.Equal(t, "content.published", env.Event)
	assert.True(t, env.OccurredAt.Equal(f.now))
	title, _ := env.Data.Get("title")
	s, _ := title.AsString()
	assert.Equal(t, "Hello", s)

	assert.Zero(t, f.queue.len())
}

func TestProcessExhaustsIntoDeadLetter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Options{})
	d := f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, queue.Task{DeliveryID: d.ID}))
	var delays []time.Duration
	for i := 0; i < 4; i++ {
		next := f.queue.pop(t)
		delays = append(delays, next.runAt.Sub(f.now))
		assert.Equal(t, delivery.StatusRetrying, f.get(t, d.ID).Status)

		f.now = next.runAt
		require.NoError(t, f.worker.Process(ctx, next.task))
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
	assert.EqualValues(t, 5, calls.Load())
	assert.Zero(t, f.queue.len(), "no retry after the last attempt")

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusDeadLettered, got.Status)
	assert.Equal(t, 5, got.Attempts)

	entries, total, err := f.deliveries.ListDeadLetters(ctx, delivery.DeadLetterFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	e := entries[0]
	assert.Equal(t, d.ID, e.SourceDeliveryID)
	assert.Equal(t, 5, e.RetryCount)
	assert.Equal(t, "max attempts reached (5): HTTP 500", e.FailureReason)
	assert.Equal(t, 500, e.LastResponseStatus)
	assert.Equal(t, delivery.JobType, e.JobType)
	assert.Equal(t, d.CreatedAt, e.FirstFailedAt)
	assert.Equal(t, f.now, e.LastFailedAt)

	// a duplicate task after dead-lettering changes nothing
	require.NoError(t, f.worker.Process(ctx, queue.Task{DeliveryID: d.ID}))
	assert.EqualValues(t, 5, calls.Load())
	_, total, _ = f.deliveries.ListDeadLetters(ctx, delivery.DeadLetterFilter{}, 10, 0)
	assert.Equal(t, 1, total)
}

func TestProcessUsesSubscriptionMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Options{})
	sub, _ := f.subs.Get(context.Background(), "sub-1")
	sub.MaxAttempts = 1
	require.NoError(t, f.subs.Put(sub))
	d := f.seed(t)

	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: d.ID}))

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessIsIdempotentForDelivered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Options{})
	d := f.seed(t)
	task := queue.Task{DeliveryID: d.ID}

	require.NoError(t, f.worker.Process(context.Background(), task))
	require.NoError(t, f.worker.Process(context.Background(), task))
	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: "unknown"}))

	assert.EqualValues(t, 1, calls.Load())
	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessSkipsEarlyDuplicateTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Options{Backoff: Backoff{Schedule: []time.Duration{time.Minute}}})
	d := f.seed(t)

	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: d.ID}))
	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: d.ID}))

	assert.EqualValues(t, 1, calls.Load(), "a retrying delivery is not attempted before it is due")
	assert.Equal(t, 1, f.get(t, d.ID).Attempts)
}

func TestProcessAbandonsDeliveryForUnavailableSubscription(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tests := []struct {
		name       string
		prepare    func(t *testing.T, f *fixture)
		wantReason string
	}{
		{
			name: "disabled",
			prepare: func(t *testing.T, f *fixture) {
				sub, err := f.subs.Get(context.Background(), "sub-1")
				require.NoError(t, err)
				sub.Enabled = false
				require.NoError(t, f.subs.Put(sub))
			},
			wantReason: "subscription disabled",
		},
		{
			name:       "deleted",
			prepare:    func(_ *testing.T, f *fixture) { f.subs.Delete("sub-1") },
			wantReason: "subscription not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, srv.URL, Options{})
			tt.prepare(t, f)
			d := f.seed(t)

			require.NoError(t, f.worker.Process(ctx, queue.Task{DeliveryID: d.ID}))

			got := f.get(t, d.ID)
			assert.Equal(t, delivery.StatusAbandoned, got.Status)
			assert.True(t, got.Status.Terminal())
			assert.Zero(t, got.Attempts)
			assert.Equal(t, tt.wantReason, got.LastError)
			assert.Nil(t, got.NextAttemptAt)
			assert.Zero(t, f.queue.len(), "no retry is scheduled")

			// neither the sweeper nor a duplicate task brings it back
			s := NewSweeper(f.deliveries, f.queue, SweeperOptions{Grace: time.Minute, Lease: time.Minute, Batch: 10, Now: func() time.Time { return f.now }})
			for i := 0; i < 10; i++ {
				f.now = f.now.Add(7 * time.Minute)
				n, err := s.SweepOnce(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
				require.NoError(t, f.worker.Process(ctx, queue.Task{DeliveryID: d.ID}))
			}
			assert.Equal(t, delivery.StatusAbandoned, f.get(t, d.ID).Status)
			assert.Zero(t, f.queue.len())
		})
	}
	assert.Zero(t, calls.Load())
}

func TestProcessTimeoutIsAFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newFixture(t, srv.URL, Options{HTTPTimeout: 50 * time.Millisecond})
	d := f.seed(t)

	require.NoError(t, f.worker.Process(context.Background(), queue.Task{DeliveryID: d.ID}))

	got := f.get(t, d.ID)
	assert.Equal(t, delivery.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Zero(t, got.LastResponseStatus)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, 1, f.queue.len())
}

type failingStore struct {
	*memory.DeliveryStore
}

func (failingStore) Claim(context.Context, string, time.Time, time.Duration) (delivery.Delivery, bool, error) {
	return delivery.Delivery{}, false, errors.New("db down")
}

func TestProcessReturnsStoreErrors(t *testing.T) {
	w := New(failingStore{memory.NewDeliveryStore()}, memory.NewSubscriptionStore(), &fakeQueue{}, Options{})
	assert.Error(t, w.Process(context.Background(), queue.Task{DeliveryID: "d"}))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Schedule: DefaultSchedule}
	want := []time.Duration{1, 2, 4, 8, 16, 16, 16}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, Backoff{}.Delay(1), "empty schedule falls back to the default")

	jittered := Backoff{Schedule: []time.Duration{10 * time.Second}, JitterPercent: 0.25}
	for i := 0; i < 100; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 7500*time.Millisecond)
		assert.LessOrEqual(t, d, 12500*time.Millisecond)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"deadline", context.DeadlineExceeded, 0, "timeout"},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, 0, "timeout"},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, 0, "connection_refused"},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, 0, "dns_error"},
		{"timeout text", errors.New("Client.Timeout exceeded"), 0, "timeout"},
		{"other network", errors.New("connection reset by peer"), 0, "network"},
		{"5xx", nil, 503, "http_5xx"},
		{"429", nil, 429, "http_429"},
		{"4xx", nil, 404, "http_4xx"},
		{"3xx", nil, 302, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSweeperReenqueuesStaleDeliveries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewDeliveryStore()
	q := &fakeQueue{}

	stale := delivery.New("sub-1", event.New("t", "stale", event.Null()), now.Add(-5*time.Minute))
	fresh := delivery.New("sub-1", event.New("t", "fresh", event.Null()), now)
	require.NoError(t, store.Create(ctx, stale))
	require.NoError(t, store.Create(ctx, fresh))

	s := NewSweeper(store, q, SweeperOptions{Grace: time.Minute, Lease: time.Minute, Batch: 10, Now: func() time.Time { return now }})
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, stale.ID, q.pop(t).task.DeliveryID)

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a swept delivery gets a fresh grace period")
}
