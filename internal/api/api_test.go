package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/eventhook/internal/auth"
	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/dispatcher"
	"github.com/austindbirch/eventhook/internal/dlq"
	"github.com/austindbirch/eventhook/internal/event"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/store/memory"
	"github.com/austindbirch/eventhook/internal/subscription"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(_ context.Context, t queue.Task, _ time.Time) error {
	q.mu.Lock()
	q.ids = append(q.ids, t.DeliveryID)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type env struct {
	handler    http.Handler
	deliveries *memory.DeliveryStore
	queue      *fakeQueue
	bus        *bus.LocalBus
}

func newEnv(t *testing.T, validator *auth.JWTValidator) *env {
	t.Helper()
	deliveries := memory.NewDeliveryStore()
	subs := memory.NewSubscriptionStore(
		subscription.Subscription{ID: "sub-1", URL: "https://example.com/hook", Secret: "s", EventTypes: []string{"*"}, Enabled: true},
	)
	q := &fakeQueue{}
	b := bus.NewLocalBus()
	dispatcher.New(subs, deliveries, q).Register(b)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	return &env{
		handler: NewRouter(Options{
			DLQ:        dlq.New(deliveries, subs, q, dlq.Options{}),
			Deliveries: deliveries,
			Bus:        b,
			Auth:       validator,
		}),
		deliveries: deliveries,
		queue:      q,
		bus:        b,
	}
}

func (e *env) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// seedDeadLetter dead-letters a fresh delivery for subID.
func (e *env) seedDeadLetter(t *testing.T, subID, eventType string, retryCount int) delivery.DeadLetter {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	d := delivery.New(subID, event.New(eventType, "entity", event.Null()), now)
	require.NoError(t, e.deliveries.Create(ctx, d))
	claimed, ok, err := e.deliveries.Claim(ctx, d.ID, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	f := delivery.Failure{ResponseStatus: 503, At: now}
	entry := delivery.NewDeadLetter(claimed, retryCount, f)
	require.NoError(t, e.deliveries.DeadLetter(ctx, d.ID, claimed.Attempts, f, entry))
	return entry
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestListDLQ(t *testing.T) {
	e := newEnv(t, nil)
	e.seedDeadLetter(t, "sub-1", "content.published", 5)
	e.seedDeadLetter(t, "sub-1", "content.published", 3)
	e.seedDeadLetter(t, "sub-1", "schema.changed", 5)

	rec := e.do(t, http.MethodGet, "/dlq?eventType=content.published&minRetryCount=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[dlq.ListResult](t, rec)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "content.published", res.Entries[0].EventType)
	assert.Equal(t, 5, res.Entries[0].RetryCount)

	rec = e.do(t, http.MethodGet, "/dlq?limit=2", "")
	res = decode[dlq.ListResult](t, rec)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Entries, 2)

	rec = e.do(t, http.MethodGet, "/dlq?minRetryCount=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, "/dlq?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryDLQ(t *testing.T) {
	e := newEnv(t, nil)
	entry := e.seedDeadLetter(t, "sub-1", "content.published", 5)

	rec := e.do(t, http.MethodPost, "/dlq/"+entry.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[resultsResponse](t, rec)
	require.Len(t, res.Results, 1)
	assert.Equal(t, dlq.StatusQueued, res.Results[0].Status)
	assert.Equal(t, entry.ID, res.Results[0].EntryID)

	d, err := e.deliveries.Get(context.Background(), res.Results[0].DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, d.Status)
	assert.Equal(t, entry.ID, d.ReplayOf)

	rec = e.do(t, http.MethodPost, "/dlq/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	res = decode[resultsResponse](t, rec)
	assert.Equal(t, dlq.StatusFailed, res.Results[0].Status)

	orphan := e.seedDeadLetter(t, "gone", "content.published", 5)
	rec = e.do(t, http.MethodPost, "/dlq/"+orphan.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryAllDLQ(t *testing.T) {
	e := newEnv(t, nil)
	e.seedDeadLetter(t, "sub-1", "content.published", 5)
	e.seedDeadLetter(t, "sub-1", "content.published", 5)
	e.seedDeadLetter(t, "gone", "content.published", 5)
	e.seedDeadLetter(t, "sub-1", "schema.changed", 5)

	rec := e.do(t, http.MethodPost, "/dlq/retry-all", `{"eventType":"content.published"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[retryAllResponse](t, rec)
	assert.Len(t, res.Results, 3)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	rec = e.do(t, http.MethodPost, "/dlq/retry-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[retryAllResponse](t, rec)
	assert.Len(t, res.Results, 4, "retained entries can be replayed again")

	rec = e.do(t, http.MethodPost, "/dlq/retry-all", `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDLQ(t *testing.T) {
	e := newEnv(t, nil)
	entry := e.seedDeadLetter(t, "sub-1", "t", 5)

	rec := e.do(t, http.MethodDelete, "/dlq/"+entry.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[resultsResponse](t, rec)
	assert.Equal(t, []dlq.RetryResult{{EntryID: entry.ID, Status: dlq.StatusDeleted}}, res.Results)

	rec = e.do(t, http.MethodDelete, "/dlq/"+entry.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDelivery(t *testing.T) {
	e := newEnv(t, nil)
	d := delivery.New("sub-1", event.New("t", "e", event.String("x")), time.Now())
	require.NoError(t, e.deliveries.Create(context.Background(), d))

	rec := e.do(t, http.MethodGet, "/deliveries/"+d.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[delivery.Delivery](t, rec)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, delivery.StatusPending, got.Status)

	rec = e.do(t, http.MethodGet, "/deliveries/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishEvent(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/events", `{"type":"content.published","entityId":"a-1","payload":{"title":"Hi"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, e.bus.Close(context.Background()))
	assert.Equal(t, 1, e.queue.count())

	rec = e.do(t, http.MethodPost, "/events", `{"type":"content.published","entityId":"a-2"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "closed bus")

	for _, body := range []string{`{`, `{"entityId":"x"}`, `{"type":"*","entityId":"x"}`} {
		rec = e.do(t, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAuthGuardsAdminRoutes(t *testing.T) {
	v, err := auth.NewJWTValidator(auth.Options{HMACSecret: "secret", Issuer: "eventhook", Audience: "admin"})
	require.NoError(t, err)
	e := newEnv(t, v)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/dlq", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", "").Code)

	tok, err := auth.IssueToken("secret", "eventhook", "admin", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/dlq", "", "Authorization", "Bearer "+tok).Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodOptions, "/dlq", "",
		"Origin", "https://console.example.com",
		"Access-Control-Request-Method", http.MethodPost)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
