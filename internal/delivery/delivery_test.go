package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/eventhook/internal/event"
)

func TestIdempotencyKey(t *testing.T) {
	ev := event.New("content.updated", "page-1", event.Null()).
		WithDiscriminator("locale", "en").
		WithDiscriminator("channel", "web")

	sum := sha256.Sum256([]byte("sub-1\x1fcontent.updated\x1fpage-1\x1fchannel=web\x1flocale=en"))
	assert.Equal(t, hex.EncodeToString(sum[:]), IdempotencyKey("sub-1", ev))

	tests := []struct {
		name  string
		sub   string
		event event.Event
		same  bool
	}{
		{"payload ignored", "sub-1", withPayload(ev, event.String("different")), true},
		{"occurrence time ignored", "sub-1", withTime(ev, time.Unix(0, 0)), true},
		{"other subscription", "sub-2", ev, false},
		{"other locale", "sub-1", ev.WithDiscriminator("locale", "fr"), false},
		{"other entity", "sub-1", withEntity(ev, "page-2"), false},
	}

	base := IdempotencyKey("sub-1", ev)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IdempotencyKey(tt.sub, tt.event)
			if (got == base) != tt.same {
				t.Errorf("IdempotencyKey() equal = %v, want %v", got == base, tt.same)
			}
		})
	}
}

func withPayload(e event.Event, v event.Value) event.Event { e.Payload = v; return e }
func withTime(e event.Event, at time.Time) event.Event      { e.OccurredAt = at; return e }
func withEntity(e event.Event, id string) event.Event       { e.EntityID = id; return e }

func TestNew(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := event.New("schema.changed", "schema-3", event.Object(map[string]event.Value{"v": event.Number(2)}))

	d := New("sub-9", ev, now)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "sub-9", d.SubscriptionID)
	assert.Equal(t, "schema.changed", d.EventType)
	assert.Equal(t, "schema-3", d.EntityID)
	assert.Equal(t, StatusPending, d.Status)
	assert.Zero(t, d.Attempts)
	assert.Equal(t, now, d.CreatedAt)
	assert.Equal(t, IdempotencyKey("sub-9", ev), d.IdempotencyKey)
	assert.True(t, d.Payload.Equal(ev.Payload))
	assert.NotEqual(t, d.ID, New("sub-9", ev, now).ID)
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusAttempting, false},
		{StatusRetrying, false},
		{StatusDelivered, true},
		{StatusDeadLettered, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFailureSummary(t *testing.T) {
	tests := []struct {
		name string
		f    Failure
		want string
	}{
		{"error wins", Failure{ResponseStatus: 0, Error: "dial tcp: connection refused"}, "dial tcp: connection refused"},
		{"http status", Failure{ResponseStatus: 503}, "HTTP 503"},
		{"nothing", Failure{}, "unknown failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDeadLetter(t *testing.T) {
	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	firstAttempt := created.Add(time.Second)
	last := firstAttempt.Add(31 * time.Second)
	d := New("sub-1", event.New("content.published", "a-1", event.String("x")), created)
	d.FirstFailedAt = &firstAttempt

	entry := NewDeadLetter(d, 5, Failure{ResponseStatus: 500, At: last})

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, d.ID, entry.SourceDeliveryID)
	assert.Equal(t, JobType, entry.JobType)
	assert.Equal(t, "max attempts reached (5): HTTP 500", entry.FailureReason)
	assert.Equal(t, 5, entry.RetryCount)
	assert.Equal(t, 500, entry.LastResponseStatus)
	assert.Equal(t, created, entry.FirstFailedAt, "first failure is the delivery's creation time")
	assert.Equal(t, last, entry.LastFailedAt)
	assert.Equal(t, d.IdempotencyKey, entry.IdempotencyKey)

	d.FirstFailedAt = nil
	entry = NewDeadLetter(d, 1, Failure{Error: "timeout", At: last})
	assert.Equal(t, created, entry.FirstFailedAt)
	assert.Equal(t, "max attempts reached (1): timeout", entry.FailureReason)
}

func TestDeadLetterReplay(t *testing.T) {
	d := New("sub-1", event.New("media.uploaded", "img-1", event.Bool(true)), time.Now())
	entry := NewDeadLetter(d, 5, Failure{ResponseStatus: 502, At: time.Now()})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	replay := entry.Replay(now)

	require.NotEqual(t, d.ID, replay.ID)
	assert.Equal(t, entry.ID, replay.ReplayOf)
	assert.Equal(t, StatusPending, replay.Status)
	assert.Zero(t, replay.Attempts)
	assert.Equal(t, now, replay.CreatedAt)
	assert.Equal(t, d.IdempotencyKey, replay.IdempotencyKey)
	assert.Equal(t, d.SubscriptionID, replay.SubscriptionID)
	assert.Equal(t, d.EventType, replay.EventType)
	assert.Equal(t, d.EntityID, replay.EntityID)
	assert.True(t, replay.Payload.Equal(d.Payload))
}

func TestDeadLetterFilterMatches(t *testing.T) {
	e := DeadLetter{EventType: "content.published", SubscriptionID: "sub-1", RetryCount: 5}

	tests := []struct {
		name   string
		filter DeadLetterFilter
		want   bool
	}{
		{"empty", DeadLetterFilter{}, true},
		{"event type", DeadLetterFilter{EventType: "content.published"}, true},
		{"other event type", DeadLetterFilter{EventType: "schema.changed"}, false},
		{"min retry met", DeadLetterFilter{MinRetryCount: 5}, true},
		{"min retry not met", DeadLetterFilter{MinRetryCount: 6}, false},
		{"subscription", DeadLetterFilter{SubscriptionID: "sub-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeadLetterWhere(t *testing.T) {
	where, args := deadLetterWhere(DeadLetterFilter{})
	assert.Equal(t, "TRUE", where)
	assert.Empty(t, args)

	where, args = deadLetterWhere(DeadLetterFilter{EventType: "a", SubscriptionID: "s", MinRetryCount: 3})
	assert.Equal(t, "event_type = $1 AND subscription_id = $2 AND retry_count >= $3", where)
	assert.Equal(t, []any{"a", "s", 3}, args)
}
