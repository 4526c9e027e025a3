// Package delivery holds the webhook delivery records, their dead-letter
// entries, and the persistence contract the dispatcher, worker and DLQ
// operator surface share.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/eventhook/internal/event"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAttempting   Status = "attempting"
	StatusRetrying     Status = "retrying"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
	// StatusAbandoned closes a delivery whose subscription was deleted or
	// disabled before it could be sent.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLettered || s == StatusAbandoned
}

// ClaimSkew tolerates clock drift between the queue's scheduled run time and
// the next_attempt_at recorded on the delivery.
const ClaimSkew = time.Second

var (
	ErrNotFound           = errors.New("delivery not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	// ErrClaimLost means a guarded update found the delivery no longer held
	// by the caller's claim.
	ErrClaimLost = errors.New("delivery claim lost")
)

// Delivery is one attempt-tracked notification of an event to a subscription.
type Delivery struct {
	ID                 string      `json:"id"`
	SubscriptionID     string      `json:"subscriptionId"`
	EventType          string      `json:"eventType"`
	EntityID           string      `json:"entityId"`
	Payload            event.Value `json:"payload"`
	OccurredAt         time.Time   `json:"occurredAt"`
	IdempotencyKey     string      `json:"idempotencyKey"`
	Attempts           int         `json:"attempts"`
	Status             Status      `json:"status"`
	LastResponseStatus int         `json:"lastResponseStatus,omitempty"`
	LastError          string      `json:"lastError,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	DeliveredAt        *time.Time  `json:"deliveredAt,omitempty"`
	NextAttemptAt      *time.Time  `json:"nextAttemptAt,omitempty"`
	ClaimedAt          *time.Time  `json:"claimedAt,omitempty"`
	FirstFailedAt      *time.Time  `json:"firstFailedAt,omitempty"`
	ReplayOf           string      `json:"replayOf,omitempty"`
}

// New creates a pending delivery of ev to the subscription.
func New(subscriptionID string, ev event.Event, now time.Time) Delivery {
	return Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		EventType:      ev.Type,
		EntityID:       ev.EntityID,
		Payload:        ev.Payload,
		OccurredAt:     ev.OccurredAt,
		IdempotencyKey: IdempotencyKey(subscriptionID, ev),
		Status:         StatusPending,
		CreatedAt:      now,
	}
}

// Envelope is the body this delivery sends.
func (d Delivery) Envelope() event.Envelope {
	return event.NewEnvelope(d.EventType, d.OccurredAt, d.Payload)
}

// IdempotencyKey is the lowercase hex SHA-256 of the subscription, event
// type, entity and sorted discriminators joined by the unit separator.
func IdempotencyKey(subscriptionID string, ev event.Event) string {
	parts := []string{subscriptionID, ev.Type, ev.EntityID}
	keys := make([]string, 0, len(ev.Discriminators))
	for k := range ev.Discriminators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+ev.Discriminators[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Failure describes a failed attempt.
type Failure struct {
	ResponseStatus int
	Error          string
	At             time.Time
}

// Summary is the human readable cause of the failure.
func (f Failure) Summary() string {
	if f.Error != "" {
		return f.Error
	}
	if f.ResponseStatus > 0 {
		return "HTTP " + strconv.Itoa(f.ResponseStatus)
	}
	return "unknown failure"
}

// Store persists deliveries and dead-letter entries. Mutations of a claimed
// delivery are guarded by status='attempting' and the attempts count seen at
// claim time, and return ErrClaimLost when that guard no longer holds.
type Store interface {
	// CreateIfAbsent inserts d unless a delivery with the same idempotency key
	// was created within window before d.CreatedAt. The lookup and insert are
	// atomic. It returns the stored delivery and whether it was created.
	CreateIfAbsent(ctx context.Context, d Delivery, window time.Duration) (Delivery, bool, error)
	// Create inserts d without a dedup check.
	Create(ctx context.Context, d Delivery) error
	Get(ctx context.Context, id string) (Delivery, error)

	// Claim moves a pending or retrying delivery whose next attempt is due,
	// or an attempting one whose lease expired, to attempting. ok is false
	// when the delivery is missing or not claimable.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (d Delivery, ok bool, err error)
	// Release gives a claim back without counting an attempt, leaving the
	// delivery pending until retryAt.
	Release(ctx context.Context, id string, claimed int, retryAt time.Time) error
	// Abandon closes a claimed delivery without counting an attempt. It is
	// never retried.
	Abandon(ctx context.Context, id string, claimed int, reason string) error
	MarkDelivered(ctx context.Context, id string, claimed int, responseStatus int, at time.Time) error
	MarkRetrying(ctx context.Context, id string, claimed int, f Failure, nextAttemptAt time.Time) error
	// DeadLetter marks the delivery dead_lettered and records entry in one
	// transaction. A second call for the same delivery records nothing.
	DeadLetter(ctx context.Context, id string, claimed int, f Failure, entry DeadLetter) error
	// SweepStale returns up to limit deliveries that should be re-enqueued:
	// pending or retrying ones due before dueBefore (their next_attempt_at is
	// bumped to now) and attempting ones claimed before leaseExpiredBefore.
	SweepStale(ctx context.Context, now, dueBefore, leaseExpiredBefore time.Time, limit int) ([]string, error)

	ListDeadLetters(ctx context.Context, f DeadLetterFilter, limit, offset int) ([]DeadLetter, int, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)
	MarkReplayed(ctx context.Context, entryID, deliveryID string, at time.Time) error
	DeleteDeadLetter(ctx context.Context, id string) error
}
