package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/eventhook/internal/event"
)

// JobType tags dead-letter entries produced by webhook delivery.
const JobType = "webhook_delivery"

// DeadLetter is the operator-visible record of an exhausted delivery.
type DeadLetter struct {
	ID                 string      `json:"id"`
	SourceDeliveryID   string      `json:"sourceDeliveryId"`
	SubscriptionID     string      `json:"subscriptionId"`
	EventType          string      `json:"eventType"`
	EntityID           string      `json:"entityId"`
	JobType            string      `json:"jobType"`
	Payload            event.Value `json:"payload"`
	OccurredAt         time.Time   `json:"occurredAt"`
	IdempotencyKey     string      `json:"idempotencyKey"`
	FailureReason      string      `json:"failureReason"`
	LastResponseStatus int         `json:"lastResponseStatus,omitempty"`
	RetryCount         int         `json:"retryCount"`
	FirstFailedAt      time.Time   `json:"firstFailedAt"`
	LastFailedAt       time.Time   `json:"lastFailedAt"`
	ReplayedAt         *time.Time  `json:"replayedAt,omitempty"`
	ReplayDeliveryID   string      `json:"replayDeliveryId,omitempty"`
}

// DeadLetterFilter narrows a DLQ listing. Zero fields match everything.
type DeadLetterFilter struct {
	EventType      string `json:"eventType,omitempty"`
	MinRetryCount  int    `json:"minRetryCount,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Matches reports whether e passes the filter.
func (f DeadLetterFilter) Matches(e DeadLetter) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.SubscriptionID != "" && e.SubscriptionID != f.SubscriptionID {
		return false
	}
	return e.RetryCount >= f.MinRetryCount
}

// NewDeadLetter builds the entry for d after its final failed attempt. The
// failure window of the entry opens when the delivery was created.
func NewDeadLetter(d Delivery, attempts int, f Failure) DeadLetter {
	return DeadLetter{
		ID:                 uuid.NewString(),
		SourceDeliveryID:   d.ID,
		SubscriptionID:     d.SubscriptionID,
		EventType:          d.EventType,
		EntityID:           d.EntityID,
		JobType:            JobType,
		Payload:            d.Payload,
		OccurredAt:         d.OccurredAt,
		IdempotencyKey:     d.IdempotencyKey,
		FailureReason:      fmt.Sprintf("max attempts reached (%d): %s", attempts, f.Summary()),
		LastResponseStatus: f.ResponseStatus,
		RetryCount:         attempts,
		FirstFailedAt:      d.CreatedAt,
		LastFailedAt:       f.At,
	}
}

// Replay builds the fresh delivery an operator retry of e creates.
func (e DeadLetter) Replay(now time.Time) Delivery {
	return Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: e.SubscriptionID,
		EventType:      e.EventType,
		EntityID:       e.EntityID,
		Payload:        e.Payload,
		OccurredAt:     e.OccurredAt,
		IdempotencyKey: e.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      now,
		ReplayOf:       e.ID,
	}
}
