// Package event defines the domain events flowing through the pipeline and
// the envelope delivered to webhook subscribers.
package event

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is an immutable notification that something happened to an entity.
type Event struct {
	Type       string    `json:"type" validate:"required,max=200"`
	EntityID   string    `json:"entityId" validate:"required,max=500"`
	Payload    Value     `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
	// Discriminators are folded into the idempotency key (e.g. locale).
	Discriminators map[string]string `json:"discriminators,omitempty"`
}

// New builds an event that occurred now.
func New(eventType, entityID string, payload Value) Event {
	return Event{
		Type:       eventType,
		EntityID:   entityID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// WithDiscriminator returns a copy of e carrying an extra discriminator.
func (e Event) WithDiscriminator(key, value string) Event {
	d := make(map[string]string, len(e.Discriminators)+1)
	for k, v := range e.Discriminators {
		d[k] = v
	}
	d[key] = value
	e.Discriminators = d
	return e
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if e.Type == "*" {
		return fmt.Errorf("invalid event: type %q is reserved", e.Type)
	}
	return nil
}
