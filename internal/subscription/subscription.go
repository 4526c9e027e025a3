// Package subscription exposes the read-only view of webhook subscriptions
// the dispatcher and worker consult.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// DefaultMaxAttempts applies when neither the subscription nor the caller
// supplies a usable limit.
const DefaultMaxAttempts = 5

var ErrNotFound = errors.New("subscription not found")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Subscription struct {
	ID            string            `json:"id" validate:"required"`
	URL           string            `json:"url" validate:"required,http_url"`
	Secret        string            `json:"secret" validate:"required"`
	EventTypes    []string          `json:"eventTypes" validate:"min=1,dive,required"`
	Enabled       bool              `json:"enabled"`
	MaxAttempts   int               `json:"maxAttempts" validate:"gte=0"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
}

// Matches reports whether the subscription wants events of eventType.
func (s Subscription) Matches(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType) || slices.Contains(s.EventTypes, Wildcard)
}

// EffectiveMaxAttempts returns the subscription's own limit, else def, else
// DefaultMaxAttempts.
func (s Subscription) EffectiveMaxAttempts(def int) int {
	switch {
	case s.MaxAttempts >= 1:
		return s.MaxAttempts
	case def >= 1:
		return def
	default:
		return DefaultMaxAttempts
	}
}

func (s Subscription) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid subscription %q: %w", s.ID, err)
	}
	return nil
}

// Store is the subscription lookup contract. Subscription management lives
// outside this service.
type Store interface {
	// ListForEvent returns enabled subscriptions matching eventType,
	// including wildcard subscribers.
	ListForEvent(ctx context.Context, eventType string) ([]Subscription, error)
	// Get returns a subscription whether or not it is enabled.
	Get(ctx context.Context, id string) (Subscription, error)
}
