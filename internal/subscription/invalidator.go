package subscription

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/eventhook/internal/logging"
)

// Invalidator drops cached subscription state.
type Invalidator interface {
	Invalidate()
}

// RedisInvalidator listens on a Pub/Sub channel that the subscription
// management side publishes to after every change.
type RedisInvalidator struct {
	client  redis.UniversalClient
	channel string
	target  Invalidator
	log     *logging.Logger
}

func NewRedisInvalidator(client redis.UniversalClient, channel string, target Invalidator) *RedisInvalidator {
	return &RedisInvalidator{
		client:  client,
		channel: channel,
		target:  target,
		log:     logging.New("subscription-invalidator"),
	}
}

// Run blocks until ctx is done, invalidating the target on every message.
// It also invalidates once the subscription is confirmed, since changes made
// while nobody listened are otherwise lost.
func (r *RedisInvalidator) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.target.Invalidate()
	r.log.Plain().WithField("channel", r.channel).Info("Listening for subscription changes")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.log.Plain().WithSubscription(msg.Payload).Debug("Subscription changed, invalidating cache")
			r.target.Invalidate()
		}
	}
}

// Notify announces a change to subscriptionID to every listener.
func (r *RedisInvalidator) Notify(ctx context.Context, subscriptionID string) error {
	if err := r.client.Publish(ctx, r.channel, subscriptionID).Err(); err != nil {
		return fmt.Errorf("publish subscription change: %w", err)
	}
	return nil
}
