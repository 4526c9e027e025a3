package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/austindbirch/eventhook/internal/subscription"
)

type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]subscription.Subscription
}

var _ subscription.Store = (*SubscriptionStore)(nil)

func NewSubscriptionStore(subs ...subscription.Subscription) *SubscriptionStore {
	s := &SubscriptionStore{subs: make(map[string]subscription.Subscription, len(subs))}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

// Put adds or replaces a subscription.
func (s *SubscriptionStore) Put(sub subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return nil
}

func (s *SubscriptionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *SubscriptionStore) ListForEvent(_ context.Context, eventType string) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []subscription.Subscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.Matches(eventType) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SubscriptionStore) Get(_ context.Context, id string) (subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return sub, nil
}
