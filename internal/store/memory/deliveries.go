// Package memory provides in-process stores for local development and
// tests. They implement the same guarded transitions as the Postgres stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/eventhook/internal/delivery"
)

type DeliveryStore struct {
	mu          sync.Mutex
	deliveries  map[string]delivery.Delivery
	deadLetters map[string]delivery.DeadLetter
	bySource    map[string]string
}

var _ delivery.Store = (*DeliveryStore)(nil)

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		deliveries:  make(map[string]delivery.Delivery),
		deadLetters: make(map[string]delivery.DeadLetter),
		bySource:    make(map[string]string),
	}
}

func (s *DeliveryStore) CreateIfAbsent(_ context.Context, d delivery.Delivery, window time.Duration) (delivery.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := d.CreatedAt.Add(-window)
	var (
		latest delivery.Delivery
		found  bool
	)
	for _, existing := range s.deliveries {
		if existing.IdempotencyKey != d.IdempotencyKey || !existing.CreatedAt.After(since) {
			continue
		}
		if !found || existing.CreatedAt.After(latest.CreatedAt) {
			latest, found = existing, true
		}
	}
	if found {
		return latest, false, nil
	}
	if err := s.insert(d); err != nil {
		return delivery.Delivery{}, false, err
	}
	return d, true, nil
}

func (s *DeliveryStore) Create(_ context.Context, d delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(d)
}

func (s *DeliveryStore) insert(d delivery.Delivery) error {
	if _, ok := s.deliveries[d.ID]; ok {
		return fmt.Errorf("insert delivery: duplicate id %s", d.ID)
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *DeliveryStore) Get(_ context.Context, id string) (delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return d, nil
}

func (s *DeliveryStore) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (delivery.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return delivery.Delivery{}, false, nil
	}

	switch d.Status {
	case delivery.StatusPending, delivery.StatusRetrying:
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now.Add(delivery.ClaimSkew)) {
			return delivery.Delivery{}, false, nil
		}
	case delivery.StatusAttempting:
		if d.ClaimedAt == nil || !d.ClaimedAt.Before(now.Add(-lease)) {
			return delivery.Delivery{}, false, nil
		}
	default:
		return delivery.Delivery{}, false, nil
	}

	d.Status = delivery.StatusAttempting
	d.ClaimedAt = timePtr(now)
	s.deliveries[id] = d
	return d, true, nil
}

// guarded applies fn to the delivery if it is still held by the claim.
func (s *DeliveryStore) guarded(id string, claimed int, fn func(*delivery.Delivery)) error {
	d, ok := s.deliveries[id]
	if !ok || d.Status != delivery.StatusAttempting || d.Attempts != claimed {
		return delivery.ErrClaimLost
	}
	fn(&d)
	s.deliveries[id] = d
	return nil
}

func (s *DeliveryStore) Release(_ context.Context, id string, claimed int, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guarded(id, claimed, func(d *delivery.Delivery) {
		d.Status = delivery.StatusPending
		d.ClaimedAt = nil
		d.NextAttemptAt = timePtr(retryAt)
	})
}

func (s *DeliveryStore) Abandon(_ context.Context, id string, claimed int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guarded(id, claimed, func(d *delivery.Delivery) {
		d.Status = delivery.StatusAbandoned
		d.LastError = reason
		d.ClaimedAt = nil
		d.NextAttemptAt = nil
	})
}

func (s *DeliveryStore) MarkDelivered(_ context.Context, id string, claimed int, responseStatus int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guarded(id, claimed, func(d *delivery.Delivery) {
		d.Status = delivery.StatusDelivered
		d.Attempts = claimed + 1
		d.LastResponseStatus = responseStatus
		d.LastError = ""
		d.DeliveredAt = timePtr(at)
		d.ClaimedAt = nil
		d.NextAttemptAt = nil
	})
}

func (s *DeliveryStore) MarkRetrying(_ context.Context, id string, claimed int, f delivery.Failure, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guarded(id, claimed, func(d *delivery.Delivery) {
		recordFailure(d, claimed, f)
		d.Status = delivery.StatusRetrying
		d.NextAttemptAt = timePtr(nextAttemptAt)
	})
}

func (s *DeliveryStore) DeadLetter(_ context.Context, id string, claimed int, f delivery.Failure, entry delivery.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.guarded(id, claimed, func(d *delivery.Delivery) {
		recordFailure(d, claimed, f)
		d.Status = delivery.StatusDeadLettered
		d.NextAttemptAt = nil
	})
	if err != nil {
		return err
	}
	if _, ok := s.bySource[id]; ok {
		return nil
	}
	entry.SourceDeliveryID = id
	s.deadLetters[entry.ID] = entry
	s.bySource[id] = entry.ID
	return nil
}

func recordFailure(d *delivery.Delivery, claimed int, f delivery.Failure) {
	d.Attempts = claimed + 1
	d.LastResponseStatus = f.ResponseStatus
	d.LastError = f.Summary()
	if d.FirstFailedAt == nil {
		d.FirstFailedAt = timePtr(f.At)
	}
	d.ClaimedAt = nil
}

func (s *DeliveryStore) SweepStale(_ context.Context, now, dueBefore, leaseExpiredBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id string
		at time.Time
	}
	var due, expired []candidate
	for id, d := range s.deliveries {
		switch d.Status {
		case delivery.StatusPending, delivery.StatusRetrying:
			at := d.CreatedAt
			if d.NextAttemptAt != nil {
				at = *d.NextAttemptAt
			}
			if at.Before(dueBefore) {
				due = append(due, candidate{id, at})
			}
		case delivery.StatusAttempting:
			if d.ClaimedAt != nil && d.ClaimedAt.Before(leaseExpiredBefore) {
				expired = append(expired, candidate{id, *d.ClaimedAt})
			}
		}
	}
	byTime := func(c []candidate) {
		sort.Slice(c, func(i, j int) bool { return c[i].at.Before(c[j].at) })
	}
	byTime(due)
	byTime(expired)

	var ids []string
	for _, c := range due {
		if len(ids) >= limit {
			break
		}
		d := s.deliveries[c.id]
		d.NextAttemptAt = timePtr(now)
		s.deliveries[c.id] = d
		ids = append(ids, c.id)
	}
	for _, c := range expired {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, c.id)
	}
	return ids, nil
}

func (s *DeliveryStore) ListDeadLetters(_ context.Context, f delivery.DeadLetterFilter, limit, offset int) ([]delivery.DeadLetter, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []delivery.DeadLetter
	for _, e := range s.deadLetters {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastFailedAt.Equal(matched[j].LastFailedAt) {
			return matched[i].LastFailedAt.After(matched[j].LastFailedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (s *DeliveryStore) GetDeadLetter(_ context.Context, id string) (delivery.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deadLetters[id]
	if !ok {
		return delivery.DeadLetter{}, delivery.ErrDeadLetterNotFound
	}
	return e, nil
}

func (s *DeliveryStore) MarkReplayed(_ context.Context, entryID, deliveryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deadLetters[entryID]
	if !ok {
		return delivery.ErrDeadLetterNotFound
	}
	e.ReplayedAt = timePtr(at)
	e.ReplayDeliveryID = deliveryID
	s.deadLetters[entryID] = e
	return nil
}

func (s *DeliveryStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deadLetters[id]
	if !ok {
		return delivery.ErrDeadLetterNotFound
	}
	delete(s.deadLetters, id)
	delete(s.bySource, e.SourceDeliveryID)
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
