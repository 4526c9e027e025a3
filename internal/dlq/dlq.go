// Package dlq is the operator surface over dead-lettered deliveries: listing,
// replaying and discarding entries.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/subscription"
	"github.com/austindbirch/eventhook/internal/tracing"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var (
	ErrNotFound = delivery.ErrDeadLetterNotFound
	// ErrSubscriptionUnavailable means the entry's subscription was removed
	// or disabled, so a replay would never be attempted.
	ErrSubscriptionUnavailable = errors.New("subscription missing or disabled")
)

type Filter = delivery.DeadLetterFilter

type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type ListResult struct {
	Entries []delivery.DeadLetter `json:"entries"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// Policy decides what happens to an entry once its replay delivery exists.
type Policy string

const (
	// PolicyRetain keeps the entry and records the replay on it.
	PolicyRetain Policy = "retain"
	// PolicyRemove deletes the entry.
	PolicyRemove Policy = "remove"
)

// ParsePolicy maps a config value to a Policy. Empty means retain.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRetain:
		return PolicyRetain, nil
	case PolicyRemove:
		return PolicyRemove, nil
	}
	return "", fmt.Errorf("unknown dlq retry policy %q", s)
}

const (
	StatusQueued  = "queued"
	StatusCreated = "created"
	StatusFailed  = "failed"
	StatusDeleted = "deleted"
)

// RetryResult reports the outcome for one entry. StatusCreated means the
// replay delivery was stored but its task could not be enqueued; the sweeper
// picks it up later.
type RetryResult struct {
	EntryID    string `json:"entryId"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type Options struct {
	Policy Policy
	Now    func() time.Time
}

type Service struct {
	deliveries delivery.Store
	subs       subscription.Store
	queue      queue.Queue
	policy     Policy
	now        func() time.Time
	log        *logging.Logger
}

func New(deliveries delivery.Store, subs subscription.Store, q queue.Queue, opts Options) *Service {
	if opts.Policy == "" {
		opts.Policy = PolicyRetain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		deliveries: deliveries,
		subs:       subs,
		queue:      q,
		policy:     opts.Policy,
		now:        opts.Now,
		log:        logging.New("dlq"),
	}
}

// List returns one page of entries, most recently failed first.
func (s *Service) List(ctx context.Context, f Filter, p Page) (ListResult, error) {
	p = p.normalize()
	entries, total, err := s.deliveries.ListDeadLetters(ctx, f, p.Limit, p.Offset)
	if err != nil {
		return ListResult{}, fmt.Errorf("list dead letters: %w", err)
	}
	if entries == nil {
		entries = []delivery.DeadLetter{}
	}
	return ListResult{Entries: entries, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

func (s *Service) Get(ctx context.Context, id string) (delivery.DeadLetter, error) {
	return s.deliveries.GetDeadLetter(ctx, id)
}

// Retry creates a fresh delivery from the entry and enqueues it. The result
// is populated even when err is non-nil.
func (s *Service) Retry(ctx context.Context, id string) (RetryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.retry", attribute.String("dead_letter_id", id))
	defer span.End()

	res, err := s.retry(ctx, id)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		res.Status = StatusFailed
		res.Error = err.Error()
		metrics.RecordDLQAction("retry", "failure")
		return res, err
	}
	metrics.RecordDLQAction("retry", "success")
	return res, nil
}

func (s *Service) retry(ctx context.Context, id string) (RetryResult, error) {
	res := RetryResult{EntryID: id}
	entry, err := s.deliveries.GetDeadLetter(ctx, id)
	if err != nil {
		return res, err
	}
	log := s.log.WithContext(ctx).WithSubscription(entry.SubscriptionID).WithEvent(entry.EventType).WithField("dead_letter_id", id)

	sub, err := s.subs.Get(ctx, entry.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound), err == nil && !sub.Enabled:
		return res, ErrSubscriptionUnavailable
	case err != nil:
		return res, fmt.Errorf("load subscription %s: %w", entry.SubscriptionID, err)
	}

	now := s.now()
	d := entry.Replay(now)
	if err := s.deliveries.Create(ctx, d); err != nil {
		return res, fmt.Errorf("create replay delivery: %w", err)
	}
	res.DeliveryID = d.ID
	log = log.WithDelivery(d.ID)

	switch s.policy {
	case PolicyRemove:
		if err := s.deliveries.DeleteDeadLetter(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			log.WithError(err).Warn("Replay created but entry could not be removed")
		}
	default:
		if err := s.deliveries.MarkReplayed(ctx, id, d.ID, now); err != nil {
			log.WithError(err).Warn("Replay created but entry could not be marked")
		}
	}

	if err := s.queue.Enqueue(ctx, queue.NewTask(ctx, d.ID), time.Time{}); err != nil {
		log.WithError(err).Error("Replay delivery stored but not enqueued")
		res.Status = StatusCreated
		res.Error = err.Error()
		return res, nil
	}
	res.Status = StatusQueued
	log.Info("Dead letter replayed")
	return res, nil
}

// RetryAll replays every entry matching f. Entries are collected before any
// replay so that retained entries are not visited twice; each entry succeeds
// or fails on its own.
func (s *Service) RetryAll(ctx context.Context, f Filter) ([]RetryResult, error) {
	var ids []string
	for offset := 0; ; offset += MaxLimit {
		entries, total, err := s.deliveries.ListDeadLetters(ctx, f, MaxLimit, offset)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		if len(entries) < MaxLimit || offset+len(entries) >= total {
			break
		}
	}

	results := make([]RetryResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, RetryResult{EntryID: id, Status: StatusFailed, Error: err.Error()})
			failed++
			continue
		}
		res, err := s.Retry(ctx, id)
		if err != nil {
			failed++
		}
		results = append(results, res)
	}
	s.log.WithContext(ctx).WithFields(map[string]any{
		"matched": len(ids),
		"failed":  failed,
	}).Info("Bulk dead letter retry finished")
	return results, nil
}

// Delete removes the entry for good.
func (s *Service) Delete(ctx context.Context, id string) (RetryResult, error) {
	if err := s.deliveries.DeleteDeadLetter(ctx, id); err != nil {
		metrics.RecordDLQAction("delete", "failure")
		return RetryResult{EntryID: id, Status: StatusFailed, Error: err.Error()}, err
	}
	metrics.RecordDLQAction("delete", "success")
	s.log.WithContext(ctx).WithField("dead_letter_id", id).Info("Dead letter deleted")
	return RetryResult{EntryID: id, Status: StatusDeleted}, nil
}
