package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
)

type SweeperOptions struct {
	Interval time.Duration
	// Grace is how long past due a pending or retrying delivery may sit
	// before it is considered lost.
	Grace time.Duration
	Lease time.Duration
	Batch int
	Now   func() time.Time
}

// Sweeper re-enqueues deliveries whose task was lost, such as failed
// enqueues and claims held by crashed workers.
type Sweeper struct {
	deliveries delivery.Store
	queue      queue.Queue
	opts       SweeperOptions
	log        *logging.Logger
}

func NewSweeper(deliveries delivery.Store, q queue.Queue, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.Batch < 1 {
		opts.Batch = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{deliveries: deliveries, queue: q, opts: opts, log: logging.New("sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Plain().WithError(err).Error("Sweep failed")
			}
		}
	}
}

// SweepOnce re-enqueues one batch and returns how many tasks were enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.opts.Now()
	ids, err := s.deliveries.SweepStale(ctx, now, now.Add(-s.opts.Grace), now.Add(-s.opts.Lease), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("sweep stale deliveries: %w", err)
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, queue.NewTask(ctx, id), time.Time{}); err != nil {
			s.log.Plain().WithDelivery(id).WithError(err).Error("Failed to re-enqueue delivery")
			continue
		}
		enqueued++
	}
	metrics.RecordSwept(enqueued)
	if enqueued > 0 {
		s.log.Plain().WithField("count", enqueued).Info("Re-enqueued stale deliveries")
	}
	return enqueued, nil
}
