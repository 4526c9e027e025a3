package queue

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/eventhook/internal/logging"
)

// MemoryQueue is an in-process Queue for local development and tests. Tasks
// do not survive a restart.
type MemoryQueue struct {
	tasks        chan Task
	done         chan struct{}
	requeueDelay time.Duration
	log          *logging.Logger

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func NewMemoryQueue(buffer int, requeueDelay time.Duration) *MemoryQueue {
	return &MemoryQueue{
		tasks:        make(chan Task, buffer),
		done:         make(chan struct{}),
		requeueDelay: requeueDelay,
		log:          logging.New("memory-queue"),
		timers:       make(map[*time.Timer]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	delay := time.Until(runAt)
	if delay <= 0 {
		go q.push(t)
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.push(t)
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) push(t Task) {
	select {
	case q.tasks <- t:
	case <-q.done:
	}
}

// Scheduled returns the number of delayed tasks not yet due.
func (q *MemoryQueue) Scheduled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Run processes tasks with concurrency goroutines until ctx is done or the
// queue is closed. Failed tasks run again after the requeue delay.
func (q *MemoryQueue) Run(ctx context.Context, h Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case t := <-q.tasks:
					if err := h.Handle(t.Context(ctx), t); err != nil {
						q.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Warn("Task failed, requeueing")
						_ = q.Enqueue(ctx, t, time.Now().Add(q.requeueDelay))
					}
				}
			}
		}()
	}
	wg.Wait()
}

// Close drops pending and scheduled tasks and stops Run.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.done)
}
