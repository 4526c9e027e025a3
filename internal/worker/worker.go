// Package worker executes webhook deliveries: it claims a delivery, signs and
// POSTs its envelope, and records the outcome as delivered, retrying or dead
// lettered.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/signature"
	"github.com/austindbirch/eventhook/internal/subscription"
	"github.com/austindbirch/eventhook/internal/tracing"
)

const (
	HeaderDelivery       = "X-Webhook-Delivery"
	HeaderIdempotencyKey = "X-Webhook-Idempotency-Key"
	HeaderTraceID        = "X-Trace-Id"
)

type Options struct {
	// MaxAttempts applies to subscriptions without their own limit.
	MaxAttempts  int
	Backoff      Backoff
	Lease       time.Duration
	HTTPTimeout time.Duration
	Version     string
	Client      *http.Client
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = subscription.DefaultMaxAttempts
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 15 * time.Second
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.Client == nil {
		o.Client = &http.Client{
			Timeout:   o.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Worker struct {
	deliveries delivery.Store
	subs       subscription.Store
	queue      queue.Queue
	opts       Options
	log        *logging.Logger
}

func New(deliveries delivery.Store, subs subscription.Store, q queue.Queue, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		deliveries: deliveries,
		subs:       subs,
		queue:      q,
		opts:       opts,
		log:        logging.New("worker"),
	}
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, t queue.Task) error {
	return w.Process(ctx, t)
}

// Process runs one attempt of the task's delivery. Tasks for deliveries that
// are unknown, terminal, not yet due or held by another worker are no-ops.
// An error means the outcome could not be recorded and the task should run
// again.
func (w *Worker) Process(ctx context.Context, t queue.Task) error {
	ctx, span := tracing.StartSpan(ctx, "worker.delivery", attribute.String("delivery_id", t.DeliveryID))
	defer span.End()
	log := w.log.WithContext(ctx).WithDelivery(t.DeliveryID)

	now := w.opts.Now()
	d, ok, err := w.deliveries.Claim(ctx, t.DeliveryID, now, w.opts.Lease)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("claim delivery %s: %w", t.DeliveryID, err)
	}
	if !ok {
		log.Debug("Delivery not claimable, skipping")
		return nil
	}
	span.SetAttributes(
		attribute.String("subscription_id", d.SubscriptionID),
		attribute.String("event_type", d.EventType),
		attribute.Int("attempt", d.Attempts+1),
	)
	log = log.WithSubscription(d.SubscriptionID).WithEvent(d.EventType)

	sub, err := w.subs.Get(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound) || (err == nil && !sub.Enabled):
		reason := "subscription disabled"
		if err != nil {
			reason = "subscription not found"
		}
		tracing.AddSpanEvent(ctx, "delivery.abandoned", attribute.String("reason", reason))
		if err := w.deliveries.Abandon(ctx, d.ID, d.Attempts, reason); err != nil && !errors.Is(err, delivery.ErrClaimLost) {
			return fmt.Errorf("abandon delivery %s: %w", d.ID, err)
		}
		metrics.RecordDelivery("abandoned", 0)
		log.WithField("reason", reason).Warn("Delivery abandoned")
		return nil
	case err != nil:
		tracing.SetSpanError(ctx, err)
		// Release the claim so the redelivered task can pick it up at once.
		if aerr := w.deliveries.Release(ctx, d.ID, d.Attempts, now); aerr != nil && !errors.Is(aerr, delivery.ErrClaimLost) {
			log.WithError(aerr).Error("Failed to release claim")
		}
		return fmt.Errorf("load subscription %s: %w", d.SubscriptionID, err)
	}

	return w.attempt(ctx, d, sub, log)
}

func (w *Worker) attempt(ctx context.Context, d delivery.Delivery, sub subscription.Subscription, log *logging.LogEntry) error {
	attempt := d.Attempts + 1

	status, latency, callErr := w.send(ctx, d, sub)
	if status > 0 {
		metrics.RecordHTTPDelivery(status)
	}

	if callErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := w.deliveries.MarkDelivered(ctx, d.ID, d.Attempts, status, w.opts.Now()); err != nil {
			return w.recordFailed(ctx, d, log, err)
		}
		metrics.RecordDelivery("delivered", latency)
		log.WithFields(map[string]any{"attempt": attempt, "status": status, "latency_ms": latency.Milliseconds()}).Info("Delivered")
		return nil
	}

	reason := classifyReason(callErr, status)
	f := delivery.Failure{ResponseStatus: status, Error: errString(callErr), At: w.opts.Now()}
	tracing.AddSpanEvent(ctx, "delivery.failed", attribute.String("failure_reason", reason))
	log = log.WithFields(map[string]any{"attempt": attempt, "status": status, "reason": reason})

	if maxAttempts := sub.EffectiveMaxAttempts(w.opts.MaxAttempts); attempt >= maxAttempts {
		entry := delivery.NewDeadLetter(d, attempt, f)
		if err := w.deliveries.DeadLetter(ctx, d.ID, d.Attempts, f, entry); err != nil {
			return w.recordFailed(ctx, d, log, err)
		}
		metrics.RecordDelivery("dead_lettered", latency)
		metrics.RecordDLQ(reason)
		log.WithField("dead_letter_id", entry.ID).Error(entry.FailureReason)
		return nil
	}

	delay := w.opts.Backoff.Delay(attempt)
	next := f.At.Add(delay)
	if err := w.deliveries.MarkRetrying(ctx, d.ID, d.Attempts, f, next); err != nil {
		return w.recordFailed(ctx, d, log, err)
	}
	metrics.RecordDelivery("failed", latency)
	metrics.RecordRetry(reason)

	// A lost enqueue leaves the delivery retrying; the sweeper re-enqueues it.
	if err := w.queue.Enqueue(ctx, queue.NewTask(ctx, d.ID), next); err != nil {
		log.WithError(err).Error("Failed to schedule retry")
		return nil
	}
	log.WithField("delay", delay.String()).Info("Delivery failed, retry scheduled")
	return nil
}

// recordFailed handles a failed outcome write. A lost claim means another
// worker owns the delivery now.
func (w *Worker) recordFailed(ctx context.Context, d delivery.Delivery, log *logging.LogEntry, err error) error {
	if errors.Is(err, delivery.ErrClaimLost) {
		log.Warn("Claim lost before the outcome was recorded")
		return nil
	}
	tracing.SetSpanError(ctx, err)
	return fmt.Errorf("record outcome of delivery %s: %w", d.ID, err)
}

// send POSTs the signed envelope. Custom headers cannot replace the headers
// set after them.
func (w *Worker) send(ctx context.Context, d delivery.Delivery, sub subscription.Subscription) (int, time.Duration, error) {
	body, err := d.Envelope().Encode()
	if err != nil {
		return 0, 0, fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range sub.CustomHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "eventhook/"+w.opts.Version)
	req.Header.Set(signature.Header, signature.Sign(sub.Secret, body))
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderIdempotencyKey, d.IdempotencyKey)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(HeaderTraceID, traceID)
	}

	start := time.Now()
	resp, err := w.opts.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, latency, nil
}
