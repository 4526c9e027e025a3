package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/eventhook/internal/logging"
)

// MaxDefer is the longest delay nsqd accepts for a deferred publish or a
// requeue with its default --max-req-timeout. Longer delays are clamped and
// the sweeper picks the delivery up once it is due.
const MaxDefer = time.Hour

// NSQQueue publishes tasks to an nsqd topic.
type NSQQueue struct {
	producer *nsq.Producer
	topic    string
	now      func() time.Time
}

func NewNSQQueue(nsqdTCPAddr, topic string) (*NSQQueue, error) {
	producer, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{log: logging.New("nsq-producer")}, nsq.LogLevelWarning)
	return &NSQQueue{producer: producer, topic: topic, now: time.Now}, nil
}

func (q *NSQQueue) Enqueue(_ context.Context, t Task, runAt time.Time) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	delay := runAt.Sub(q.now())
	if delay > MaxDefer {
		delay = MaxDefer
	}
	if delay <= 0 {
		err = q.producer.Publish(q.topic, body)
	} else {
		err = q.producer.DeferredPublish(q.topic, delay, body)
	}
	if err != nil {
		return fmt.Errorf("publish task %s: %w", t.DeliveryID, err)
	}
	return nil
}

// Ping checks the nsqd connection.
func (q *NSQQueue) Ping(context.Context) error {
	return q.producer.Ping()
}

func (q *NSQQueue) Stop() {
	q.producer.Stop()
}

type ConsumerOptions struct {
	Topic        string
	Channel      string
	MaxInFlight  int
	Concurrency  int
	RequeueDelay time.Duration // applied when the handler fails
}

// Consumer feeds NSQ messages to a Handler and acknowledges them manually.
type Consumer struct {
	consumer     *nsq.Consumer
	handler      Handler
	requeueDelay time.Duration
	log          *logging.Logger
}

func NewConsumer(opts ConsumerOptions, h Handler) (*Consumer, error) {
	conf := nsq.NewConfig()
	if opts.MaxInFlight > 0 {
		conf.MaxInFlight = opts.MaxInFlight
	}
	nc, err := nsq.NewConsumer(opts.Topic, opts.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("create nsq consumer: %w", err)
	}

	c := &Consumer{
		consumer:     nc,
		handler:      h,
		requeueDelay: opts.RequeueDelay,
		log:          logging.New("nsq-consumer"),
	}
	if c.requeueDelay <= 0 {
		c.requeueDelay = 5 * time.Second
	}
	nc.SetLogger(nsqLogger{log: c.log}, nsq.LogLevelWarning)

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	nc.AddConcurrentHandlers(nsq.HandlerFunc(c.handleMessage), concurrency)
	return c, nil
}

func (c *Consumer) handleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish

	var t Task
	if err := json.Unmarshal(m.Body, &t); err != nil || t.DeliveryID == "" {
		c.log.Plain().WithError(err).WithField("body", string(m.Body)).Error("Bad task payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := t.Context(context.Background())
	if err := c.handler.Handle(ctx, t); err != nil {
		c.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).
			WithField("delay", c.requeueDelay.String()).Warn("Task failed, requeueing")
		m.Requeue(c.requeueDelay)
		return nil
	}
	m.Finish()
	return nil
}

// Connect attaches the consumer to nsqd directly, which creates the channel
// up front, and to nsqlookupd for discovery. Either address may be empty.
func (c *Consumer) Connect(nsqdTCPAddr, lookupHTTPAddr string) error {
	if nsqdTCPAddr != "" {
		if err := c.consumer.ConnectToNSQD(nsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if lookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(lookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to nsqlookupd: %w", err)
		}
	}
	return nil
}

// Stop waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

type nsqLogger struct {
	log *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Plain().Warn(strings.TrimSpace(s))
	return nil
}
