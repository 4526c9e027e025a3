package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_events_published_total",
			Help: "Total number of events published on the bus.",
		},
		[]string{"event_type"},
	)

	BusHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_bus_handler_errors_total",
			Help: "Total number of bus handler errors and panics.",
		},
		[]string{"event_type"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_dispatch_total",
			Help: "Deliveries considered by the dispatcher by outcome.",
		},
		[]string{"event_type", "outcome"}, // created, deduplicated
	)

	DispatchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_dispatch_errors_total",
			Help: "Dispatcher failures by reason.",
		},
		[]string{"reason"}, // store, create, enqueue
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhook_delivery_latency_seconds",
			Help:    "Outbound webhook call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"status"},
	)

	HTTPDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_http_deliveries_total",
			Help: "Outbound webhook responses by HTTP status code.",
		},
		[]string{"code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_dlq_total",
			Help: "Total number of deliveries moved to the DLQ by last failure reason.",
		},
		[]string{"reason"},
	)

	DLQActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhook_dlq_actions_total",
			Help: "Operator DLQ actions by action and result.",
		},
		[]string{"action", "result"},
	)

	SweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventhook_sweeper_requeued_total",
			Help: "Deliveries re-enqueued by the sweeper.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventhook_worker_backlog",
			Help: "Messages waiting on the worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventhook_nsq_depth",
			Help: "NSQ channel depth.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublishedTotal,
		BusHandlerErrorsTotal,
		DispatchTotal,
		DispatchErrorsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		HTTPDeliveriesTotal,
		RetriesTotal,
		DLQTotal,
		DLQActionsTotal,
		SweptTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func RecordBusHandlerError(eventType string) {
	BusHandlerErrorsTotal.WithLabelValues(eventType).Inc()
}

func RecordDispatch(eventType, outcome string) {
	DispatchTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordDispatchError(reason string) {
	DispatchErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordDelivery counts an attempt outcome and, when the call was made, its latency.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordHTTPDelivery(code int) {
	HTTPDeliveriesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordDLQAction(action, result string) {
	DLQActionsTotal.WithLabelValues(action, result).Inc()
}

func RecordSwept(n int) {
	SweptTotal.Add(float64(n))
}

func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
