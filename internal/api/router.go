// Package api serves the admin HTTP surface: DLQ operations, delivery
// lookup, event ingestion, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/eventhook/internal/auth"
	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/dlq"
	"github.com/austindbirch/eventhook/internal/health"
	"github.com/austindbirch/eventhook/internal/logging"
)

type Options struct {
	DLQ        *dlq.Service
	Deliveries delivery.Store
	Bus        bus.Bus
	// Auth guards every route except /healthz and /metrics. Nil leaves the
	// API open.
	Auth           *auth.JWTValidator
	AllowedOrigins []string
	Health         []health.Check
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Now            func() time.Time
}

type server struct {
	dlq        *dlq.Service
	deliveries delivery.Store
	bus        bus.Bus
	now        func() time.Time
	log        *logging.Logger
}

// NewRouter builds the admin handler.
func NewRouter(opts Options) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &server{
		dlq:        opts.DLQ,
		deliveries: opts.Deliveries,
		bus:        opts.Bus,
		now:        opts.Now,
		log:        logging.New("api"),
	}

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(s.log.Zerolog()))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	if opts.Auth != nil {
		r.Use(opts.Auth.HTTPMiddleware)
	}

	r.Get("/healthz", health.HTTPHandler(opts.Health...))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.listDLQ)
		r.Post("/retry-all", s.retryAllDLQ)
		r.Post("/{id}/retry", s.retryDLQ)
		r.Delete("/{id}", s.deleteDLQ)
	})
	r.Get("/deliveries/{id}", s.getDelivery)
	r.Post("/events", s.publishEvent)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})
	return otelhttp.NewHandler(c.Handler(r), "admin-api")
}
