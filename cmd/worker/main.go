package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/eventhook/internal/config"
	"github.com/austindbirch/eventhook/internal/db"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/health"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/subscription"
	"github.com/austindbirch/eventhook/internal/tracing"
	"github.com/austindbirch/eventhook/internal/worker"
)

var logger = logging.New("eventhook-worker")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("worker exited")
	}
	logger.Plain().Info("worker stopped")
}

// opsMux serves the health and metrics endpoints.
func opsMux(reg prometheus.Gatherer, checks ...health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName+"-worker", cfg.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	// retries are published back onto the same topic
	q, err := queue.NewNSQQueue(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeliveriesTopic)
	if err != nil {
		return err
	}
	defer q.Stop()

	deliveries := delivery.NewPostgresStore(pool)
	subs := subscription.NewPostgresStore(pool)
	w := worker.New(deliveries, subs, q, worker.OptionsFromConfig(cfg.Worker, cfg.Version))

	consumer, err := queue.NewConsumer(queue.ConsumerOptions{
		Topic:       cfg.NSQ.DeliveriesTopic,
		Channel:     cfg.NSQ.WorkerChannel,
		MaxInFlight: cfg.NSQ.MaxInFlight,
		Concurrency: cfg.Worker.Concurrency,
	}, w)
	if err != nil {
		return err
	}
	if err := consumer.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
		return err
	}

	sweeper := worker.NewSweeper(deliveries, q, worker.SweeperOptionsFromConfig(cfg.Worker))
	monitor := queue.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, cfg.Worker.BacklogInterval)

	httpSrv := &http.Server{
		Addr: cfg.Worker.HTTPPort,
		Handler: opsMux(reg,
			health.Check{Name: "postgres", Pinger: pool},
			health.Check{Name: "nsq", Pinger: q},
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if cfg.NSQ.NsqdHTTPAddr != "" {
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down")
		// stop consuming first so in-flight attempts finish and record outcomes
		consumer.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	logger.Plain().WithFields(map[string]any{
		"topic":       cfg.NSQ.DeliveriesTopic,
		"channel":     cfg.NSQ.WorkerChannel,
		"concurrency": cfg.Worker.Concurrency,
	}).Info("eventhook worker started")
	return g.Wait()
}
