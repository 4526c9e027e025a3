package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/austindbirch/eventhook/internal/api"
	"github.com/austindbirch/eventhook/internal/auth"
	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/config"
	"github.com/austindbirch/eventhook/internal/db"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/dispatcher"
	"github.com/austindbirch/eventhook/internal/dlq"
	"github.com/austindbirch/eventhook/internal/health"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
	"github.com/austindbirch/eventhook/internal/queue"
	"github.com/austindbirch/eventhook/internal/store/memory"
	"github.com/austindbirch/eventhook/internal/subscription"
	"github.com/austindbirch/eventhook/internal/tracing"
	"github.com/austindbirch/eventhook/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var logger = logging.New("eventhook-server")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("server exited")
	}
	logger.Plain().Info("server stopped")
}

// stores holds the persistence and queue side of the pipeline for one store mode.
type stores struct {
	deliveries delivery.Store
	subs       subscription.Store
	queue      queue.Queue
	checks     []health.Check
	// background runs until ctx is done; used by memory mode for the
	// in-process worker.
	background func(ctx context.Context) error
	close      func()
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName+"-server", cfg.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var rdb redis.UniversalClient
	if cfg.BusMode == "redis" || cfg.StoreMode == "postgres" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	var st stores
	switch cfg.StoreMode {
	case "memory":
		st, err = memoryStores(cfg)
	default:
		st, err = postgresStores(ctx, cfg)
	}
	if err != nil {
		return err
	}
	defer st.close()
	if rdb != nil {
		st.checks = append(st.checks, health.Check{Name: "redis", Pinger: health.Redis(rdb)})
	}

	cache := subscription.NewCache(st.subs, cfg.Dispatcher.CacheTTL)

	var (
		eventBus bus.Bus
		redisBus *bus.RedisBus
	)
	if cfg.BusMode == "redis" {
		redisBus = bus.NewRedisBus(rdb, bus.RedisOptions{
			Stream: cfg.Redis.EventsStream,
			MaxLen: cfg.Redis.StreamMaxLen,
			Group:  cfg.Redis.ConsumerGroup,
		})
		eventBus = redisBus
	} else {
		eventBus = bus.NewLocalBus()
	}

	dispatcher.New(cache, st.deliveries, st.queue, dispatcher.WithDedupWindow(cfg.Dispatcher.DedupWindow)).Register(eventBus)
	if redisBus != nil {
		// after Register, so pending stream events find the dispatcher
		if err := redisBus.Start(ctx); err != nil {
			return fmt.Errorf("start redis bus: %w", err)
		}
	}

	policy, err := dlq.ParsePolicy(cfg.DLQ.RetryPolicy)
	if err != nil {
		return err
	}
	dlqSvc := dlq.New(st.deliveries, cache, st.queue, dlq.Options{Policy: policy})

	var validator *auth.JWTValidator
	if cfg.Auth.Enabled {
		validator, err = auth.NewJWTValidator(auth.Options{
			PublicKeyPEM: cfg.Auth.PublicKeyPEM,
			HMACSecret:   cfg.Auth.HMACSecret,
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
		})
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	} else {
		logger.Plain().Warn("Admin API authentication disabled")
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: api.NewRouter(api.Options{
			DLQ:            dlqSvc,
			Deliveries:     st.deliveries,
			Bus:            eventBus,
			Auth:           validator,
			AllowedOrigins: cfg.AllowedOrigins,
			Health:         st.checks,
			Gatherer:       reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Admin HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		health.RegisterGRPC(gctx, grpcSrv, 10*time.Second, st.checks...)
		g.Go(func() error {
			logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
			return grpcSrv.Serve(lis)
		})
	}

	if rdb != nil && cfg.StoreMode == "postgres" {
		inv := subscription.NewRedisInvalidator(rdb, cfg.Redis.InvalidationChannel, cache)
		if cfg.SubscriptionsFile != "" {
			// seeding rewrote rows that peer servers may hold cached
			if err := inv.Notify(ctx, "*"); err != nil {
				logger.Plain().WithError(err).Warn("Failed to announce seeded subscriptions")
			}
		}
		g.Go(func() error {
			// the cache TTL still bounds staleness when Redis is unavailable
			if err := inv.Run(gctx); err != nil && gctx.Err() == nil {
				logger.Plain().WithError(err).Error("Subscription invalidation stopped")
			}
			return nil
		})
	}

	if st.background != nil {
		g.Go(func() error { return st.background(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Plain().WithError(err).Warn("HTTP shutdown incomplete")
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := eventBus.Close(sctx); err != nil {
			logger.Plain().WithError(err).Warn("Event bus did not drain")
		}
		return nil
	})

	logger.Plain().WithFields(map[string]any{
		"store_mode": cfg.StoreMode,
		"bus_mode":   cfg.BusMode,
		"version":    cfg.Version,
	}).Info("eventhook server started")
	return g.Wait()
}

func postgresStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.DB.Migrate {
		if err := db.Migrate(cfg.DSN()); err != nil {
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return stores{}, err
	}

	subs := subscription.NewPostgresStore(pool)
	if cfg.SubscriptionsFile != "" {
		seed, err := subscription.LoadFile(cfg.SubscriptionsFile)
		if err != nil {
			pool.Close()
			return stores{}, err
		}
		for _, s := range seed {
			if err := subs.Upsert(ctx, s); err != nil {
				pool.Close()
				return stores{}, fmt.Errorf("seed subscription %s: %w", s.ID, err)
			}
		}
		logger.Plain().WithField("count", len(seed)).Info("Seeded subscriptions")
	}

	q, err := queue.NewNSQQueue(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeliveriesTopic)
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	return stores{
		deliveries: delivery.NewPostgresStore(pool),
		subs:       subs,
		queue:      q,
		checks: []health.Check{
			{Name: "postgres", Pinger: pool},
			{Name: "nsq", Pinger: q},
		},
		close: func() {
			q.Stop()
			pool.Close()
		},
	}, nil
}

// memoryStores runs the whole pipeline in one process, including delivery.
func memoryStores(cfg config.Config) (stores, error) {
	subs := memory.NewSubscriptionStore()
	if cfg.SubscriptionsFile != "" {
		seed, err := subscription.LoadFile(cfg.SubscriptionsFile)
		if err != nil {
			return stores{}, err
		}
		for _, s := range seed {
			if err := subs.Put(s); err != nil {
				return stores{}, err
			}
		}
		logger.Plain().WithField("count", len(seed)).Info("Loaded subscriptions")
	}

	deliveries := memory.NewDeliveryStore()
	q := queue.NewMemoryQueue(1024, 5*time.Second)
	w := worker.New(deliveries, subs, q, worker.OptionsFromConfig(cfg.Worker, cfg.Version))
	sweeper := worker.NewSweeper(deliveries, q, worker.SweeperOptionsFromConfig(cfg.Worker))

	return stores{
		deliveries: deliveries,
		subs:       subs,
		queue:      q,
		background: func(ctx context.Context) error {
			go sweeper.Run(ctx)
			q.Run(ctx, w, cfg.Worker.Concurrency)
			return nil
		},
		close: q.Close,
	}, nil
}
