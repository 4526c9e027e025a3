// Package health reports dependency reachability over HTTP and the standard
// gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const checkTimeout = time.Second

// Pinger is satisfied by *pgxpool.Pool and *queue.NSQQueue.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Redis adapts a go-redis client.
func Redis(client redis.UniversalClient) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Check is one named dependency ping.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Run pings every check and reports the aggregate.
func Run(ctx context.Context, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(checks))
	for _, c := range checks {
		if c.Pinger == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Pinger.Ping(cctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = c.Name + " ping failed"
			st.Checks[c.Name] = err.Error()
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// RegisterGRPC installs the grpc.health.v1 service on srv. Its overall status
// follows the checks until ctx is done, then it reports NOT_SERVING.
func RegisterGRPC(ctx context.Context, srv *grpc.Server, interval time.Duration, checks ...Check) *grpchealth.Server {
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	update(ctx, hs, checks)
	go watch(ctx, hs, interval, checks)
	return hs
}

func watch(ctx context.Context, hs *grpchealth.Server, interval time.Duration, checks []Check) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update(ctx, hs, checks)
		}
	}
}

func update(ctx context.Context, hs *grpchealth.Server, checks []Check) {
	status := healthpb.HealthCheckResponse_SERVING
	if !Run(ctx, checks...).OK {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
}
