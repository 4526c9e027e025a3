package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/eventhook/internal/config"
	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/signature"
	"github.com/austindbirch/eventhook/internal/worker"
)

var logger = logging.New("fake-receiver")

// receiver accepts webhook deliveries, optionally checking signatures and
// failing the first N requests to exercise retries.
type receiver struct {
	secret     string
	failFirstN int64
	delay      time.Duration
	count      atomic.Int64
}

func newReceiver(c config.FakeReceiver) *receiver {
	return &receiver{
		secret:     c.EndpointSecret,
		failFirstN: int64(c.FailFirstN),
		delay:      time.Duration(c.ResponseDelayMS) * time.Millisecond,
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rc.count.Add(1)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	log := logger.Plain().WithDelivery(r.Header.Get(worker.HeaderDelivery)).WithField("request", n)

	if rc.secret != "" && !signature.Verify(rc.secret, body, r.Header.Get(signature.Header)) {
		log.Warn("Signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	if n <= rc.failFirstN {
		log.WithField("body", truncate(string(body), 160)).Infof("Failing request %d/%d", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(body), 160)).Info("Webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("load config")
	}
	rc := newReceiver(cfg.FakeReceiver)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rc.failFirstN,
		"verify":       rc.secret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
