package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// DefaultSchedule is the retry delay sequence, indexed by attempt-1.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

type Backoff struct {
	Schedule []time.Duration
	// JitterPercent spreads each delay by up to +/- this fraction. Zero keeps
	// the schedule exact.
	JitterPercent float64
}

// Delay returns the wait before the attempt following attempt number
// attempt. Attempts past the end of the schedule reuse its last entry.
func (b Backoff) Delay(attempt int) time.Duration {
	schedule := b.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	if b.JitterPercent <= 0 {
		return base
	}
	j := 1 + (rand.Float64()*2-1)*b.JitterPercent
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// classifyReason buckets a failed attempt for metrics and logs.
func classifyReason(err error, status int) string {
	if err != nil {
		var netErr net.Error
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
			return "timeout"
		case errors.Is(err, syscall.ECONNREFUSED):
			return "connection_refused"
		case errors.As(err, &dnsErr):
			return "dns_error"
		}

		errLower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errLower, "timeout"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return "dns_error"
		case status == 0:
			return "network"
		}
		return "other"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
