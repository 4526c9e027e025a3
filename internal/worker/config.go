package worker

import (
	"github.com/austindbirch/eventhook/internal/config"
)

// OptionsFromConfig maps the worker config section onto Options.
func OptionsFromConfig(c config.Worker, version string) Options {
	return Options{
		MaxAttempts: c.MaxAttempts,
		Backoff:     Backoff{Schedule: c.BackoffSchedule, JitterPercent: c.JitterPercent},
		Lease:       c.Lease,
		HTTPTimeout: c.HTTPTimeout,
		Version:     version,
	}
}

func SweeperOptionsFromConfig(c config.Worker) SweeperOptions {
	return SweeperOptions{
		Interval: c.SweepInterval,
		Grace:    c.SweepGrace,
		Lease:    c.Lease,
		Batch:    c.SweepBatch,
	}
}
