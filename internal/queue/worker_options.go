package queue

import (
	"log/slog"
	"time"
)

type workerOptions struct {
	pollInterval time.Duration
	concurrency  int
	globalLimit  int
	itemTimeout  time.Duration
	logger       *slog.Logger
}

// WorkerOption configures the worker.
type WorkerOption func(*workerOptions)

// WithPollInterval sets the scheduling tick interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithConcurrency sets how many items this worker instance processes at once.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithGlobalLimit sets the ceiling on processing items across all worker
// instances, enforced against the store's processing count on each tick.
func WithGlobalLimit(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.globalLimit = n
		}
	}
}

// WithItemTimeout bounds each inference call; an unresponsive inference
// service fails the item rather than blocking the worker.
func WithItemTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.itemTimeout = d
		}
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if log != nil {
			o.logger = log
		}
	}
}
