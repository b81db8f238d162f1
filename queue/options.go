package queue

import (
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultCapacity bounds how many items may wait in a queue.
	DefaultCapacity = 1024
	// DefaultBatchSize is the number of items staged before a flush.
	DefaultBatchSize = 100
	// DefaultPeriod is the interval between drain/flush cycles.
	DefaultPeriod = time.Second
	// DefaultInitialDelay is the wait before the first cycle.
	DefaultInitialDelay = 3 * time.Second
)

// FlushReason tells why a staged batch was flushed.
type FlushReason string

const (
	// FlushIdle means the queue ran dry before the batch filled up.
	FlushIdle FlushReason = "idle"
	// FlushFull means a full batch carried over from a previous cycle.
	FlushFull FlushReason = "full"
	// FlushClose means Close drained what was left.
	FlushClose FlushReason = "close"
	// FlushManual means Flush was called.
	FlushManual FlushReason = "manual"
)

// FlushObserver is told about every flush after its handlers ran.
type FlushObserver func(reason FlushReason, size int, failed int)

type config struct {
	capacity       int
	batchSize      int
	period         time.Duration
	initialDelay   time.Duration
	enqueueTimeout time.Duration
	logger         logger.Logger
	registerer     prometheus.Registerer
	observer       FlushObserver
}

// Option configures a Queue.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		capacity:     DefaultCapacity,
		batchSize:    DefaultBatchSize,
		period:       DefaultPeriod,
		initialDelay: DefaultInitialDelay,
		registerer:   prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(nil, logger.GetLevelFromEnv())
	}
	return cfg
}

// WithCapacity bounds the number of waiting items. Values <= 0 are ignored.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithBatchSize sets how many items are staged per flush. Values <= 0 are ignored.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPeriod sets the interval between cycles. Values <= 0 are ignored.
func WithPeriod(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithInitialDelay sets the wait before the first cycle. Zero starts at once.
func WithInitialDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.initialDelay = d
		}
	}
}

// WithEnqueueTimeout bounds how long Enqueue waits for capacity on a full
// queue. Zero, the default, waits until the context is done.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.enqueueTimeout = d
		}
	}
}

// WithLogger sets the logger; the queue adds a "[queue:<name>]" prefix.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer sets where queue metrics are registered. Nil disables
// registration. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithFlushObserver installs a callback invoked after every flush.
func WithFlushObserver(fn FlushObserver) Option {
	return func(c *config) { c.observer = fn }
}
