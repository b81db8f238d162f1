package dbcache

import (
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/queue"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

type config struct {
	logger     logger.Logger
	registerer prometheus.Registerer
	now        func() time.Time
	globalLock bool
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreakerConfig
	insertOpts []queue.Option
	updateOpts []queue.Option
	deleteOpts []queue.Option
}

// Option configures a Cache.
type Option func(*config)

// WithLogger sets the logger for the cache and its queues.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer sets where cache and queue metrics are registered. Nil
// disables registration. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithClock replaces time.Now for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithGlobalLock serializes every operation behind one process-wide lock
// instead of one lock per key.
func WithGlobalLock() Option {
	return func(c *config) { c.globalLock = true }
}

// WithRetry retries failed store writes during a flush. By default a failed
// write is logged and dropped.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *config) { c.retry = &cfg }
}

// WithCircuitBreaker guards every store write with a circuit breaker shared
// by the three queues. While it is open, flushed items are dropped without
// reaching the store. The state is exported as dbcache_store_circuit_state.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = &cfg }
}

// WithInsertQueue passes options to the insert queue.
func WithInsertQueue(opts ...queue.Option) Option {
	return func(c *config) { c.insertOpts = append(c.insertOpts, opts...) }
}

// WithUpdateQueue passes options to the update queue.
func WithUpdateQueue(opts ...queue.Option) Option {
	return func(c *config) { c.updateOpts = append(c.updateOpts, opts...) }
}

// WithDeleteQueue passes options to the delete queue.
func WithDeleteQueue(opts ...queue.Option) Option {
	return func(c *config) { c.deleteOpts = append(c.deleteOpts, opts...) }
}

// WithQueues passes options to all three queues.
func WithQueues(opts ...queue.Option) Option {
	return func(c *config) {
		c.insertOpts = append(c.insertOpts, opts...)
		c.updateOpts = append(c.updateOpts, opts...)
		c.deleteOpts = append(c.deleteOpts, opts...)
	}
}
