package dbcache

import (
	"context"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/queue"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/agentuity/go-dbcache/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/agentuity/go-dbcache/dbcache")

// Cache is a write-behind cache over a Store. Reads go to the store;
// writes are decided against what the store holds right now and then handed
// to the insert, update or delete queue, which persist them in batches.
//
// A write returns once its mutation is queued. A value written by Put is not
// visible to Get until the insert or update queue has flushed it, and a
// failed flush is only visible in logs and metrics.
type Cache struct {
	store    store.Store
	logger   logger.Logger
	now      func() time.Time
	locks    locker
	requests *prometheus.CounterVec
	breaker  *resilience.CircuitBreaker

	inserts *queue.Queue[store.Entry]
	updates *queue.Queue[store.Entry]
	deletes *queue.Queue[string]
}

// New builds a Cache over s. Call Start or Run to begin flushing and Close
// to flush what is left.
func New(s store.Store, opts ...Option) *Cache {
	cfg := config{
		registerer: prometheus.DefaultRegisterer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(nil, logger.GetLevelFromEnv())
	}

	metrics := newCacheMetrics(cfg.registerer)
	c := &Cache{
		store:    s,
		logger:   cfg.logger.WithPrefix("[dbcache]"),
		now:      cfg.now,
		requests: metrics.requests,
	}
	if cfg.globalLock {
		c.locks = &globalLock{}
	} else {
		c.locks = newKeyLock()
	}

	policy := WritePolicy{Retry: cfg.retry}
	if cfg.breaker != nil {
		c.breaker = c.newBreaker(*cfg.breaker, metrics)
		policy.Breaker = c.breaker
		policy.OnReject = metrics.circuitRejected.Inc
	}

	base := []queue.Option{queue.WithLogger(cfg.logger), queue.WithRegisterer(cfg.registerer)}
	c.inserts = NewInsertQueue(s, cfg.logger, policy, append(base, cfg.insertOpts...)...)
	c.updates = NewUpdateQueue(s, cfg.logger, policy, append(base, cfg.updateOpts...)...)
	c.deletes = NewDeleteQueue(s, cfg.logger, policy, append(base, cfg.deleteOpts...)...)
	return c
}

func (c *Cache) newBreaker(bc resilience.CircuitBreakerConfig, metrics *cacheMetrics) *resilience.CircuitBreaker {
	next := bc.OnStateChange
	bc.OnStateChange = func(from, to resilience.CircuitBreakerState) {
		metrics.circuitState.Set(float64(to))
		if to == resilience.StateOpen {
			c.logger.Warn("store circuit %s -> %s, dropping writes for %s", from, to, bc.Timeout)
		} else {
			c.logger.Info("store circuit %s -> %s", from, to)
		}
		if next != nil {
			next(from, to)
		}
	}
	metrics.circuitState.Set(float64(resilience.StateClosed))
	return resilience.NewCircuitBreaker(bc)
}

// CircuitBreaker returns the breaker guarding store writes, nil unless
// WithCircuitBreaker was given.
func (c *Cache) CircuitBreaker() *resilience.CircuitBreaker { return c.breaker }

// InsertQueue returns the queue persisting new entries.
func (c *Cache) InsertQueue() *queue.Queue[store.Entry] { return c.inserts }

// UpdateQueue returns the queue overwriting existing entries.
func (c *Cache) UpdateQueue() *queue.Queue[store.Entry] { return c.updates }

// DeleteQueue returns the queue removing keys.
func (c *Cache) DeleteQueue() *queue.Queue[string] { return c.deletes }

// Start runs the three queues in the background until ctx is done or Close
// is called.
func (c *Cache) Start(ctx context.Context) {
	c.inserts.Start(ctx)
	c.updates.Start(ctx)
	c.deletes.Start(ctx)
}

// Run blocks running the three queues until ctx is done or Close is called.
func (c *Cache) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.inserts.Run(ctx) })
	g.Go(func() error { return c.updates.Run(ctx) })
	g.Go(func() error { return c.deletes.Run(ctx) })
	return g.Wait()
}

// Flush applies everything queued right now, inserts first, then updates,
// then deletes.
func (c *Cache) Flush(ctx context.Context) {
	c.inserts.Flush(ctx)
	c.updates.Flush(ctx)
	c.deletes.Flush(ctx)
}

// Close stops the queues and flushes what they still hold, in the same
// order as Flush.
func (c *Cache) Close(ctx context.Context) error {
	return errors.CombineErrors(
		errors.CombineErrors(c.inserts.Close(ctx), c.updates.Close(ctx)),
		c.deletes.Close(ctx),
	)
}

// Put stores value under key. A ttl <= 0 never expires.
//
// When key is absent the entry is queued for insert. When the stored entry
// has expired, its delete is queued and value is not written: call Put again
// once the delete has been flushed. When the stored value already equals
// value nothing is queued. Otherwise an update carrying the stored id is
// queued.
func (c *Cache) Put(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	ctx, span := tracer.Start(ctx, "Put", trace.WithAttributes(attribute.String("cache.key", key)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(key)
	defer unlock()

	existing, found, err := c.store.SelectIDAndExpireByKey(ctx, key)
	if err != nil {
		c.count("put", "error")
		return errors.Wrapf(err, "put %q", key)
	}
	now := c.now()
	if !found {
		return c.enqueued("put", "insert", key, c.inserts.Enqueue(ctx, store.NewEntry(key, value, ttl, now)))
	}
	if existing.Expired(now) {
		c.logger.Info("cache entry %q has expired and is being deleted, put it again later", key)
		return c.enqueued("put", "expired", key, c.deletes.Enqueue(ctx, key))
	}

	current, found, err := c.store.SelectValueByKey(ctx, key)
	if err != nil {
		c.count("put", "error")
		return errors.Wrapf(err, "put %q", key)
	}
	if found && current == value {
		c.count("put", "unchanged")
		c.logger.Info("cache entry %q already holds this value, skipping", key)
		return nil
	}

	e := store.NewEntry(key, value, ttl, now)
	e.ID = existing.ID
	return c.enqueued("put", "update", key, c.updates.Enqueue(ctx, e))
}

// Get returns the stored value for key. An expired entry is still returned,
// and its delete is queued; once that is flushed the key reads as absent.
func (c *Cache) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := tracer.Start(ctx, "Get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(key)
	defer unlock()

	e, found, err := c.store.SelectFullByKey(ctx, key)
	if err != nil {
		c.count("get", "error")
		return "", false, errors.Wrapf(err, "get %q", key)
	}
	if !found {
		c.count("get", "miss")
		c.logger.Info("cache entry %q does not exist, put it first", key)
		return "", false, nil
	}
	if e.Expired(c.now()) {
		span.SetAttributes(attribute.Bool("cache.stale", true))
		if err := c.enqueued("get", "stale", key, c.deletes.Enqueue(ctx, key)); err != nil {
			return "", false, err
		}
		return e.Value, true, nil
	}
	c.count("get", "hit")
	return e.Value, true, nil
}

// Delete queues the removal of key. Deleting an absent key does nothing.
func (c *Cache) Delete(ctx context.Context, key string) (err error) {
	ctx, span := tracer.Start(ctx, "Delete", trace.WithAttributes(attribute.String("cache.key", key)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(key)
	defer unlock()

	_, found, err := c.store.SelectIDAndExpireByKey(ctx, key)
	if err != nil {
		c.count("delete", "error")
		return errors.Wrapf(err, "delete %q", key)
	}
	if !found {
		c.count("delete", "miss")
		c.logger.Info("cache entry %q does not exist, nothing to delete", key)
		return nil
	}
	return c.enqueued("delete", "delete", key, c.deletes.Enqueue(ctx, key))
}

// enqueued counts the outcome of handing key's mutation to a queue: result
// on success, error otherwise.
func (c *Cache) enqueued(op, result, key string, err error) error {
	if err != nil {
		c.count(op, "error")
		return errors.Wrapf(err, "%s %q", op, key)
	}
	c.count(op, result)
	return nil
}

func (c *Cache) count(op, result string) {
	c.requests.WithLabelValues(op, result).Inc()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
