package dbcache

import (
	"context"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/queue"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/agentuity/go-dbcache/store"
	"github.com/cockroachdb/errors"
)

// Queue names, also used as the "queue" metric label.
const (
	InsertQueueName = "insert"
	UpdateQueueName = "update"
	DeleteQueueName = "delete"
)

// WritePolicy decides how hard a queue tries to persist one item. The zero
// value makes exactly one attempt.
type WritePolicy struct {
	// Retry, when set, retries a failed store call with backoff.
	Retry *resilience.RetryConfig
	// Breaker, when set, guards every store call. While it is open the item
	// fails at once without reaching the store.
	Breaker *resilience.CircuitBreaker
	// OnReject is called for every call the open breaker turned away.
	OnReject func()
}

// writer applies queued mutations to the store under a WritePolicy.
type writer struct {
	store  store.Store
	logger logger.Logger
	policy WritePolicy
}

func (w *writer) do(ctx context.Context, fn func(ctx context.Context) error) error {
	call := func() error { return fn(ctx) }
	if cb := w.policy.Breaker; cb != nil {
		call = func() error {
			err := cb.Execute(ctx, fn)
			if errors.Is(err, resilience.ErrCircuitBreakerOpen) && w.policy.OnReject != nil {
				w.policy.OnReject()
			}
			return err
		}
	}
	if w.policy.Retry == nil {
		return call()
	}
	rc := *w.policy.Retry
	retryable := rc.RetryableErrors
	if retryable == nil {
		retryable = resilience.DefaultRetryableErrors
	}
	rc.RetryableErrors = func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitBreakerOpen) && retryable(err)
	}
	return resilience.Retry(ctx, rc, call)
}

func (w *writer) insert(ctx context.Context, e store.Entry) error {
	return w.do(ctx, func(ctx context.Context) error {
		id, err := w.store.Insert(ctx, e)
		if err != nil {
			return errors.Wrapf(err, "insert %q", e.Key)
		}
		w.logger.Debug("inserted %q as id %d", e.Key, id)
		return nil
	})
}

func (w *writer) update(ctx context.Context, e store.Entry) error {
	return w.do(ctx, func(ctx context.Context) error {
		n, err := w.store.UpdateByID(ctx, e)
		if err != nil {
			return errors.Wrapf(err, "update %q (id %d)", e.Key, e.ID)
		}
		w.logger.Debug("updated %q (id %d), %d rows", e.Key, e.ID, n)
		return nil
	})
}

func (w *writer) delete(ctx context.Context, key string) error {
	return w.do(ctx, func(ctx context.Context) error {
		n, err := w.store.DeleteByKey(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "delete %q", key)
		}
		w.logger.Debug("deleted %q, %d rows", key, n)
		return nil
	})
}

// NewInsertQueue returns the queue that persists new entries.
func NewInsertQueue(s store.Store, log logger.Logger, policy WritePolicy, opts ...queue.Option) *queue.Queue[store.Entry] {
	w := &writer{store: s, logger: log.WithPrefix("[insert]"), policy: policy}
	return queue.New(InsertQueueName, w.insert, opts...)
}

// NewUpdateQueue returns the queue that overwrites existing rows by id.
func NewUpdateQueue(s store.Store, log logger.Logger, policy WritePolicy, opts ...queue.Option) *queue.Queue[store.Entry] {
	w := &writer{store: s, logger: log.WithPrefix("[update]"), policy: policy}
	return queue.New(UpdateQueueName, w.update, opts...)
}

// NewDeleteQueue returns the queue that removes rows by key.
func NewDeleteQueue(s store.Store, log logger.Logger, policy WritePolicy, opts ...queue.Option) *queue.Queue[string] {
	w := &writer{store: s, logger: log.WithPrefix("[delete]"), policy: policy}
	return queue.New(DeleteQueueName, w.delete, opts...)
}
