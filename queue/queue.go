package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned by Enqueue once Close has been called.
	ErrClosed = errors.New("queue closed")
	// ErrEnqueueTimeout is returned when a full queue did not free up
	// capacity within the configured enqueue timeout.
	ErrEnqueueTimeout = errors.New("enqueue timed out waiting for capacity")
)

// Handler applies one item. A returned error or a panic drops that item
// only; the rest of the batch is still applied.
type Handler[T comparable] func(ctx context.Context, item T) error

// Queue is a bounded FIFO whose items are applied in batches by a scheduled
// drain/flush cycle.
//
// Producers call Enqueue. An item equal to one still waiting in the queue is
// ignored; items already staged for a flush are not checked. When the queue
// is full, Enqueue blocks until a cycle drains it.
//
// Every cycle either flushes a batch that was already full, or drains up to
// the batch size into the staging list and, if the queue ran dry first,
// flushes right away. A batch that filled up exactly is flushed at the start
// of the next cycle. Delivery is at most once: failed items are logged,
// counted and dropped.
type Queue[T comparable] struct {
	name    string
	handler Handler[T]
	cfg     config
	logger  logger.Logger
	metrics *queueMetrics

	mu      sync.Mutex
	items   []T
	space   chan struct{} // closed and replaced whenever a drain frees capacity
	closed  bool
	stop    chan struct{}
	running sync.WaitGroup

	// flushMu serializes cycles, so staged needs no other lock
	flushMu sync.Mutex
	staged  []T

	closeOnce sync.Once
	closeErr  error
}

// New returns a queue that applies items with handler. The scheduled cycle
// starts with Start or Run.
func New[T comparable](name string, handler Handler[T], opts ...Option) *Queue[T] {
	cfg := applyOptions(opts)
	return &Queue[T]{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.logger.WithPrefix("[queue:" + name + "]"),
		metrics: newQueueMetrics(cfg.registerer, name),
		items:   make([]T, 0, cfg.capacity),
		space:   make(chan struct{}),
		stop:    make(chan struct{}),
		staged:  make([]T, 0, cfg.batchSize),
	}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue admits item, blocking while the queue is full. It returns nil
// without admitting anything when an equal item is already waiting.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	var deadline <-chan time.Time
	if q.cfg.enqueueTimeout > 0 {
		timer := time.NewTimer(q.cfg.enqueueTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errors.Wrapf(ErrClosed, "enqueue to %s", q.name)
		}
		if slices.Contains(q.items, item) {
			q.mu.Unlock()
			q.metrics.deduplicated.Inc()
			return nil
		}
		if len(q.items) < q.cfg.capacity {
			q.items = append(q.items, item)
			depth := len(q.items)
			q.mu.Unlock()
			q.metrics.enqueued.Inc()
			q.metrics.depth.Set(float64(depth))
			q.logger.Debug("item enqueued, %d pending", depth)
			return nil
		}
		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			q.logger.Warn("enqueue abandoned while queue full: %v", ctx.Err())
			return errors.Wrapf(ctx.Err(), "enqueue to %s", q.name)
		case <-deadline:
			q.logger.Warn("enqueue timed out after %s, queue full", q.cfg.enqueueTimeout)
			return errors.Wrapf(ErrEnqueueTimeout, "enqueue to %s after %s", q.name, q.cfg.enqueueTimeout)
		}
	}
}

// EnqueueMany enqueues items in order, stopping at the first error.
func (q *Queue[T]) EnqueueMany(ctx context.Context, items ...T) error {
	for _, item := range items {
		if err := q.Enqueue(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether no item is waiting in the queue. Staged items
// are not counted.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start runs the scheduled cycle in a background goroutine until ctx is
// done or Close is called.
func (q *Queue[T]) Start(ctx context.Context) {
	go q.Run(ctx)
}

// Run blocks running the scheduled cycle: the first after the initial delay,
// then one per period. It returns nil when ctx is done or Close is called.
func (q *Queue[T]) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.running.Add(1)
	q.mu.Unlock()
	defer q.running.Done()

	q.logger.Debug("first cycle in %s, then every %s (batch size %d)", q.cfg.initialDelay, q.cfg.period, q.cfg.batchSize)
	timer := time.NewTimer(q.cfg.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-q.stop:
		return nil
	case <-timer.C:
	}

	ticker := time.NewTicker(q.cfg.period)
	defer ticker.Stop()
	// a flush that started is finished even if ctx is cancelled meanwhile
	flushCtx := context.WithoutCancel(ctx)
	for {
		q.cycle(flushCtx)
		select {
		case <-ctx.Done():
			return nil
		case <-q.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (q *Queue[T]) cycle(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if len(q.staged) >= q.cfg.batchSize {
		q.flush(ctx, FlushFull)
		return
	}
	if empty := q.drain(q.cfg.batchSize - len(q.staged)); empty && len(q.staged) < q.cfg.batchSize {
		q.flush(ctx, FlushIdle)
	}
}

// drain moves up to max items from the queue to the staging list and
// reports whether the queue is empty afterwards. Callers hold flushMu.
func (q *Queue[T]) drain(max int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.items))
	if n > 0 {
		q.staged = append(q.staged, q.items[:n]...)
		clear(q.items[:n])
		q.items = q.items[n:]
		if !q.closed {
			close(q.space)
			q.space = make(chan struct{})
		}
	}
	q.metrics.depth.Set(float64(len(q.items)))
	return len(q.items) == 0
}

// flush applies every staged item in order, then resets the staging list
// whatever the handlers did. Callers hold flushMu.
func (q *Queue[T]) flush(ctx context.Context, reason FlushReason) {
	if len(q.staged) == 0 {
		return
	}
	batch := q.staged
	defer func() {
		clear(batch)
		q.staged = batch[:0]
	}()

	started := time.Now()
	q.logger.Info("flushing %d items (%s)", len(batch), reason)
	var failed int
	for _, item := range batch {
		if err := q.apply(ctx, item); err != nil {
			failed++
			q.logger.Error("dropping item after failure: %v", err)
		}
	}
	elapsed := time.Since(started)

	q.metrics.flushed(reason)
	q.metrics.flushedItems.Add(float64(len(batch)))
	q.metrics.failedItems.Add(float64(failed))
	q.metrics.flushDuration.Observe(elapsed.Seconds())
	q.logger.Info("flush complete: %d items, %d failed, took %.4fs", len(batch), failed, elapsed.Seconds())
	if q.cfg.observer != nil {
		q.cfg.observer(reason, len(batch), failed)
	}
}

func (q *Queue[T]) apply(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, item)
}

// Flush drains and applies everything currently queued or staged without
// waiting for the schedule. Items enqueued while Flush runs may be applied
// too.
func (q *Queue[T]) Flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.flushAll(ctx, FlushManual)
}

// flushAll applies batches until the queue is empty. Callers hold flushMu.
func (q *Queue[T]) flushAll(ctx context.Context, reason FlushReason) {
	for {
		empty := q.drain(q.cfg.batchSize - min(len(q.staged), q.cfg.batchSize))
		q.flush(ctx, reason)
		if empty {
			return
		}
	}
}

// Close stops the scheduled cycle, rejects further Enqueue calls, wakes
// producers blocked on a full queue with ErrClosed, and flushes everything
// still queued or staged using ctx. Close is safe to call more than once.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.space)
		close(q.stop)
		q.mu.Unlock()
		q.running.Wait()

		q.flushMu.Lock()
		defer q.flushMu.Unlock()
		q.flushAll(ctx, FlushClose)
		if err := ctx.Err(); err != nil {
			q.closeErr = errors.Wrapf(err, "close %s", q.name)
		}
	})
	return q.closeErr
}
