package dbcache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/queue"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/agentuity/go-dbcache/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore wraps a Store, remembering writes and injecting failures.
type recordingStore struct {
	store.Store

	mu          sync.Mutex
	inserts     []store.Entry
	updates     []store.Entry
	deletes     []string
	failInserts int
	readErr     error
}

func (s *recordingStore) Insert(ctx context.Context, e store.Entry) (int64, error) {
	s.mu.Lock()
	s.inserts = append(s.inserts, e)
	fail := s.failInserts > 0
	if fail {
		s.failInserts--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return s.Store.Insert(ctx, e)
}

func (s *recordingStore) UpdateByID(ctx context.Context, e store.Entry) (int64, error) {
	s.mu.Lock()
	s.updates = append(s.updates, e)
	s.mu.Unlock()
	return s.Store.UpdateByID(ctx, e)
}

func (s *recordingStore) DeleteByKey(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.Store.DeleteByKey(ctx, key)
}

func (s *recordingStore) SelectIDAndExpireByKey(ctx context.Context, key string) (store.Entry, bool, error) {
	if s.readErr != nil {
		return store.Entry{}, false, s.readErr
	}
	return s.Store.SelectIDAndExpireByKey(ctx, key)
}

func (s *recordingStore) SelectFullByKey(ctx context.Context, key string) (store.Entry, bool, error) {
	if s.readErr != nil {
		return store.Entry{}, false, s.readErr
	}
	return s.Store.SelectFullByKey(ctx, key)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	cache *Cache
	store *recordingStore
	clock *fakeClock
	log   *logger.TestLogger
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: &recordingStore{Store: store.NewMemory()},
		clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		log:   logger.NewTestLogger(),
		reg:   prometheus.NewRegistry(),
	}
	base := []Option{
		WithLogger(h.log),
		WithRegisterer(h.reg),
		WithClock(h.clock.Now),
		WithQueues(queue.WithInitialDelay(time.Hour)),
	}
	h.cache = New(h.store, append(base, opts...)...)
	t.Cleanup(func() { h.cache.Close(context.Background()) })
	return h
}

func TestPutInsertsAbsentKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", time.Minute))
	assert.Equal(t, 1, h.cache.InsertQueue().Len())

	// not visible until flushed
	_, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, h.log.Contains("INFO", "does not exist"))

	h.cache.Flush(ctx)
	val, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)

	require.Len(t, h.store.inserts, 1)
	assert.Equal(t, h.clock.Now().Add(time.Minute), h.store.inserts[0].ExpireAt)
}

func TestPutSameValueTwiceQueuesOneInsert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	assert.Equal(t, 1, h.cache.InsertQueue().Len())
	assert.Equal(t, 0, h.cache.UpdateQueue().Len())

	h.cache.Flush(ctx)
	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	assert.True(t, h.cache.InsertQueue().IsEmpty())
	assert.True(t, h.cache.UpdateQueue().IsEmpty())
	assert.True(t, h.log.Contains("INFO", "already holds this value"))
	assert.Len(t, h.store.inserts, 1)
	assert.Empty(t, h.store.updates)
}

func TestPutUpdateCarriesStoredID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	h.cache.Flush(ctx)
	stored, found, err := h.store.SelectIDAndExpireByKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, h.cache.Put(ctx, "k", "v2", -1))
	assert.True(t, h.cache.InsertQueue().IsEmpty())
	assert.Equal(t, 1, h.cache.UpdateQueue().Len())

	h.cache.Flush(ctx)
	require.Len(t, h.store.updates, 1)
	assert.Equal(t, stored.ID, h.store.updates[0].ID)
	assert.Equal(t, "v2", h.store.updates[0].Value)
	assert.False(t, h.store.updates[0].HasExpiry())

	val, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", val)
}

func TestGetReturnsStaleValueAndDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", 100*time.Millisecond))
	h.cache.Flush(ctx)
	h.clock.Advance(200 * time.Millisecond)

	val, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)
	assert.Equal(t, 1, h.cache.DeleteQueue().Len())

	h.cache.Flush(ctx)
	assert.Equal(t, []string{"k"}, h.store.deletes)
	_, found, err = h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.cache.requests.WithLabelValues("get", "stale")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.cache.requests.WithLabelValues("get", "miss")))
}

func TestPutOnExpiredEntryOnlyDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", time.Second))
	h.cache.Flush(ctx)
	h.clock.Advance(2 * time.Second)

	require.NoError(t, h.cache.Put(ctx, "k", "v2", -1))
	assert.True(t, h.cache.InsertQueue().IsEmpty())
	assert.True(t, h.cache.UpdateQueue().IsEmpty())
	assert.Equal(t, 1, h.cache.DeleteQueue().Len())

	h.cache.Flush(ctx)
	_, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// the retried put now takes the insert path
	require.NoError(t, h.cache.Put(ctx, "k", "v2", -1))
	h.cache.Flush(ctx)
	val, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", val)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Delete(ctx, "missing"))
	assert.True(t, h.cache.DeleteQueue().IsEmpty())
	assert.True(t, h.log.Contains("INFO", "nothing to delete"))

	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	h.cache.Flush(ctx)
	require.NoError(t, h.cache.Delete(ctx, "k"))
	require.NoError(t, h.cache.Delete(ctx, "k"))
	assert.Equal(t, 1, h.cache.DeleteQueue().Len())

	h.cache.Flush(ctx)
	_, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistenceFailureIsNotReturned(t *testing.T) {
	h := newHarness(t)
	h.store.failInserts = 1
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	h.cache.Flush(ctx)

	assert.True(t, h.log.Contains("ERROR", "disk full"))
	_, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	expected := `
# HELP dbcache_queue_failed_items_total Items whose handler failed and were dropped
# TYPE dbcache_queue_failed_items_total counter
dbcache_queue_failed_items_total{queue="delete"} 0
dbcache_queue_failed_items_total{queue="insert"} 1
dbcache_queue_failed_items_total{queue="update"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "dbcache_queue_failed_items_total"))
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	h := newHarness(t, WithRetry(resilience.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}))
	ctx := context.Background()

	h.store.failInserts = 2
	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	h.cache.Flush(ctx)

	assert.Len(t, h.store.inserts, 3)
	val, found, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)
	assert.False(t, h.log.Contains("ERROR", "disk full"))
}

func TestReadErrorsPropagate(t *testing.T) {
	h := newHarness(t)
	cause := errors.New("connection refused")
	h.store.readErr = cause
	ctx := context.Background()

	err := h.cache.Put(ctx, "k", "v1", -1)
	assert.ErrorIs(t, err, cause)
	_, _, err = h.cache.Get(ctx, "k")
	assert.ErrorIs(t, err, cause)
	err = h.cache.Delete(ctx, "k")
	assert.ErrorIs(t, err, cause)

	assert.True(t, h.cache.InsertQueue().IsEmpty())
	assert.True(t, h.cache.DeleteQueue().IsEmpty())
}

func TestScheduledFlush(t *testing.T) {
	h := newHarness(t, WithQueues(queue.WithInitialDelay(0), queue.WithPeriod(10*time.Millisecond)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.cache.Start(ctx)

	require.NoError(t, h.cache.Put(ctx, "a", "1", -1))
	require.NoError(t, h.cache.Put(ctx, "b", "2", -1))

	assert.Eventually(t, func() bool {
		va, fa, _ := h.cache.Get(ctx, "a")
		vb, fb, _ := h.cache.Get(ctx, "b")
		return fa && fb && va == "1" && vb == "2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseFlushesQueuedWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", -1))
	require.NoError(t, h.cache.Close(ctx))

	val, found, err := h.store.SelectValueByKey(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)

	assert.ErrorIs(t, h.cache.Put(ctx, "other", "v", -1), queue.ErrClosed)
}

func TestOpenCircuitDropsItemsWithoutAbortingBatch(t *testing.T) {
	h := newHarness(t, WithCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     time.Hour,
	}))
	h.store.failInserts = 100
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, h.cache.Put(ctx, k, "v", -1))
	}
	h.cache.Flush(ctx)

	// two attempts open the circuit, the other three never reach the store
	assert.Len(t, h.store.inserts, 2)
	assert.Equal(t, resilience.StateOpen, h.cache.CircuitBreaker().State())
	assert.True(t, h.log.Contains("ERROR", "circuit breaker is open"))
	assert.True(t, h.log.Contains("WARNING", "store circuit CLOSED -> OPEN"))

	expected := `
# HELP dbcache_queue_failed_items_total Items whose handler failed and were dropped
# TYPE dbcache_queue_failed_items_total counter
dbcache_queue_failed_items_total{queue="delete"} 0
dbcache_queue_failed_items_total{queue="insert"} 5
dbcache_queue_failed_items_total{queue="update"} 0
# HELP dbcache_queue_flushed_items_total Items handed to the handler by a flush
# TYPE dbcache_queue_flushed_items_total counter
dbcache_queue_flushed_items_total{queue="delete"} 0
dbcache_queue_flushed_items_total{queue="insert"} 5
dbcache_queue_flushed_items_total{queue="update"} 0
# HELP dbcache_store_circuit_rejected_total Store writes dropped without an attempt because the circuit was open
# TYPE dbcache_store_circuit_rejected_total counter
dbcache_store_circuit_rejected_total 3
# HELP dbcache_store_circuit_state Store write circuit breaker state: 0 closed, 1 half-open, 2 open
# TYPE dbcache_store_circuit_state gauge
dbcache_store_circuit_state 2
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected),
		"dbcache_queue_failed_items_total", "dbcache_queue_flushed_items_total", "dbcache_store_circuit_rejected_total", "dbcache_store_circuit_state"))
}

func TestOpenCircuitStopsRetries(t *testing.T) {
	h := newHarness(t,
		WithRetry(resilience.RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond}),
		WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour}),
	)
	h.store.failInserts = 100
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v", -1))
	h.cache.Flush(ctx)

	assert.Len(t, h.store.inserts, 1)
	assert.True(t, h.log.Contains("ERROR", "circuit breaker is open"))
}

func TestNoCircuitBreakerByDefault(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.cache.CircuitBreaker())
}

func TestFailedEnqueueCountsAsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, "k", "v1", time.Minute))
	h.cache.Flush(ctx)
	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.cache.Close(ctx))

	_, _, err := h.cache.Get(ctx, "k")
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cache.requests.WithLabelValues("get", "error")))
	assert.Zero(t, testutil.ToFloat64(h.cache.requests.WithLabelValues("get", "stale")))

	assert.ErrorIs(t, h.cache.Delete(ctx, "k"), queue.ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cache.requests.WithLabelValues("delete", "error")))

	assert.ErrorIs(t, h.cache.Put(ctx, "fresh", "v", -1), queue.ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cache.requests.WithLabelValues("put", "error")))
	// only the first Put
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cache.requests.WithLabelValues("put", "insert")))
}
