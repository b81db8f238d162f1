package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() ClientOption {
	return WithClientRetry(resilience.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond})
}

func TestClientAgainstServer(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	ctx := context.Background()

	c := NewClient(logger.NewTestLogger(), ts.URL, fastRetry())
	require.NoError(t, c.Put(ctx, "k", "hello world", -1))

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Flush(ctx))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello world", val)

	require.NoError(t, c.Put(ctx, "t", "v", 90*time.Second))
	require.NoError(t, c.Flush(ctx))
	e, found, err := f.store.SelectFullByKey(ctx, "t")
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), e.ExpireAt, 5*time.Second)

	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Flush(ctx))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("value"))
	}))
	defer ts.Close()

	c := NewClient(logger.NewTestLogger(), ts.URL, fastRetry())
	val, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", val)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(logger.NewTestLogger(), ts.URL, fastRetry())
	err := c.Delete(context.Background(), "k")
	require.Error(t, err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.True(t, errors.Is(err, resilience.ErrRetriesExhausted))
}

func TestClientServerErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"cacheKey is required"}`))
	}))
	defer ts.Close()

	c := NewClient(logger.NewTestLogger(), ts.URL, fastRetry())
	err := c.Put(context.Background(), "", "v", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cacheKey is required")
}

func TestSafeBodyPreview(t *testing.T) {
	assert.Equal(t, "ok", safeBodyPreview([]byte("ok"), "text/plain", 0))
	assert.Contains(t, safeBodyPreview([]byte("abcdef"), "text/plain", 3), "[truncated, total: 6 chars]")
	assert.Contains(t, safeBodyPreview([]byte{0, 1, 2}, "application/octet-stream", 0), "3 bytes")
}
