package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	shutdown, err := NewTracerProvider(context.Background(), "", "", "dbcache")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestNewTracerProviderExports(t *testing.T) {
	var requests atomic.Int32
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			requests.Add(1)
			auth.Store(r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	shutdown, err := NewTracerProvider(context.Background(), server.URL, "secret", "dbcache-test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()
	shutdown()

	assert.GreaterOrEqual(t, requests.Load(), int32(1))
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestNewTracerProviderBadURL(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), "://bad", "", "dbcache")
	assert.Error(t, err)
}

func TestNewShipsLogs(t *testing.T) {
	var requests atomic.Int32
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/logs" {
			requests.Add(1)
			auth.Store(r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	log, shutdown, err := New(context.Background(), server.URL, "secret", "dbcache-test", logger.LevelInfo)
	require.NoError(t, err)
	log.WithPrefix("[queue:insert]").Error("dropping item after failure: %v", "disk full")
	shutdown()

	assert.GreaterOrEqual(t, requests.Load(), int32(1))
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestNewBadURL(t *testing.T) {
	_, _, err := New(context.Background(), "localhost", "", "dbcache", logger.LevelInfo)
	assert.Error(t, err)
}
