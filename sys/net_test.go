package sys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHost(t *testing.T) {
	testCases := []struct {
		server string
		host   string
	}{
		{"http://localhost:8080", "localhost"},
		{"https://cache.internal/", "cache.internal"},
		{"cache:8080", "cache"},
		{"http://[::1]:8080", "::1"},
		{"10.0.0.5", "10.0.0.5"},
	}
	for _, tc := range testCases {
		t.Run(tc.server, func(t *testing.T) {
			host, err := ServerHost(tc.server)
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
		})
	}

	for _, bad := range []string{"", "   ", "http://"} {
		_, err := ServerHost(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestIsLocalhost(t *testing.T) {
	testCases := []struct {
		server   string
		expected bool
	}{
		{"http://localhost:8080", true},
		{"https://LOCALHOST", true},
		{"http://dbcache.localhost:8080", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:3000", true},
		{"http://0.0.0.0:8000", true},
		{"localhost:8080", true},
		{"http://example.com", false},
		{"https://192.168.1.1", false},
		{"", false},
	}
	for _, tc := range testCases {
		t.Run(tc.server, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsLocalhost(tc.server))
		})
	}
}

func TestIsPlainHTTPRemote(t *testing.T) {
	assert.True(t, IsPlainHTTPRemote("http://cache.internal:8080"))
	assert.True(t, IsPlainHTTPRemote("cache.internal:8080"))
	assert.False(t, IsPlainHTTPRemote("https://cache.internal"))
	assert.False(t, IsPlainHTTPRemote("http://localhost:8080"))
	assert.False(t, IsPlainHTTPRemote("127.0.0.1:8080"))
}
