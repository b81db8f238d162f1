package store

import (
	"context"
	"time"
)

// Store is the durable backend behind the write-behind cache. Lookups report
// a missing key with found=false and a nil error.
type Store interface {
	// Insert persists a new entry and returns its storage-assigned id.
	Insert(ctx context.Context, e Entry) (int64, error)
	// UpdateByID overwrites key, value and expiry of the row with e.ID.
	UpdateByID(ctx context.Context, e Entry) (int64, error)
	// DeleteByKey removes every row for key.
	DeleteByKey(ctx context.Context, key string) (int64, error)
	// SelectIDAndExpireByKey returns an entry with only ID, Key and ExpireAt set.
	SelectIDAndExpireByKey(ctx context.Context, key string) (Entry, bool, error)
	// SelectFullByKey returns the complete entry for key.
	SelectFullByKey(ctx context.Context, key string) (Entry, bool, error)
	// SelectValueByKey returns only the stored value for key.
	SelectValueByKey(ctx context.Context, key string) (string, bool, error)
	// Close releases resources owned by the store.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	prefix       string
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout, prefix: "dbcache"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithPrefix sets the key namespace used by the Redis backend.
// Defaults to "dbcache".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func (c config) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.queryTimeout)
}
