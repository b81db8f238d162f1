package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			_, client := newTestRedis(t)
			return NewRedis(client, WithPrefix("test"))
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("InsertAndSelect", func(t *testing.T) { testInsertAndSelect(t, open(t)) })
			t.Run("NeverExpiresVersusEpoch", func(t *testing.T) { testNeverExpiresVersusEpoch(t, open(t)) })
			t.Run("UpdateByID", func(t *testing.T) { testUpdateByID(t, open(t)) })
			t.Run("DeleteByKey", func(t *testing.T) { testDeleteByKey(t, open(t)) })
			t.Run("DuplicateKeyRows", func(t *testing.T) { testDuplicateKeyRows(t, open(t)) })
		})
	}
}

func testInsertAndSelect(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_, found, err := s.SelectFullByKey(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.SelectValueByKey(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.SelectIDAndExpireByKey(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	now := time.Now()
	e := NewEntry("k", "v1", time.Minute, now)
	id, err := s.Insert(ctx, e)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	full, found, err := s.SelectFullByKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Entry{ID: id, Key: "k", Value: "v1", ExpireAt: e.ExpireAt}, full)

	meta, found, err := s.SelectIDAndExpireByKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, meta.ID)
	assert.Equal(t, "", meta.Value)
	assert.True(t, e.ExpireAt.Equal(meta.ExpireAt))

	val, found, err := s.SelectValueByKey(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)
}

func testNeverExpiresVersusEpoch(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Insert(ctx, Entry{Key: "never", Value: "a"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, Entry{Key: "epoch", Value: "b", ExpireAt: NormalizeExpiry(time.Unix(0, 0))})
	require.NoError(t, err)

	never, found, err := s.SelectFullByKey(ctx, "never")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, never.HasExpiry())
	assert.False(t, never.Expired(time.Now()))

	epoch, found, err := s.SelectFullByKey(ctx, "epoch")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, epoch.HasExpiry())
	assert.Equal(t, int64(0), epoch.ExpireAt.UnixMilli())
	assert.True(t, epoch.Expired(time.Now()))
}

func testUpdateByID(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.Insert(ctx, Entry{Key: "k", Value: "v1"})
	require.NoError(t, err)

	expire := NormalizeExpiry(time.Now().Add(time.Hour))
	n, err := s.UpdateByID(ctx, Entry{ID: id, Key: "k", Value: "v2", ExpireAt: expire})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	full, found, err := s.SelectFullByKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", full.Value)
	assert.Equal(t, id, full.ID)
	assert.True(t, expire.Equal(full.ExpireAt))

	n, err = s.UpdateByID(ctx, Entry{ID: id + 100, Key: "k", Value: "v3"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testDeleteByKey(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Insert(ctx, Entry{Key: "k", Value: "v"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, Entry{Key: "other", Value: "o"})
	require.NoError(t, err)

	n, err := s.DeleteByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := s.SelectFullByKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.SelectFullByKey(ctx, "other")
	require.NoError(t, err)
	assert.True(t, found)

	n, err = s.DeleteByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testDuplicateKeyRows(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	first, err := s.Insert(ctx, Entry{Key: "dup", Value: "one"})
	require.NoError(t, err)
	second, err := s.Insert(ctx, Entry{Key: "dup", Value: "two"})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	full, found, err := s.SelectFullByKey(ctx, "dup")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, full.ID)
	assert.Equal(t, "one", full.Value)

	n, err := s.DeleteByKey(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.Insert(ctx, Entry{Key: "k", Value: "durable"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	val, found, err := s.SelectValueByKey(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "durable", val)
}

func TestSQLiteClosedReturnsError(t *testing.T) {
	s, err := NewSQLite(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.SelectFullByKey(context.Background(), "k")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `select key "k"`)
}

func TestRedisKeyLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("app"))
	ctx := context.Background()

	id, err := s.Insert(ctx, Entry{Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.True(t, mr.Exists("app:row:1"))
	assert.True(t, mr.Exists("app:rows:k"))
	assert.True(t, mr.Exists("app:seq"))
	assert.Equal(t, time.Duration(0), mr.TTL("app:row:1"))

	_, err = s.DeleteByKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, mr.Exists("app:row:1"))
	assert.False(t, mr.Exists("app:rows:k"))
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithQueryTimeout(200*time.Millisecond))
	mr.Close()

	_, err := s.Insert(context.Background(), Entry{Key: "k", Value: "v"})
	assert.Error(t, err)
	_, _, err = s.SelectFullByKey(context.Background(), "k")
	assert.Error(t, err)
}

func TestEntryExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.Local)

	never := NewEntry("k", "v", -1, now)
	assert.False(t, never.HasExpiry())
	assert.Equal(t, never, NewEntry("k", "v", 0, now))

	e := NewEntry("k", "v", 100*time.Millisecond, now)
	assert.True(t, e.HasExpiry())
	assert.Equal(t, time.UTC, e.ExpireAt.Location())
	assert.Equal(t, now.Add(100*time.Millisecond).UnixMilli(), e.ExpireAt.UnixMilli())
	assert.False(t, e.Expired(now))
	assert.False(t, e.Expired(e.ExpireAt))
	assert.True(t, e.Expired(now.Add(time.Second)))

	// value-equal entries built for the same instant compare equal
	assert.True(t, e == NewEntry("k", "v", 100*time.Millisecond, now))
}
