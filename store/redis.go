package store

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const maxTxAttempts = 5

type redisRow struct {
	ID        int64  `msgpack:"id"`
	Key       string `msgpack:"k"`
	Value     string `msgpack:"v"`
	ExpireAt  int64  `msgpack:"e"`
	HasExpiry bool   `msgpack:"x"`
}

func toRow(e Entry) redisRow {
	ms, ok := expiryToMillis(e.ExpireAt)
	return redisRow{ID: e.ID, Key: e.Key, Value: e.Value, ExpireAt: ms, HasExpiry: ok}
}

func (r redisRow) entry() Entry {
	return Entry{ID: r.ID, Key: r.Key, Value: r.Value, ExpireAt: expiryFromMillis(r.ExpireAt, r.HasExpiry)}
}

type redisStore struct {
	client redis.UniversalClient
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. Each row lives under
// <prefix>:row:<id> as a msgpack blob, and <prefix>:rows:<key> is a sorted set
// of the ids stored for that key. Ids come from INCR <prefix>:seq.
//
// Rows carry no Redis TTL: an expired row must stay readable until its
// delete is flushed. The caller owns the client lifecycle; Close is a no-op.
func NewRedis(client redis.UniversalClient, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

func (s *redisStore) key(parts ...string) string {
	k := s.cfg.prefix
	for _, p := range parts {
		if k == "" {
			k = p
			continue
		}
		k += ":" + p
	}
	return k
}

func (s *redisStore) rowKey(id int64) string {
	return s.key("row", strconv.FormatInt(id, 10))
}

func (s *redisStore) idsKey(key string) string {
	return s.key("rows", key)
}

func (s *redisStore) Insert(ctx context.Context, e Entry) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	id, err := s.client.Incr(qctx, s.key("seq")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis next id")
	}
	e.ID = id
	data, err := msgpack.Marshal(toRow(e))
	if err != nil {
		return 0, errors.Wrap(err, "encode row")
	}
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Set(qctx, s.rowKey(id), data, 0)
		pipe.ZAdd(qctx, s.idsKey(e.Key), redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "redis insert key %q", e.Key)
	}
	return id, nil
}

func (s *redisStore) UpdateByID(ctx context.Context, e Entry) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	data, err := msgpack.Marshal(toRow(e))
	if err != nil {
		return 0, errors.Wrap(err, "encode row")
	}
	rowKey := s.rowKey(e.ID)
	var affected int64
	err = s.withTx(qctx, func(tx *redis.Tx) error {
		old, found, err := s.loadRow(qctx, tx, rowKey)
		if err != nil || !found {
			affected = 0
			return err
		}
		_, err = tx.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
			pipe.Set(qctx, rowKey, data, 0)
			if old.Key != e.Key {
				pipe.ZRem(qctx, s.idsKey(old.Key), e.ID)
				pipe.ZAdd(qctx, s.idsKey(e.Key), redis.Z{Score: float64(e.ID), Member: e.ID})
			}
			return nil
		})
		affected = 1
		return err
	}, rowKey)
	if err != nil {
		return 0, errors.Wrapf(err, "redis update id %d", e.ID)
	}
	return affected, nil
}

func (s *redisStore) DeleteByKey(ctx context.Context, key string) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	idsKey := s.idsKey(key)
	var affected int64
	err := s.withTx(qctx, func(tx *redis.Tx) error {
		ids, err := tx.ZRange(qctx, idsKey, 0, -1).Result()
		if err != nil {
			return err
		}
		affected = int64(len(ids))
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, 0, len(ids)+1)
		for _, id := range ids {
			keys = append(keys, s.key("row", id))
		}
		keys = append(keys, idsKey)
		_, err = tx.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
			pipe.Del(qctx, keys...)
			return nil
		})
		return err
	}, idsKey)
	if err != nil {
		return 0, errors.Wrapf(err, "redis delete key %q", key)
	}
	return affected, nil
}

// withTx runs fn under WATCH on keys, retrying when a concurrent writer
// invalidated the transaction.
func (s *redisStore) withTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for range maxTxAttempts {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *redisStore) loadRow(ctx context.Context, c redis.Cmdable, rowKey string) (redisRow, bool, error) {
	data, err := c.Get(ctx, rowKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisRow{}, false, nil
	}
	if err != nil {
		return redisRow{}, false, err
	}
	var row redisRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return redisRow{}, false, errors.Wrapf(err, "decode %s", rowKey)
	}
	return row, true, nil
}

func (s *redisStore) first(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	ids, err := s.client.ZRange(qctx, s.idsKey(key), 0, 0).Result()
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "redis lookup key %q", key)
	}
	if len(ids) == 0 {
		return Entry{}, false, nil
	}
	row, found, err := s.loadRow(qctx, s.client, s.key("row", ids[0]))
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "redis load key %q", key)
	}
	return row.entry(), found, nil
}

func (s *redisStore) SelectIDAndExpireByKey(ctx context.Context, key string) (Entry, bool, error) {
	e, found, err := s.first(ctx, key)
	if !found || err != nil {
		return Entry{}, false, err
	}
	return Entry{ID: e.ID, Key: e.Key, ExpireAt: e.ExpireAt}, true, nil
}

func (s *redisStore) SelectFullByKey(ctx context.Context, key string) (Entry, bool, error) {
	return s.first(ctx, key)
}

func (s *redisStore) SelectValueByKey(ctx context.Context, key string) (string, bool, error) {
	e, found, err := s.first(ctx, key)
	if !found || err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

// Close is a no-op, the caller owns the redis client.
func (s *redisStore) Close() error {
	return nil
}
