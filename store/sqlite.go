package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS data_common_cache (
	cache_id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_key TEXT NOT NULL,
	cache_value TEXT NOT NULL,
	cache_expire INTEGER NULL
)`

// cache_key is looked up on every request but is deliberately not UNIQUE:
// two queued inserts for one key may both land before a delete does.
const sqliteIndex = `CREATE INDEX IF NOT EXISTS idx_data_common_cache_key ON data_common_cache(cache_key)`

type sqliteStore struct {
	db  *sql.DB
	cfg config
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by SQLite using the pure Go modernc driver.
// If dbPath is empty or ":memory:", a private in-memory database is used.
// cache_expire is stored as nullable unix milliseconds: NULL never expires.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	inMemory := dbPath == "" || dbPath == ":memory:"
	if inMemory {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %q", dbPath)
	}
	if inMemory {
		// every pooled connection to :memory: would otherwise see its own database
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema, sqliteIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "sqlite init %q", stmt)
		}
	}

	return &sqliteStore{db: db, cfg: applyOptions(opts)}, nil
}

func (s *sqliteStore) Insert(ctx context.Context, e Entry) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	ms, ok := expiryToMillis(e.ExpireAt)
	res, err := s.db.ExecContext(qctx,
		`INSERT INTO data_common_cache (cache_key, cache_value, cache_expire) VALUES (?, ?, ?)`,
		e.Key, e.Value, sql.NullInt64{Int64: ms, Valid: ok},
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert key %q", e.Key)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert id")
	}
	return id, nil
}

func (s *sqliteStore) UpdateByID(ctx context.Context, e Entry) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	ms, ok := expiryToMillis(e.ExpireAt)
	res, err := s.db.ExecContext(qctx,
		`UPDATE data_common_cache SET cache_key = ?, cache_value = ?, cache_expire = ? WHERE cache_id = ?`,
		e.Key, e.Value, sql.NullInt64{Int64: ms, Valid: ok}, e.ID,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "update id %d", e.ID)
	}
	return rowsAffected(res)
}

func (s *sqliteStore) DeleteByKey(ctx context.Context, key string) (int64, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(qctx, `DELETE FROM data_common_cache WHERE cache_key = ?`, key)
	if err != nil {
		return 0, errors.Wrapf(err, "delete key %q", key)
	}
	return rowsAffected(res)
}

func (s *sqliteStore) SelectIDAndExpireByKey(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	e := Entry{Key: key}
	var expire sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT cache_id, cache_expire FROM data_common_cache WHERE cache_key = ? ORDER BY cache_id LIMIT 1`, key,
	).Scan(&e.ID, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "select id for key %q", key)
	}
	e.ExpireAt = expiryFromMillis(expire.Int64, expire.Valid)
	return e, true, nil
}

func (s *sqliteStore) SelectFullByKey(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	var e Entry
	var expire sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT cache_id, cache_key, cache_value, cache_expire FROM data_common_cache WHERE cache_key = ? ORDER BY cache_id LIMIT 1`, key,
	).Scan(&e.ID, &e.Key, &e.Value, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "select key %q", key)
	}
	e.ExpireAt = expiryFromMillis(expire.Int64, expire.Valid)
	return e, true, nil
}

func (s *sqliteStore) SelectValueByKey(ctx context.Context, key string) (string, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(qctx,
		`SELECT cache_value FROM data_common_cache WHERE cache_key = ? ORDER BY cache_id LIMIT 1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "select value for key %q", key)
	}
	return value, true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}
