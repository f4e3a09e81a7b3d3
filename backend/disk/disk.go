// Package disk implements the durable cache tier on top of a SQLite
// database (modernc.org/sqlite, pure Go). Entries are rows keyed by
// (namespace, key); every mutation runs in a transaction together with the
// running entry/byte aggregate, so a crash mid-operation never leaves a
// half-written row or a stale quota count.
package disk

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/internal/singleflight"
	"github.com/tiercache/tiercache/metrics"
)

// evictBatch bounds how many LRU rows a single eviction pass deletes, so
// transactions stay small even when far over quota.
const evictBatch = 64

// evictAttempts bounds internal retries of a mutating transaction before
// the failure surfaces as ErrStorageUnavailable.
const evictAttempts = 3

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a disk backend. Path is required; zero limits mean
// unbounded.
type Options struct {
	Name       string
	Path       string
	MaxEntries int64
	MaxBytes   int64

	// Counters receives this backend's traffic totals. Nil => private.
	Counters *metrics.Counters
	// Recorder is an optional extra observability hook.
	Recorder metrics.Recorder
	// Logger for operational events. Nil => slog.Default().
	Logger *slog.Logger
	// Clock overrides the time source. Nil => time.Now().
	Clock Clock
}

// Store is the disk backend. All methods are safe for concurrent use; the
// driver serializes writers and WAL keeps readers off the write lock.
type Store struct {
	db         *sql.DB
	name       string
	maxEntries int64
	maxBytes   int64
	counters   *metrics.Counters
	rec        metrics.Recorder
	log        *slog.Logger
	clock      Clock

	sf singleflight.Group[flightKey, []byte]
}

// flightKey identifies an in-progress GetOrSet computation. A struct keeps
// (namespace, key) pairs distinct without reserving any byte in either.
type flightKey struct{ ns, key string }

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace        TEXT    NOT NULL,
	key              TEXT    NOT NULL,
	value            BLOB    NOT NULL,
	size             INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at       INTEGER,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_entries_expires  ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_entries_accessed ON cache_entries(last_accessed_at);
CREATE TABLE IF NOT EXISTS cache_stats (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	entry_count INTEGER NOT NULL,
	byte_count  INTEGER NOT NULL
);
`

// Open creates or opens the database at opt.Path, applies the schema and
// recomputes the stats row from the table. The recount also self-heals the
// aggregate after a crash, since uncommitted row changes rolled back with
// their stats update.
func Open(ctx context.Context, opt Options) (*Store, error) {
	if opt.Path == "" {
		return nil, fmt.Errorf("disk: storage path is required")
	}
	if opt.Name == "" {
		opt.Name = string(backend.KindDisk)
	}
	if opt.Counters == nil {
		opt.Counters = &metrics.Counters{}
	}
	if opt.Recorder == nil {
		opt.Recorder = metrics.Noop{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn(opt.Path))
	if err != nil {
		return nil, storageErr(err)
	}
	s := &Store{
		db:         db,
		name:       opt.Name,
		maxEntries: opt.MaxEntries,
		maxBytes:   opt.MaxBytes,
		counters:   opt.Counters,
		rec:        opt.Recorder,
		log:        opt.Logger,
		clock:      opt.Clock,
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storageErr(err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_stats (id, entry_count, byte_count)
		 SELECT 1, COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`); err != nil {
		_ = db.Close()
		return nil, storageErr(err)
	}
	s.log.Debug("disk cache opened", "name", s.name, "path", opt.Path)
	return s, nil
}

// dsn builds the driver DSN: WAL for concurrent reads, a busy timeout so
// competing writers wait instead of failing, and immediate transactions to
// avoid deadlocks on lock upgrades.
func dsn(path string) string {
	return "file:" + url.PathEscape(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

var _ backend.Backend = (*Store)(nil)

// Name returns the configured instance name.
func (s *Store) Name() string { return s.name }

// Size reads the running aggregate; no table scan.
func (s *Store) Size(ctx context.Context) (backend.Stats, error) {
	var st backend.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_count, byte_count FROM cache_stats WHERE id = 1`).
		Scan(&st.Entries, &st.Bytes)
	if err != nil {
		return backend.Stats{}, storageErr(err)
	}
	return st, nil
}

// Sweep deletes expired rows in bounded batches, each batch in its own
// transaction. Expiry remains correct without it (reads treat stale rows
// as misses); sweeping just reclaims space earlier.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n := 0
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx,
				`SELECT namespace, key, size FROM cache_entries
				 WHERE expires_at IS NOT NULL AND expires_at <= ?
				 LIMIT ?`, s.now(), evictBatch)
			if err != nil {
				return err
			}
			batch, err := collectRefs(rows)
			if err != nil {
				return err
			}
			for _, ref := range batch {
				if err := s.deleteRef(ctx, tx, ref); err != nil {
					return err
				}
			}
			n = len(batch)
			return nil
		})
		if err != nil {
			return total, storageErr(err)
		}
		for i := 0; i < n; i++ {
			s.counters.Evict(metrics.EvictTTL)
			s.rec.Evict(metrics.EvictTTL)
		}
		total += n
		if n < evictBatch {
			break
		}
	}
	if total > 0 {
		s.log.Debug("disk cache sweep", "name", s.name, "expired", total)
	}
	return total, nil
}

// Close flushes and closes the database. Committed transactions are
// durable; there is nothing else to flush.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr(err)
	}
	return nil
}

// -------------------- shared plumbing --------------------

// withTx runs fn in a transaction, committing on success and rolling back
// on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// entryRef identifies a row plus its accounted size, for stats updates.
type entryRef struct {
	ns, key string
	size    int64
}

func collectRefs(rows *sql.Rows) ([]entryRef, error) {
	defer rows.Close()
	var out []entryRef
	for rows.Next() {
		var r entryRef
		if err := rows.Scan(&r.ns, &r.key, &r.size); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// deleteRef removes one row and keeps the aggregate in step, inside the
// caller's transaction.
func (s *Store) deleteRef(ctx context.Context, tx *sql.Tx, ref entryRef) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, ref.ns, ref.key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE cache_stats SET entry_count = entry_count - 1, byte_count = byte_count - ? WHERE id = 1`,
		ref.size)
	return err
}

func (s *Store) now() int64 {
	if s.clock != nil {
		return s.clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
// Negative means no expiration (NULL in the row); zero is born expired.
func (s *Store) deadline(ttl time.Duration) sql.NullInt64 {
	if ttl < 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now() + int64(ttl), Valid: true}
}

func (s *Store) expired(exp sql.NullInt64) bool {
	return exp.Valid && s.now() >= exp.Int64
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", backend.ErrStorageUnavailable, err)
}
