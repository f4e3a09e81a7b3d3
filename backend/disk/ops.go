package disk

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/metrics"
)

// Get returns the value for (namespace, key) and refreshes its
// last_accessed_at, all in one transaction. Expired rows are deleted on
// first touch rather than scanned for at start-up.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	return s.get(ctx, namespace, key, true)
}

// get is Get with the miss accounting switchable, so the in-flight
// re-check of GetOrSet does not count a second miss for one lookup.
func (s *Store) get(ctx context.Context, namespace, key string, countMiss bool) ([]byte, error) {
	var (
		value      []byte
		hit        bool
		expiredRow bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			size int64
			exp  sql.NullInt64
		)
		row := tx.QueryRowContext(ctx,
			`SELECT value, size, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
			namespace, key)
		switch err := row.Scan(&value, &size, &exp); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		if s.expired(exp) {
			expiredRow = true
			return s.deleteRef(ctx, tx, entryRef{ns: namespace, key: key, size: size})
		}
		hit = true
		_, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET last_accessed_at = ? WHERE namespace = ? AND key = ?`,
			s.now(), namespace, key)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	if expiredRow {
		s.counters.Evict(metrics.EvictTTL)
		s.rec.Evict(metrics.EvictTTL)
	}
	if !hit {
		if countMiss {
			s.counters.Miss()
			s.rec.Miss()
		}
		return nil, backend.ErrMiss
	}
	s.counters.Hit()
	s.rec.Hit()
	return value, nil
}

// Set stores the value and evicts least-recently-used rows until the
// capacity limits hold, committing the row, the aggregate and the eviction
// together.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if s.maxBytes > 0 && int64(len(value)) > s.maxBytes {
		return backend.ErrCapacityExceeded
	}
	evicted := 0
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		evicted = 0
		if err := s.upsert(ctx, tx, namespace, key, value, s.deadline(ttl)); err != nil {
			return err
		}
		n, err := s.evictOver(ctx, tx)
		evicted = n
		return err
	})
	if err != nil {
		return err
	}
	s.counters.Set()
	s.rec.Set()
	for i := 0; i < evicted; i++ {
		s.counters.Evict(metrics.EvictCapacity)
		s.rec.Evict(metrics.EvictCapacity)
	}
	return nil
}

// Exists probes for a live row. It never touches last_accessed_at, so
// probing cannot keep an entry resident.
func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	var (
		found      bool
		expiredRow bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			size int64
			exp  sql.NullInt64
		)
		row := tx.QueryRowContext(ctx,
			`SELECT size, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
			namespace, key)
		switch err := row.Scan(&size, &exp); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		if s.expired(exp) {
			expiredRow = true
			return s.deleteRef(ctx, tx, entryRef{ns: namespace, key: key, size: size})
		}
		found = true
		return nil
	})
	if err != nil {
		return false, storageErr(err)
	}
	if expiredRow {
		s.counters.Evict(metrics.EvictTTL)
		s.rec.Evict(metrics.EvictTTL)
	}
	return found, nil
}

// Delete removes the row, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	var existed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var size int64
		row := tx.QueryRowContext(ctx,
			`SELECT size FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
		switch err := row.Scan(&size); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		existed = true
		return s.deleteRef(ctx, tx, entryRef{ns: namespace, key: key, size: size})
	})
	if err != nil {
		return false, storageErr(err)
	}
	if existed {
		s.counters.Delete()
		s.rec.Delete()
	}
	return existed, nil
}

// Clear removes every row in the namespace, or the whole table when the
// namespace is empty, keeping the aggregate in step.
func (s *Store) Clear(ctx context.Context, namespace string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if namespace == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE cache_stats SET entry_count = 0, byte_count = 0 WHERE id = 1`)
			return err
		}
		var (
			count int64
			bytes int64
		)
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries WHERE namespace = ?`,
			namespace).Scan(&count, &bytes); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE cache_stats SET entry_count = entry_count - ?, byte_count = byte_count - ? WHERE id = 1`,
			count, bytes)
		return err
	})
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// GetOrSet returns the cached value or computes and stores it, coalescing
// concurrent callers for the same key into one compute invocation.
func (s *Store) GetOrSet(ctx context.Context, namespace, key string, compute backend.ComputeFunc, ttl time.Duration) ([]byte, error) {
	if v, err := s.Get(ctx, namespace, key); err == nil {
		return v, nil
	} else if !errors.Is(err, backend.ErrMiss) {
		return nil, err
	}

	return s.sf.Do(ctx, flightKey{namespace, key}, func() ([]byte, error) {
		if v, err := s.get(ctx, namespace, key, false); err == nil {
			return v, nil
		} else if !errors.Is(err, backend.ErrMiss) {
			return nil, err
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, namespace, key, v, ttl); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// GetMany reads all keys in one transaction, refreshing recency for hits
// and dropping expired rows on the way.
func (s *Store) GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var hits, misses, expired int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		for _, key := range keys {
			var (
				value []byte
				size  int64
				exp   sql.NullInt64
			)
			row := tx.QueryRowContext(ctx,
				`SELECT value, size, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
				namespace, key)
			switch err := row.Scan(&value, &size, &exp); {
			case errors.Is(err, sql.ErrNoRows):
				misses++
				continue
			case err != nil:
				return err
			}
			if s.expired(exp) {
				expired++
				misses++
				if err := s.deleteRef(ctx, tx, entryRef{ns: namespace, key: key, size: size}); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE cache_entries SET last_accessed_at = ? WHERE namespace = ? AND key = ?`,
				now, namespace, key); err != nil {
				return err
			}
			hits++
			out[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	for i := 0; i < hits; i++ {
		s.counters.Hit()
		s.rec.Hit()
	}
	for i := 0; i < misses; i++ {
		s.counters.Miss()
		s.rec.Miss()
	}
	for i := 0; i < expired; i++ {
		s.counters.Evict(metrics.EvictTTL)
		s.rec.Evict(metrics.EvictTTL)
	}
	return out, nil
}

// SetMany writes the whole batch and any resulting eviction in a single
// transaction: either every row lands or none does.
func (s *Store) SetMany(ctx context.Context, namespace string, values map[string][]byte, ttl time.Duration) error {
	if s.maxBytes > 0 {
		for _, v := range values {
			if int64(len(v)) > s.maxBytes {
				return backend.ErrCapacityExceeded
			}
		}
	}
	evicted := 0
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		evicted = 0
		exp := s.deadline(ttl)
		for key, v := range values {
			if err := s.upsert(ctx, tx, namespace, key, v, exp); err != nil {
				return err
			}
		}
		n, err := s.evictOver(ctx, tx)
		evicted = n
		return err
	})
	if err != nil {
		return err
	}
	for range values {
		s.counters.Set()
		s.rec.Set()
	}
	for i := 0; i < evicted; i++ {
		s.counters.Evict(metrics.EvictCapacity)
		s.rec.Evict(metrics.EvictCapacity)
	}
	return nil
}

// DeleteMany removes the given keys in one transaction, returning how many
// rows existed.
func (s *Store) DeleteMany(ctx context.Context, namespace string, keys []string) (int, error) {
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		removed = 0
		for _, key := range keys {
			var size int64
			row := tx.QueryRowContext(ctx,
				`SELECT size FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
			switch err := row.Scan(&size); {
			case errors.Is(err, sql.ErrNoRows):
				continue
			case err != nil:
				return err
			}
			if err := s.deleteRef(ctx, tx, entryRef{ns: namespace, key: key, size: size}); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr(err)
	}
	for i := 0; i < removed; i++ {
		s.counters.Delete()
		s.rec.Delete()
	}
	return removed, nil
}

// Increment adds delta to the base-10 integer at key inside one
// transaction. A live entry keeps its deadline; an absent or expired one
// restarts from zero with no TTL.
func (s *Store) Increment(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	var result int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			value []byte
			size  int64
			exp   sql.NullInt64
			cur   int64
		)
		keep := sql.NullInt64{}
		row := tx.QueryRowContext(ctx,
			`SELECT value, size, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
			namespace, key)
		switch err := row.Scan(&value, &size, &exp); {
		case errors.Is(err, sql.ErrNoRows):
			// counts from zero
		case err != nil:
			return err
		default:
			if !s.expired(exp) {
				v, perr := strconv.ParseInt(string(value), 10, 64)
				if perr != nil {
					return backend.ErrNotNumeric
				}
				cur = v
				keep = exp
			}
		}
		result = cur + delta
		return s.upsert(ctx, tx, namespace, key, []byte(strconv.FormatInt(result, 10)), keep)
	})
	if err != nil {
		if errors.Is(err, backend.ErrNotNumeric) {
			return 0, backend.ErrNotNumeric
		}
		return 0, storageErr(err)
	}
	s.counters.Set()
	s.rec.Set()
	return result, nil
}

// -------------------- write-path internals --------------------

// withRetry reruns a mutating transaction a bounded number of times before
// surfacing ErrStorageUnavailable. Business errors pass through untouched.
func (s *Store) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= evictAttempts; attempt++ {
		err = s.withTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, backend.ErrCapacityExceeded) ||
			errors.Is(err, backend.ErrNotNumeric) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	s.log.Warn("disk cache write failed after retries",
		"name", s.name, "attempts", evictAttempts, "err", err)
	return storageErr(err)
}

// upsert writes one row and keeps the aggregate in step. created_at is
// preserved across overwrites; last_accessed_at is refreshed.
func (s *Store) upsert(ctx context.Context, tx *sql.Tx, namespace, key string, value []byte, exp sql.NullInt64) error {
	var oldSize sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT size FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err := row.Scan(&oldSize); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := s.now()
	size := int64(len(value))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, key, value, size, created_at, last_accessed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at`,
		namespace, key, value, size, now, now, exp); err != nil {
		return err
	}

	if oldSize.Valid {
		_, err := tx.ExecContext(ctx,
			`UPDATE cache_stats SET byte_count = byte_count + ? WHERE id = 1`,
			size-oldSize.Int64)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE cache_stats SET entry_count = entry_count + 1, byte_count = byte_count + ? WHERE id = 1`,
		size)
	return err
}

// evictOver deletes LRU rows (last_accessed_at ascending) in bounded
// batches until both limits hold, returning how many rows went.
func (s *Store) evictOver(ctx context.Context, tx *sql.Tx) (int, error) {
	evicted := 0
	for {
		var (
			entries int64
			bytes   int64
		)
		if err := tx.QueryRowContext(ctx,
			`SELECT entry_count, byte_count FROM cache_stats WHERE id = 1`).
			Scan(&entries, &bytes); err != nil {
			return evicted, err
		}
		over := func() bool {
			return (s.maxEntries > 0 && entries > s.maxEntries) ||
				(s.maxBytes > 0 && bytes > s.maxBytes)
		}
		if !over() {
			return evicted, nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT namespace, key, size FROM cache_entries
			 ORDER BY last_accessed_at ASC, created_at ASC, rowid ASC
			 LIMIT ?`, evictBatch)
		if err != nil {
			return evicted, err
		}
		batch, err := collectRefs(rows)
		if err != nil {
			return evicted, err
		}
		if len(batch) == 0 {
			// Nothing left to reclaim; the aggregate says over-limit but
			// the table is empty. Leave it to the open-time recount.
			return evicted, nil
		}
		for _, ref := range batch {
			if !over() {
				return evicted, nil
			}
			if err := s.deleteRef(ctx, tx, ref); err != nil {
				return evicted, err
			}
			entries--
			bytes -= ref.size
			evicted++
		}
	}
}
