// Package breaker implements the distributed Circuit Breaker (spec.md
// §4.2), backed by a shared key/value store (C8) so multiple gateway
// instances agree on a given upstream's state. Ported from
// original_source/src/core/circuit_breaker.py's Redis WATCH/MULTI/EXEC
// transaction onto a SQLite conditional-UPDATE CAS loop, extending the
// teacher's internal/repository/shared_state_repo.go upsert with a version
// column the teacher's repo lacked.
package breaker

import (
	"context"
	"database/sql"
	"time"
)

// KVStore is the atomic read/compare/write primitive the breaker needs
// from the Shared K/V Store (spec.md §4.2, §8 "no lost updates").
type KVStore interface {
	// Get returns the stored value and its version, or found=false if the
	// key has never been written (or was deleted).
	Get(ctx context.Context, key string) (value string, version int64, found bool, err error)
	// CompareAndSwap writes newValue iff the stored version equals
	// expectedVersion (0 means "key must not currently exist"). Returns
	// ok=false on a version mismatch without treating it as an error —
	// callers retry with a fresh Get.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, newValue string) (ok bool, err error)
	// Delete removes the key outright (used to reset CLOSED/failure_count=0
	// on success).
	Delete(ctx context.Context, key string) error
}

// SQLiteKVStore implements KVStore over the gateway's SQLite connection.
// The single atomic UPDATE...WHERE version=? statement does double duty:
// when expectedVersion is 0 it also guards against inserting over an
// already-present key, because a real stored version is never 0.
type SQLiteKVStore struct {
	db *sql.DB
}

// NewSQLiteKVStore wraps an existing *sql.DB. The caller is responsible for
// having run the shared_state migration.
func NewSQLiteKVStore(db *sql.DB) *SQLiteKVStore {
	return &SQLiteKVStore{db: db}
}

func (s *SQLiteKVStore) Get(ctx context.Context, key string) (string, int64, bool, error) {
	var value string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM shared_state WHERE key = ?`, key).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return value, version, true, nil
}

func (s *SQLiteKVStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, newValue string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shared_state (key, value, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = shared_state.version + 1,
			updated_at = excluded.updated_at
		WHERE shared_state.version = ?
	`, key, newValue, time.Now().UTC(), expectedVersion)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLiteKVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_state WHERE key = ?`, key)
	return err
}
