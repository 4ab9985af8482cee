// Package sqlbackend implements storage.Backend over SQLite, grounded on
// teranos-QNTX/db's connection-setup conventions (WAL journal mode, foreign
// keys, busy timeout) and teranos-QNTX/auth/store's table-per-concern CRUD
// over database/sql.
package sqlbackend

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

const (
	// JournalMode enables concurrent reads during writes.
	JournalMode = "WAL"
	// BusyTimeoutMS bounds how long a writer waits on SQLITE_BUSY.
	BusyTimeoutMS = 5000
)

// Backend is a storage.Backend backed by SQLite: one row per key in a BLOB
// column, transactional UPSERT on write (spec §4.1.1).
type Backend struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if necessary) a SQLite-backed Backend at path. clk
// drives AcquireLock/ReleaseLock's expiry decisions, the same injected clock
// every other TTL path in this tree uses, so a fake-clock-advanced test
// agrees with the backend on "expired = free" without waiting on the
// sweeper.
func Open(path string, clk clock.Clock) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, masceerr.NewIoError("create directory for "+path, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, masceerr.NewIoError("open "+path, err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" opens its own empty database, so the
		// pool is held to one connection to keep the schema and data shared.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = " + JournalMode,
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, masceerr.NewIoError("apply "+pragma, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS masc_kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS masc_counters (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS masc_locks (
	key TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, masceerr.NewIoError("apply schema", err)
	}

	return &Backend{db: db, clock: clk}, nil
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, "SELECT value FROM masc_kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, masceerr.NewIoError("read "+key, err)
	}
	return value, true, nil
}

// Put implements storage.Backend as a single UPSERT.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO masc_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return masceerr.NewIoError("write "+key, err)
	}
	return nil
}

// Delete implements storage.Backend. Idempotent.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM masc_kv WHERE key = ?", key)
	if err != nil {
		return false, masceerr.NewIoError("delete "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, masceerr.NewIoError("read rows affected for delete "+key, err)
	}
	return n > 0, nil
}

// List implements storage.Backend, returning keys under prefix in
// lexicographic order.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT key FROM masc_kv WHERE key LIKE ? ORDER BY key ASC",
		prefix+"%",
	)
	if err != nil {
		return nil, masceerr.NewIoError("list "+prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, masceerr.NewIoError("scan row for list "+prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, masceerr.NewIoError("iterate list "+prefix, err)
	}
	return keys, nil
}

// AtomicInc implements storage.Backend's linearizable counter: a read of the
// current value and an UPSERT of the new one, inside one transaction.
func (b *Backend) AtomicInc(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, masceerr.NewIoError("begin transaction for "+key, err)
	}
	defer tx.Rollback()

	var cur int64
	err = tx.QueryRowContext(ctx, "SELECT value FROM masc_counters WHERE key = ?", key).Scan(&cur)
	if err != nil && err != sql.ErrNoRows {
		return 0, masceerr.NewIoError("read counter "+key, err)
	}
	next := cur + delta
	_, err = tx.ExecContext(ctx,
		`INSERT INTO masc_counters (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, next,
	)
	if err != nil {
		return 0, masceerr.NewIoError("write counter "+key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, masceerr.NewIoError("commit counter "+key, err)
	}
	return next, nil
}

// AcquireLock implements storage.Backend.
func (b *Backend) AcquireLock(ctx context.Context, key string, ttlSeconds int64, owner string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, masceerr.NewIoError("begin transaction for lock "+key, err)
	}
	defer tx.Rollback()

	now := b.clock.Now().Unix()
	var expiresAt int64
	err = tx.QueryRowContext(ctx, "SELECT expires_at FROM masc_locks WHERE key = ?", key).Scan(&expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, masceerr.NewIoError("read lock "+key, err)
	}
	if err == nil && expiresAt > now {
		return false, nil
	}

	newExpiry := now + ttlSeconds
	_, err = tx.ExecContext(ctx,
		`INSERT INTO masc_locks (key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at`,
		key, owner, newExpiry,
	)
	if err != nil {
		return false, masceerr.NewIoError("write lock "+key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, masceerr.NewIoError("commit lock "+key, err)
	}
	return true, nil
}

// ReleaseLock implements storage.Backend. Fails if owner mismatches.
func (b *Backend) ReleaseLock(ctx context.Context, key string, owner string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM masc_locks WHERE key = ? AND owner = ? AND expires_at > ?",
		key, owner, b.clock.Now().Unix(),
	)
	if err != nil {
		return false, masceerr.NewIoError("release lock "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, masceerr.NewIoError("read rows affected for release lock "+key, err)
	}
	return n > 0, nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
