// Package catalog is the persistent, transactional, typed store for
// NoDupeLabs' file records, scan sessions, and operation history (spec §4.1).
// It is the single source of truth consulted by the Planner and Executor.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/gofrs/flock"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// identifierPattern is the validation regex applied to any identifier used
// in dynamically-composed SQL (migration table/index names). User data is
// always passed parameterized — this guards only the rare identifier that
// must be interpolated into the statement text itself.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to interpolate into SQL as a
// bare identifier (table or index name).
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// lockTimeout bounds how long Open waits to acquire the cross-process
// advisory writer lock before failing fast (spec §5 Timeouts).
const lockTimeout = 5 * time.Second

// ErrLockTimeout is returned when the advisory writer lock could not be
// acquired within lockTimeout — a typed PoolExhausted-style failure.
var ErrLockTimeout = fmt.Errorf("catalog: timed out acquiring advisory write lock after %s", lockTimeout)

// Catalog wraps a SQLite-backed store plus the cross-process advisory lock
// that serializes write commands against the same base directory (spec §5).
type Catalog struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Open opens (or creates) the catalog database at path, applies pragmas for
// WAL mode, acquires the advisory write lock, and runs pending migrations.
// Close releases both the lock and the database handle on every exit path.
func Open(path string) (*Catalog, error) {
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, newError(KindConnection, "open", fmt.Errorf("acquire advisory lock: %w", err))
	}
	if !locked {
		return nil, newError(KindConnection, "open", ErrLockTimeout)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, newError(KindConnection, "open", fmt.Errorf("open sqlite %q: %w", path, err))
	}
	// Single writer prevents SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536", // 64 MB
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			lock.Unlock()
			return nil, newError(KindConnection, "open", fmt.Errorf("pragma %q: %w", p, err))
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, newError(KindSchema, "open", err)
	}

	return &Catalog{db: db, path: path, lock: lock}, nil
}

// runMigrations applies all pending goose migrations from the embedded FS.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close releases the database handle and the advisory write lock, in that
// order, regardless of which step fails first.
func (c *Catalog) Close() error {
	dbErr := c.db.Close()
	lockErr := c.lock.Unlock()
	if dbErr != nil {
		return newError(KindConnection, "close", dbErr)
	}
	if lockErr != nil {
		return newError(KindConnection, "close", lockErr)
	}
	return nil
}

// DB exposes the underlying *sql.DB for packages (scan, executor) that need
// to run their own batched statements within the same connection/lock scope.
// Catalog remains the sole owner of the schema; callers must not create
// tables or bypass the FileRecord/ScanSession/OperationRecord contracts.
func (c *Catalog) DB() *sql.DB { return c.db }

// LoadSettings returns all rows from the settings table as a key→value map.
func (c *Catalog) LoadSettings() (map[string]string, error) {
	rows, err := c.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, newError(KindIO, "LoadSettings", err)
	}
	defer rows.Close()
	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, newError(KindIO, "LoadSettings", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindIO, "LoadSettings", err)
	}
	return m, nil
}

// VersionHash summarizes the current state of the files table as a short
// hex digest. A Plan records this value so Apply can detect a catalog that
// has drifted since the plan was generated (spec §4.5.3 step 1: "verify
// plan metadata's catalog version hash matches the current catalog").
// It is not a cryptographic content hash of the table, only a cheap
// drift detector over the row count and the newest updated_at/scanned_at.
// Timestamps have one-second resolution, so an update made within the same
// second as the newest existing updated_at, with the row count unchanged,
// leaves the digest unchanged.
func (c *Catalog) VersionHash() (string, error) {
	var count int64
	var maxUpdated, maxScanned sql.NullInt64
	err := c.db.QueryRow(`
		SELECT COUNT(*), MAX(updated_at), MAX(scanned_at) FROM files`).
		Scan(&count, &maxUpdated, &maxScanned)
	if err != nil {
		return "", newError(KindIO, "VersionHash", err)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d", count, maxUpdated.Int64, maxScanned.Int64)))
	return hex.EncodeToString(sum[:]), nil
}

// SaveSetting upserts a single key in the settings table.
func (c *Catalog) SaveSetting(key, value string) error {
	_, err := c.db.Exec(
		"INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return newError(KindIO, "SaveSetting", fmt.Errorf("save setting %q: %w", key, err))
	}
	return nil
}
