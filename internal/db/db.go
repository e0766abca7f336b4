package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dbFile        = "pt.db"
	schemaVersion = 2
	// timeLayout is fixed width so stored timestamps sort lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// DB wraps the local queue database
type DB struct {
	conn    *sql.DB
	dataDir string
	now     func() time.Time
}

// Open opens (creating if needed) the store under dataDir and applies the schema
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("create data dir: %w", err)}
	}

	conn, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	// Enable WAL mode so the daemon can read while a CLI command writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("enable WAL mode: %w", err)}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("set busy timeout: %w", err)}
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return New(conn, dataDir)
}

// New wraps an already-open connection. Used directly by tests to run the
// store against other SQLite drivers.
func New(conn *sql.DB, dataDir string) (*DB, error) {
	db := &DB{conn: conn, dataDir: dataDir, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// DataDir returns the directory holding the database, locks and blobs
func (db *DB) DataDir() string {
	return db.dataDir
}

// SetClock overrides the time source used for store-assigned timestamps
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// withWriteLock executes fn while holding the cross-process write lock.
func (db *DB) withWriteLock(op string, fn func() error) error {
	locker := newFileLocker(filepath.Join(db.dataDir, writeLockFile))
	if err := locker.acquire(writeLockTimeout); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer locker.release()
	if err := fn(); err != nil {
		return wrapStorage(op, err)
	}
	return nil
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	version, err := db.GetSchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := db.conn.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	_, err = db.conn.Exec(`INSERT INTO schema_info (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(schemaVersion))
	return err
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q", version)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or by older builds
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
