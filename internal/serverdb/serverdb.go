// Package serverdb is the reference price server's store. The same SQL runs
// on SQLite (modernc.org/sqlite) and Postgres (pgx stdlib driver); queries
// are written with ? placeholders and rebound for Postgres.
package serverdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist (or is soft-deleted)
var ErrNotFound = errors.New("not found")

// Dialect names the SQL backend
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ServerDB wraps the server database connection
type ServerDB struct {
	conn    *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open picks the backend from dsn: postgres:// and postgresql:// URLs use
// pgx, anything else is a SQLite file path (or ":memory:").
func Open(dsn string) (*ServerDB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(dsn)
	}
	return OpenSQLite(dsn)
}

// OpenSQLite opens (creating if needed) a SQLite database and runs any
// pending migrations.
func OpenSQLite(dbPath string) (*ServerDB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return initDB(conn, DialectSQLite)
}

// OpenPostgres connects through the pgx database/sql driver
func OpenPostgres(dsn string) (*ServerDB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return initDB(conn, DialectPostgres)
}

func initDB(conn *sql.DB, d Dialect) (*ServerDB, error) {
	db := &ServerDB{conn: conn, dialect: d, now: time.Now}
	for _, stmt := range schemaStatements() {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Dialect reports which backend is in use
func (db *ServerDB) Dialect() Dialect {
	return db.dialect
}

// SetClock replaces the time source, for tests
func (db *ServerDB) SetClock(now func() time.Time) {
	db.now = now
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL (SQLite) and closes the database connection.
func (db *ServerDB) Close() error {
	if db.dialect == DialectSQLite {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.conn.Close()
}

// RunMigrations runs any pending database migrations.
func (db *ServerDB) RunMigrations() (int, error) {
	currentVersion := db.getSchemaVersion()
	if currentVersion >= ServerSchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for _, m := range Migrations {
		if m.Version > currentVersion {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return migrationsRun, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return migrationsRun, fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}
	}

	// Set to current version if fresh DB
	if currentVersion == 0 {
		if err := db.setSchemaVersion(ServerSchemaVersion); err != nil {
			return migrationsRun, err
		}
	}
	return migrationsRun, nil
}

func (db *ServerDB) getSchemaVersion() int {
	var version string
	if err := db.queryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version); err != nil {
		return 0
	}
	v, _ := strconv.Atoi(version)
	return v
}

func (db *ServerDB) setSchemaVersion(version int) error {
	_, err := db.exec(`INSERT INTO schema_info (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, strconv.Itoa(version))
	return err
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres
func (db *ServerDB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (db *ServerDB) exec(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(db.rebind(query), args...)
}

func (db *ServerDB) queryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(db.rebind(query), args...)
}

func (db *ServerDB) query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(db.rebind(query), args...)
}

func (db *ServerDB) timestamp() string {
	return formatTime(db.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// generateID creates a prefixed ID with 8 random hex chars.
func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
