// Package storage persists messages, sessions, admin credentials and
// settings in SQLite.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kaplia/server/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqb builds SQLite statements with ? placeholders.
var sqb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// DB implements chat.Store, session.Store and settings.Persister.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens the database at path, creating it if needed, and applies
// pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := migrateUp(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return New(conn), nil
}

// New wraps an already migrated connection.
func New(conn *sql.DB) *DB {
	return &DB{conn: conn, now: time.Now}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
}

func migrateUp(conn *sql.DB) error {
	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite3 driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}
	if dirty {
		slog.Warn("database migration state is dirty", "version", version)
	} else {
		slog.Debug("database migrations complete", "version", version)
	}
	return nil
}

func formatTime(t time.Time) string {
	return chat.FormatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(chat.TimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
