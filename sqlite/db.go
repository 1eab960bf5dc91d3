// Package sqlite implements repo interfaces
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/benjamonnguyen/tidal"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = tidal.ErrNotFound

// DB is an open sqlite database file shared by every client of one user.
type DB struct {
	db   *sql.DB
	path string
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("provide path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) RunMigrations() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (d *DB) DB() *sql.DB {
	return d.db
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Scannable is satisfied by *sql.Row and *sql.Rows.
type Scannable interface {
	Scan(dest ...any) error
}

// GenerateParameters returns a placeholder group like "(?, ?, ?)".
func GenerateParameters(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
