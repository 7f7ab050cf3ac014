// Package filestore implements the embedded-file storage backend using
// SQLite in WAL mode. Objects live in a single version-stamped table;
// reads run inside a deferred snapshot transaction per attempt, and
// commits re-validate read and write sets with compare-and-swap updates
// inside a write transaction, reporting version mismatches as conflicts.
package filestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openvhm/openvhm/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements the embedded-file backend.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds file store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns bounds the SQLite connection pool. It must exceed the
	// worker pool size or Open blocks waiting for a free connection.
	MaxOpenConns int

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration
}

// New creates a new file store instance. Init must be called before use.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("filestore: database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Store{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database and applies the connection pragmas.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"%s?_txlock=deferred&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		s.path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("filestore: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("filestore: failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("filestore: database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("filestore: failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("filestore: failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("filestore: failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("filestore: failed to run migrations: %w", err)
	}

	return nil
}

// Open implements store.Store. Each connection pins a dedicated SQLite
// connection so transactions keep their snapshot for their full lifetime.
func (s *Store) Open(ctx context.Context) (store.Conn, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	sc, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to open connection: %w", err)
	}
	return &Conn{st: s, sc: sc}, nil
}

// Close implements store.Store.
func (s *Store) Close(_ context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
