// Package postgres implements the store.EventStore interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.EventStore backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.EventStore.
var _ store.EventStore = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// appendLockKey names the advisory lock that serializes appends.
const appendLockKey int64 = 0x6576656e74687562

// Append inserts a single row while holding a transaction-scoped advisory
// lock. The sequence value is drawn and committed under the lock, so seq
// order equals commit order and a reader that sees seq N has already seen
// every committed seq below it. ReadFrom cursors depend on this.
func (s *PostgresStore) Append(ctx context.Context, e *model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append %s: lock: %w", e.ID, err)
	}
	if err := queryAppendEvent(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		e.Seq = 0
		return err
	}
	if err := tx.Commit(); err != nil {
		e.Seq = 0
		return fmt.Errorf("commit append %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, filter model.EventFilter) ([]*model.Event, error) {
	return queryEvents(ctx, s.db, filter)
}

func (s *PostgresStore) ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]*model.Event, error) {
	return queryEventsFrom(ctx, s.db, afterSeq, limit)
}
