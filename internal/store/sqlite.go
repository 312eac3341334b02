package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// SQLStore implements Store on a database/sql connection pool. The same
// queries serve SQLite and PostgreSQL; the dialect only adjusts
// placeholders and row locking.
type SQLStore struct {
	queries
	db *sql.DB
}

var sqliteDialect = dialect{name: "sqlite"}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// One connection serialises every statement, which makes each claim
	// statement atomic and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return newSQLStore(db, sqliteDialect, logger), nil
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		queries: queries{
			q:      db,
			d:      d,
			logger: logger.With("component", "store", "driver", d.name),
		},
		db: db,
	}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.d.err(s.db.PingContext(ctx))
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return s.d.err(migrate(ctx, s.db, s.d))
}

// InTx runs fn inside a transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", s.d.err(err))
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx, d: s.d, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", s.d.err(err))
	}
	return nil
}
