// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qarunner/internal/store"

	_ "github.com/lib/pq"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts overrides the attempts gate used by AcquireNext.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New connects to PostgreSQL and runs pending migrations.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an existing connection pool without running migrations.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, maxAttempts: store.MaxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
