package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"qarunner/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateUp applies every pending up migration. The migrator is not closed:
// closing the driver would close db.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: store.MigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w at version %d", store.ErrDirtySchema, dirty.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version. A dirty schema is an error.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var (
		version int
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM `+store.MigrationsTable+` LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("%w at version %d", store.ErrDirtySchema, version)
	}
	return version, nil
}
