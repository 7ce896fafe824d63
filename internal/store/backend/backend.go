// Package backend opens the store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"qarunner/internal/config"
	"qarunner/internal/store"
	"qarunner/internal/store/postgres"
	"qarunner/internal/store/sqlite"
)

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL, postgres.WithMaxAttempts(cfg.JobMaxAttempts))
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, cfg.JobMaxAttempts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
