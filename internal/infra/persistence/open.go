// Package persistence selects a history.Store backend by driver name.
package persistence

import (
	"context"
	"fmt"

	"mediaopt/internal/history"
	"mediaopt/internal/infra/persistence/memory"
	"mediaopt/internal/infra/persistence/postgres"
	"mediaopt/internal/infra/persistence/sqlite"
)

// Driver identifies a concrete history storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / simulations)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Options configures Open. An empty Driver means sqlite.
type Options struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// Open constructs the configured store.
func Open(ctx context.Context, opts Options) (history.Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		s, err := sqlite.NewStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := postgres.NewStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
