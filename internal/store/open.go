package store

import (
	"context"
	"fmt"

	"github.com/IItheshadowII/LatencyLens/internal/config"
)

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case config.StoragePostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case config.StorageMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
