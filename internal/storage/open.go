package storage

import (
	"context"
	"fmt"

	"github.com/quantumlife/knowledgebase/internal/config"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/metrics"
)

// OpenBackend builds the ResourceStore selected by cfg.Storage.Backend and
// wraps it with metrics when m is non-nil.
func OpenBackend(ctx context.Context, cfg *config.Config, m *metrics.StoreMetrics) (ResourceStore, error) {
	var (
		store ResourceStore
		err   error
	)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		store = NewMemoryStore()
	case config.BackendSQLite, "":
		store, err = OpenSQLiteStore(ctx, Config{
			Path:   cfg.SQLiteFile(),
			Driver: cfg.Storage.SQLiteDriver,
		})
	case config.BackendRedis:
		r := cfg.Storage.Redis
		store, err = NewRedisStore(ctx, RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
	case config.BackendPostgres:
		store, err = NewPostgresStore(cfg.Storage.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", core.ErrInvalidInput, cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewInstrumented(store, m), nil
}
