package identity

import (
	"context"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/datasource"
)

// OpenStore creates the store selected by the identity section
func OpenStore(ctx context.Context, cfg config.IdentityConfig) (Store, error) {
	if cfg.Driver == "memory" {
		return NewMemoryStore(), nil
	}
	return OpenSQLStore(ctx, datasource.Config{Driver: cfg.Driver, DSN: cfg.DSN})
}

// Open builds a registry from the full configuration
func Open(ctx context.Context, cfg *config.Config) (*Registry, error) {
	schedule, err := ScheduleFromConfig(cfg.Warmup)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg.Identity)
	if err != nil {
		return nil, err
	}
	return NewRegistry(store, schedule, WithLocation(cfg.Location())), nil
}
