package storage

import (
	"context"
	"fmt"

	"seatwatch/internal/config"
	"seatwatch/internal/logger"
)

// Open returns the store selected by cfg.Driver. Schema migrations are
// applied as part of opening.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	log := logger.WithComponent("storage")

	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := NewSQLiteStore(cfg.Path, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		log.Info().Str("driver", config.DriverSQLite).Str("path", cfg.Path).Msg("store opened")
		return s, nil

	case config.DriverPostgres:
		if err := MigratePostgres(cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		pool, err := NewPgxPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		log.Info().Str("driver", config.DriverPostgres).Dur("lock_timeout", cfg.LockTimeout).Msg("store opened")
		return NewPostgresStore(pool, cfg.LockTimeout), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Migrate applies schema migrations for the configured driver without
// keeping the store open.
func Migrate(ctx context.Context, cfg config.StorageConfig) error {
	if cfg.Driver == config.DriverPostgres {
		return MigratePostgres(cfg.DSN)
	}
	s, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Close()
}
