// Package store selects the snapshot storage backend of the forecaster.
package store

import (
	"fmt"
	"log/slog"

	"github.com/HatiCode/evolvecast/cmd/forecaster/config"
	"github.com/HatiCode/evolvecast/pkg/storage"
)

// New returns the configured snapshot store and a function releasing it.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, func() error, error) {
	switch cfg.Storage {
	case "redis":
		logger.Info("using Redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		return rs, rs.Close, nil
	case "memory", "":
		logger.Info("using in-memory storage")
		ms := storage.NewMemoryStore()
		return ms, func() error { ms.Stop(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}
