// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

// NewStorage creates the storage backend selected by cfg.Type. The caller
// owns the result and must Close it. Migrations are not run.
func NewStorage(ctx context.Context, cfg StorageConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "", StorageTypeMemory:
		slog.Debug("using in-memory storage")
		return storage.NewMemoryStorage(), nil

	case StorageTypeSQLite:
		slog.Debug("using sqlite storage", "path", cfg.SQLite.Path)
		return storage.NewSQLiteStorage(cfg.SQLite.Path)

	case StorageTypeRedis:
		rc := storage.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}
		if cfg.Redis.SentinelMaster != "" {
			rc.SentinelConfig = &storage.SentinelConfig{
				MasterName:    cfg.Redis.SentinelMaster,
				SentinelAddrs: cfg.Redis.SentinelAddrs,
			}
		}
		slog.Debug("using redis storage",
			"address", cfg.Redis.Address,
			"sentinel_master", cfg.Redis.SentinelMaster,
			"key_prefix", cfg.Redis.KeyPrefix,
		)
		return storage.NewRedisStorage(ctx, rc)

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
