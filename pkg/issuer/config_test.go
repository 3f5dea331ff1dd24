// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/server/handlers"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "minimal"},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "issuer without scheme", mutate: func(c *Config) { c.Issuer = "lms.example.edu" }, wantErr: "http or https"},
		{name: "issuer with query", mutate: func(c *Config) { c.Issuer = "https://lms.example.edu?x=1" }, wantErr: "query or fragment"},
		{name: "issuer with fragment", mutate: func(c *Config) { c.Issuer = "https://lms.example.edu#top" }, wantErr: "query or fragment"},
		{name: "bad algorithm", mutate: func(c *Config) { c.Signing.Algorithm = "HS256" }, wantErr: "unsupported signing algorithm"},
		{
			name:    "negative lifetime",
			mutate:  func(c *Config) { c.Lifetimes.AccessToken = -time.Minute },
			wantErr: "lifetimes.access_token cannot be negative",
		},
		{
			name:    "negative rotation",
			mutate:  func(c *Config) { c.Signing.RotationInterval = -time.Hour },
			wantErr: "signing.rotation_interval cannot be negative",
		},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "etcd" }, wantErr: "unsupported storage type"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Type = StorageTypeSQLite }, wantErr: "storage.sqlite.path"},
		{
			name: "sqlite",
			mutate: func(c *Config) {
				c.Storage.Type = StorageTypeSQLite
				c.Storage.SQLite.Path = filepath.Join("var", "ltiauth.db")
			},
		},
		{name: "redis without address", mutate: func(c *Config) { c.Storage.Type = StorageTypeRedis }, wantErr: "storage.redis.address"},
		{
			name: "sentinel without addrs",
			mutate: func(c *Config) {
				c.Storage.Type = StorageTypeRedis
				c.Storage.Redis.SentinelMaster = "mymaster"
			},
			wantErr: "sentinel_addrs",
		},
		{
			name: "duplicate static client",
			mutate: func(c *Config) {
				c.Clients = []clients.Registration{{ClientID: "tool-1"}, {ClientID: "tool-1"}}
			},
			wantErr: `duplicate client_id "tool-1"`,
		},
		{
			name:    "static client without id",
			mutate:  func(c *Config) { c.Clients = []clients.Registration{{DisplayName: "Quiz"}} },
			wantErr: "clients[0]: client_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Issuer: "https://lms.example.edu"}
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Issuer: "https://lms.example.edu"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, "ES256", cfg.Signing.Algorithm)
	assert.Zero(t, cfg.Signing.RotationInterval, "rotation is never scheduled by default")
	assert.Equal(t, token.DefaultAuthorizationCodeLifetime, cfg.Lifetimes.AuthorizationCode)
	assert.Equal(t, token.DefaultAccessTokenLifetime, cfg.Lifetimes.AccessToken)
	assert.Equal(t, token.DefaultRefreshTokenLifetime, cfg.Lifetimes.RefreshToken)
	assert.Equal(t, 30*time.Second, cfg.Cleanup.Interval)
	assert.Equal(t, 30*time.Second, cfg.ClockSkew)
	assert.Equal(t, DefaultBackendTimeout, cfg.BackendTimeout)
	assert.Equal(t, StorageTypeMemory, cfg.Storage.Type)
	assert.Equal(t, DefaultRedisKeyPrefix, cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, handlers.DefaultSubjectHeader, cfg.Authorize.SubjectHeader)
	assert.True(t, cfg.rotateRefreshTokens())
	assert.Equal(t, time.Hour+30*time.Second, cfg.keyRetention())

	off := false
	cfg.Refresh.RotateOnUse = &off
	assert.False(t, cfg.rotateRefreshTokens())
}

func TestRotationCheckInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Hour, rotationCheckInterval(90*24*time.Hour))
	assert.Equal(t, 6*time.Minute, rotationCheckInterval(time.Hour))
	assert.Equal(t, time.Second, rotationCheckInterval(time.Second))
}
