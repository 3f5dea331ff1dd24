// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/stacklok/ltiauth/pkg/issuer/cleanup"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/server/handlers"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
	"github.com/stacklok/ltiauth/pkg/issuer/validation"
)

// Defaults for the settings not owned by a component package.
const (
	DefaultListenAddress  = ":8080"
	DefaultBackendTimeout = 5 * time.Second
	DefaultRedisKeyPrefix = "ltiauth:"
)

// Storage backend types.
const (
	StorageTypeMemory = "memory"
	StorageTypeSQLite = "sqlite"
	StorageTypeRedis  = "redis"
)

// Config is the issuer configuration. It is decoded by viper from a YAML
// file, LTIAUTH_* environment variables and command line flags.
type Config struct {
	// Issuer is the issuer identifier. Endpoint URLs are derived from it.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	Signing   SigningConfig   `mapstructure:"signing" yaml:"signing"`
	Lifetimes LifetimesConfig `mapstructure:"lifetimes" yaml:"lifetimes"`
	Refresh   RefreshConfig   `mapstructure:"refresh" yaml:"refresh"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`

	// ClockSkew is the tolerance for exp, nbf and iat checks.
	ClockSkew time.Duration `mapstructure:"clock_skew" yaml:"clock_skew"`

	// BackendTimeout bounds each storage call made on behalf of a request.
	BackendTimeout time.Duration `mapstructure:"backend_timeout" yaml:"backend_timeout"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Authorize AuthorizeConfig `mapstructure:"authorize" yaml:"authorize"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	// Clients are registered at startup unless a client with the same id
	// already exists.
	Clients []clients.Registration `mapstructure:"clients" yaml:"clients"`
}

// SigningConfig configures the signing key manager.
type SigningConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`

	// RotationInterval is the age at which the active key is replaced.
	// Zero leaves rotation to operators.
	RotationInterval time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`

	// SeedKeyFile is an optional PEM private key used as the first key.
	SeedKeyFile string `mapstructure:"seed_key_file" yaml:"seed_key_file"`

	CacheSyncInterval time.Duration `mapstructure:"cache_sync_interval" yaml:"cache_sync_interval"`
}

// LifetimesConfig holds the lifetime of each token kind.
type LifetimesConfig struct {
	AuthorizationCode time.Duration `mapstructure:"authorization_code" yaml:"authorization_code"`
	AccessToken       time.Duration `mapstructure:"access_token" yaml:"access_token"`
	IDToken           time.Duration `mapstructure:"id_token" yaml:"id_token"`
	RefreshToken      time.Duration `mapstructure:"refresh_token" yaml:"refresh_token"`
}

// RefreshConfig selects the refresh token policy.
type RefreshConfig struct {
	// RotateOnUse replaces the refresh token on every use. Nil means true.
	RotateOnUse *bool `mapstructure:"rotate_on_use" yaml:"rotate_on_use"`

	// AlwaysIssue issues refresh tokens even without offline_access.
	AlwaysIssue bool `mapstructure:"always_issue" yaml:"always_issue"`
}

// CleanupConfig configures expired grant removal.
type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type   string       `mapstructure:"type" yaml:"type"`
	SQLite SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig configures the Redis backend. SentinelMaster and
// SentinelAddrs select Sentinel failover instead of Address.
type RedisConfig struct {
	Address        string   `mapstructure:"address" yaml:"address"`
	SentinelMaster string   `mapstructure:"sentinel_master" yaml:"sentinel_master"`
	SentinelAddrs  []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs"`
	Username       string   `mapstructure:"username" yaml:"username"`
	Password       string   `mapstructure:"password" yaml:"password"`
	DB             int      `mapstructure:"db" yaml:"db"`
	KeyPrefix      string   `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// AdminConfig configures the /admin routes.
type AdminConfig struct {
	// Token is the bearer token for /admin. Empty disables the routes.
	Token string `mapstructure:"token" yaml:"token"`
}

// AuthorizeConfig configures the authorization endpoint.
type AuthorizeConfig struct {
	// SubjectHeader carries the end-user subject set by the fronting proxy.
	SubjectHeader string `mapstructure:"subject_header" yaml:"subject_header"`
}

// MetricsConfig configures the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Validate checks that the configuration is usable. It applies defaults
// first, so a partially filled Config is validated as it will be served.
func (c *Config) Validate() error {
	slog.Debug("validating issuer config", "issuer", c.Issuer, "storage", c.Storage.Type)

	c.applyDefaults()

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("issuer must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}

	if !keys.IsSupportedAlgorithm(c.Signing.Algorithm) {
		return fmt.Errorf("unsupported signing algorithm: %s", c.Signing.Algorithm)
	}

	for name, d := range map[string]time.Duration{
		"signing.rotation_interval":    c.Signing.RotationInterval,
		"signing.cache_sync_interval":  c.Signing.CacheSyncInterval,
		"lifetimes.authorization_code": c.Lifetimes.AuthorizationCode,
		"lifetimes.access_token":       c.Lifetimes.AccessToken,
		"lifetimes.id_token":           c.Lifetimes.IDToken,
		"lifetimes.refresh_token":      c.Lifetimes.RefreshToken,
		"cleanup.interval":             c.Cleanup.Interval,
		"clock_skew":                   c.ClockSkew,
		"backend_timeout":              c.BackendTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	switch c.Storage.Type {
	case StorageTypeMemory:
	case StorageTypeSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for sqlite storage")
		}
	case StorageTypeRedis:
		r := c.Storage.Redis
		if r.Address == "" && r.SentinelMaster == "" {
			return errors.New("storage.redis.address or storage.redis.sentinel_master is required for redis storage")
		}
		if r.SentinelMaster != "" && len(r.SentinelAddrs) == 0 {
			return errors.New("storage.redis.sentinel_addrs is required with sentinel_master")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, reg := range c.Clients {
		if reg.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[reg.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, reg.ClientID)
		}
		seen[reg.ClientID] = true
	}

	slog.Debug("issuer config valid",
		"signing_algorithm", c.Signing.Algorithm,
		"rotation_interval", c.Signing.RotationInterval,
		"access_token_lifetime", c.Lifetimes.AccessToken,
		"refresh_token_lifetime", c.Lifetimes.RefreshToken,
		"rotate_refresh_tokens", c.rotateRefreshTokens(),
		"admin_enabled", c.Admin.Token != "",
		"static_clients", len(c.Clients),
	)
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Signing.Algorithm == "" {
		c.Signing.Algorithm = keys.DefaultAlgorithm
	}
	if c.Signing.CacheSyncInterval == 0 {
		c.Signing.CacheSyncInterval = keys.DefaultSyncInterval
	}
	if c.Lifetimes.AuthorizationCode == 0 {
		c.Lifetimes.AuthorizationCode = token.DefaultAuthorizationCodeLifetime
	}
	if c.Lifetimes.AccessToken == 0 {
		c.Lifetimes.AccessToken = token.DefaultAccessTokenLifetime
	}
	if c.Lifetimes.IDToken == 0 {
		c.Lifetimes.IDToken = token.DefaultIDTokenLifetime
	}
	if c.Lifetimes.RefreshToken == 0 {
		c.Lifetimes.RefreshToken = token.DefaultRefreshTokenLifetime
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = cleanup.DefaultInterval
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = validation.DefaultClockSkew
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageTypeMemory
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Authorize.SubjectHeader == "" {
		c.Authorize.SubjectHeader = handlers.DefaultSubjectHeader
	}
}

func (c *Config) rotateRefreshTokens() bool {
	return c.Refresh.RotateOnUse == nil || *c.Refresh.RotateOnUse
}

// keyRetention is how long a demoted key stays published: long enough to
// verify every JWT it signed.
func (c *Config) keyRetention() time.Duration {
	return max(c.Lifetimes.AccessToken, c.Lifetimes.IDToken) + c.ClockSkew
}
