// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/ltiauth/pkg/issuer"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/logger"
)

const envPrefix = "LTIAUTH"

// envKeys are the settings that can be set from LTIAUTH_* variables. Nested
// keys use "_" in place of ".", so storage.redis.address is
// LTIAUTH_STORAGE_REDIS_ADDRESS.
var envKeys = []string{
	"issuer",
	"listen_address",
	"signing.algorithm",
	"signing.rotation_interval",
	"signing.seed_key_file",
	"signing.cache_sync_interval",
	"lifetimes.authorization_code",
	"lifetimes.access_token",
	"lifetimes.id_token",
	"lifetimes.refresh_token",
	"refresh.rotate_on_use",
	"refresh.always_issue",
	"cleanup.interval",
	"clock_skew",
	"backend_timeout",
	"storage.type",
	"storage.sqlite.path",
	"storage.redis.address",
	"storage.redis.sentinel_master",
	"storage.redis.sentinel_addrs",
	"storage.redis.username",
	"storage.redis.password",
	"storage.redis.db",
	"storage.redis.key_prefix",
	"admin.token",
	"authorize.subject_header",
	"metrics.enabled",
}

// flagKeys maps command flags onto config keys. Flags only override the
// file and environment when set.
var flagKeys = map[string]string{
	"listen-address": "listen_address",
	"issuer":         "issuer",
}

// loadConfig reads the config file named by --config, applies the
// environment and any bound flags, then validates the result.
func loadConfig(cmd *cobra.Command) (*issuer.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return readConfig(path, cmd.Flags())
}

func readConfig(path string, flags *pflag.FlagSet) (*issuer.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logger.Debugw("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg issuer.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// openServer builds the issuer over the configured storage. The returned
// server owns the storage.
func openServer(ctx context.Context, cfg *issuer.Config) (*issuer.Server, error) {
	stor, err := issuer.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	srv, err := issuer.New(ctx, *cfg, stor)
	if err != nil {
		_ = stor.Close()
		return nil, err
	}
	return srv, nil
}

// openAdmin is openServer for one-shot administrative commands.
func openAdmin(ctx context.Context, cmd *cobra.Command) (*issuer.Server, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Type == issuer.StorageTypeMemory {
		logger.Warnw("storage type is memory; changes are discarded when the command exits")
	}
	return openServer(ctx, cfg)
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the issuer configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration from --config and the environment, apply defaults
and report whether the issuer would start with it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rotation := "manual"
			if cfg.Signing.RotationInterval > 0 {
				rotation = cfg.Signing.RotationInterval.String()
			}
			_, _ = fmt.Fprintln(out, "Configuration is valid")
			_, _ = fmt.Fprintf(out, "  Issuer:            %s\n", cfg.Issuer)
			_, _ = fmt.Fprintf(out, "  Listen address:    %s\n", cfg.ListenAddress)
			_, _ = fmt.Fprintf(out, "  Storage:           %s\n", cfg.Storage.Type)
			_, _ = fmt.Fprintf(out, "  Signing algorithm: %s\n", cfg.Signing.Algorithm)
			_, _ = fmt.Fprintf(out, "  Key rotation:      %s\n", rotation)
			_, _ = fmt.Fprintf(out, "  Static clients:    %d\n", len(cfg.Clients))
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration the issuer would run with, after defaults, the
environment and flags are applied. Secrets are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(redacted(*cfg)); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	})
	return configCmd
}

const redactedValue = "REDACTED"

// redacted returns a copy of cfg with every secret replaced.
func redacted(cfg issuer.Config) issuer.Config {
	if cfg.Admin.Token != "" {
		cfg.Admin.Token = redactedValue
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = redactedValue
	}
	cfg.Clients = append([]clients.Registration(nil), cfg.Clients...)
	for i := range cfg.Clients {
		if cfg.Clients[i].Secret != "" {
			cfg.Clients[i].Secret = redactedValue
		}
	}
	return cfg
}
