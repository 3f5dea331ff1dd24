// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/ltiauth/pkg/issuer"
	"github.com/stacklok/ltiauth/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the issuer",
		Long: `Run the issuer HTTP server.

Storage migrations run and an active signing key is created if none exists
before the listener opens. Expired grants are removed every cleanup.interval,
and when signing.rotation_interval is set the active key is rotated once it
reaches that age.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen-address", "", "Address to listen on, for example :8080")
	cmd.Flags().String("issuer", "", "Issuer identifier URL")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	srv, err := openServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("error closing issuer", "error", err)
		}
	}()

	return srv.Start(ctx)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations",
		Long:  `Apply pending storage schema migrations and exit. serve also runs them on startup.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stor, err := issuer.NewStorage(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer func() { _ = stor.Close() }()

			if err := stor.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Infow("storage migrated", "type", cfg.Storage.Type)
			return nil
		},
	}
}
