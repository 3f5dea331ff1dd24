// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	keysCmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Rotate the active signing key",
		Long: `Generate a new active signing key. The previous key stays in the JWKS
until every token it signed has expired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv, err := openAdmin(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			view, err := srv.Admin().RotateKeys(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Active signing key is now %s (%s)\n", view.KeyID, view.Algorithm)
			return nil
		},
	})
	keysCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List published signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv, err := openAdmin(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			views, err := srv.Admin().ListKeys(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				demoted := "-"
				if !v.DemotedAt.IsZero() {
					demoted = v.DemotedAt.UTC().Format(time.RFC3339)
				}
				rows = append(rows, []string{v.KeyID, v.Algorithm, v.Status, v.CreatedAt.UTC().Format(time.RFC3339), demoted})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Key ID", "Algorithm", "Status", "Created", "Demoted"}, rows)
		},
	})
	return keysCmd
}
