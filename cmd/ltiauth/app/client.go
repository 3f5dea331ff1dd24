// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/ltiauth/pkg/issuer/admin"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/logger"
)

func newClientCmd() *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered tools",
		Long:  `Register, list, disable and enable the client tools trusted by this issuer.`,
	}
	clientCmd.AddCommand(newClientRegisterCmd())
	clientCmd.AddCommand(newClientListCmd())
	clientCmd.AddCommand(newClientStateCmd("disable", "Disable a client", false))
	clientCmd.AddCommand(newClientStateCmd("enable", "Re-enable a disabled client", true))
	return clientCmd
}

func newClientRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register CLIENT_ID",
		Short: "Register a client",
		Long: `Register a client tool.

The credential is a shared secret unless --jwks-file names a JWK set, in which
case the client authenticates with private_key_jwt assertions. When neither
--secret nor --jwks-file is given a secret is generated and printed once.`,
		Args: cobra.ExactArgs(1),
		RunE: runClientRegister,
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().StringSlice("redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringSlice("scope", nil, "Allowed scope (repeatable)")
	cmd.Flags().String("secret", "", "Shared secret")
	cmd.Flags().String("jwks-file", "", "Path to the client's public JWK set")
	cmd.Flags().Bool("disabled", false, "Register the client disabled")
	return cmd
}

func runClientRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	reg := clients.Registration{ClientID: args[0]}
	var err error
	if reg.DisplayName, err = flags.GetString("name"); err != nil {
		return err
	}
	if reg.RedirectURIs, err = flags.GetStringSlice("redirect-uri"); err != nil {
		return err
	}
	if reg.AllowedScopes, err = flags.GetStringSlice("scope"); err != nil {
		return err
	}
	if reg.Secret, err = flags.GetString("secret"); err != nil {
		return err
	}
	if reg.Disabled, err = flags.GetBool("disabled"); err != nil {
		return err
	}
	jwksFile, err := flags.GetString("jwks-file")
	if err != nil {
		return err
	}
	if jwksFile != "" {
		if reg.Secret != "" {
			return errors.New("--secret and --jwks-file are mutually exclusive")
		}
		raw, err := os.ReadFile(jwksFile) // #nosec G304 - path is supplied by the operator
		if err != nil {
			return fmt.Errorf("failed to read JWK set: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("%s does not contain valid JSON", jwksFile)
		}
		reg.PublicKeys = raw
	}

	srv, err := openAdmin(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	result, err := srv.Admin().RegisterClient(ctx, reg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Registered client %s (%s)\n", result.Client.ClientID, result.Client.CredentialKind)
	if result.Secret != "" {
		_, _ = fmt.Fprintf(out, "Client secret: %s\n", result.Secret)
		_, _ = fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
	}
	return nil
}

func newClientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv, err := openAdmin(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			views, err := srv.Admin().ListClients(ctx)
			if err != nil {
				return err
			}
			return renderClients(cmd, views)
		},
	}
}

func renderClients(cmd *cobra.Command, views []admin.ClientView) error {
	if len(views) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No clients are registered.")
		return nil
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.ClientID,
			v.DisplayName,
			v.CredentialKind,
			yesNo(v.Enabled),
			strings.Join(v.RedirectURIs, " "),
			strings.Join(v.AllowedScopes, " "),
		})
	}
	return renderTable(cmd.OutOrStdout(),
		[]string{"Client ID", "Name", "Credential", "Enabled", "Redirect URIs", "Scopes"}, rows)
}

func newClientStateCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CLIENT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := openAdmin(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			var view *admin.ClientView
			if enabled {
				view, err = srv.Admin().EnableClient(ctx, args[0])
			} else {
				view, err = srv.Admin().DisableClient(ctx, args[0])
			}
			if err != nil {
				return err
			}
			logger.Debugw("client state changed", "client_id", view.ClientID, "enabled", view.Enabled)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Client %s %sd\n", view.ClientID, use)
			return nil
		},
	}
}
