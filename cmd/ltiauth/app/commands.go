// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the ltiauth command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/ltiauth/pkg/logger"
)

// NewRootCmd creates a new root command for the ltiauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "ltiauth",
		DisableAutoGenTag: true,
		Short:             "ltiauth is the OAuth 2.0 and OpenID Connect issuer for LTI tool launches",
		Long: `ltiauth issues and validates the signed tokens that let an LMS and its
registered LTI tools trust each other. It serves the JWKS, discovery,
authorization, token, revocation and introspection endpoints, and manages
registered tools and signing keys.

Configuration is read from the file given by --config and from LTIAUTH_*
environment variables, for example LTIAUTH_ISSUER or LTIAUTH_STORAGE_TYPE.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the issuer configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newClientCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}
