// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the ltiauth issuer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/ltiauth/cmd/ltiauth/app"
	"github.com/stacklok/ltiauth/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		logger.Fatalw("command failed", "error", err)
	}
}
