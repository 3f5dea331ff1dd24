// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger configures process-wide logging for ltiauth.
//
// Library packages log through log/slog directly. Initialize builds the
// logger with toolhive-core/logging and installs it as the slog default, so
// those calls and the helpers here share one handler, level and format.
package logger

import (
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// UnstructuredLogsEnv selects text output when true (the default) and JSON
// output when false.
const UnstructuredLogsEnv = "UNSTRUCTURED_LOGS"

var singleton atomic.Pointer[slog.Logger]

// exit terminates the process after Fatalw; replaced in tests.
var exit = os.Exit

func init() {
	singleton.Store(logging.New())
}

// Get returns the current logger for injection into structs.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the process logger and the slog default. Tests use it to
// capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
	slog.SetDefault(l)
}

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

// Infow logs at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Warnw logs at warning level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	Get().Warn(msg, keysAndValues...)
}

// Errorw logs at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

// Fatalw logs at error level and exits the process.
func Fatalw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
	exit(1)
}

// Initialize configures the logger from the environment and the viper
// "debug" key.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	Set(logging.New(opts...))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv(UnstructuredLogsEnv))
	if err != nil {
		// Unset or unparsable means the text default.
		return true
	}
	return unstructuredLogs
}
