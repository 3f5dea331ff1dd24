// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "go.opentelemetry.io/otel/attribute"

var (
	grantTypeKey = attribute.Key("grant_type")
	reasonKey    = attribute.Key("reason")
	triggerKey   = attribute.Key("trigger")
	operationKey = attribute.Key("op")
)
