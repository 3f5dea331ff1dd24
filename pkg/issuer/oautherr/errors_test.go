// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oautherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ory/fosite"
	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRFC6749(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantError  string
		wantStatus int
	}{
		{"unknown client", ErrUnknownClient, "invalid_client", http.StatusUnauthorized},
		{"bad credential", fmt.Errorf("client tool-42: %w", ErrInvalidClientCredential), "invalid_client", http.StatusUnauthorized},
		{"disabled client", ErrClientDisabled, "invalid_client", http.StatusUnauthorized},
		{"consumed code", fmt.Errorf("exchange: %w", ErrAlreadyConsumed), "invalid_grant", http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant, "invalid_grant", http.StatusBadRequest},
		{"invalid request", WithHint(ErrInvalidRequest, "redirect_uri is not registered"), "invalid_request", http.StatusBadRequest},
		{"scope not allowed", fmt.Errorf("%w: write", ErrScopeNotAllowed), "invalid_scope", http.StatusBadRequest},
		{"expired token", ErrTokenExpired, "invalid_token", http.StatusUnauthorized},
		{"unknown kid", ErrUnknownSigningKey, "invalid_token", http.StatusUnauthorized},
		{"backend", fmt.Errorf("put grant: %w", ErrBackendUnavailable), "temporarily_unavailable", http.StatusServiceUnavailable},
		{"passthrough", fosite.ErrInvalidScope, "invalid_scope", http.StatusBadRequest},
		{"unexpected", errors.New("boom"), "server_error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ToRFC6749(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantError, got.ErrorField)
			assert.Equal(t, tt.wantStatus, got.CodeField)
			assert.Equal(t, tt.wantStatus, StatusCode(tt.err))
		})
	}
}

func TestToRFC6749_HintIsSurfacedOnlyForInvalidRequest(t *testing.T) {
	t.Parallel()

	got := ToRFC6749(WithHint(ErrInvalidRequest, "scope not allowed"))
	assert.Equal(t, "scope not allowed", got.HintField)

	secret := fmt.Errorf("redis dial 10.0.0.1 password=hunter2: %w", ErrBackendUnavailable)
	wire := ToRFC6749(secret)
	assert.NotContains(t, wire.DescriptionField+wire.HintField+wire.DebugField, "hunter2")
}

func TestSentinelsCarryHTTPCodes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusConflict, httperr.Code(fmt.Errorf("wrap: %w", ErrDuplicateClient)))
	assert.Equal(t, http.StatusServiceUnavailable, httperr.Code(ErrBackendUnavailable))
	assert.Nil(t, ToRFC6749(nil))
}

func TestReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "token_expired", Reason(fmt.Errorf("x: %w", ErrTokenExpired)))
	assert.Equal(t, "internal", Reason(errors.New("other")))
	assert.True(t, IsValidationFailure(ErrAudienceMismatch))
	assert.False(t, IsValidationFailure(ErrInvalidGrant))
}
