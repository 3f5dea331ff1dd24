// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oautherr

import (
	"errors"
	"net/http"

	"github.com/ory/fosite"
)

// ErrInvalidToken is the RFC 6750 error returned to resource servers and
// introspection callers for tokens that fail validation.
var ErrInvalidToken = &fosite.RFC6749Error{
	ErrorField:       "invalid_token",
	DescriptionField: "The access token provided is expired, revoked, malformed, or invalid for other reasons.",
	CodeField:        http.StatusUnauthorized,
}

// ErrScopeNotAllowed is an ErrInvalidRequest for scopes outside the set
// the client or grant allows. It maps to invalid_scope on the wire.
var ErrScopeNotAllowed = WithHint(ErrInvalidRequest, "The requested scope is not allowed for this client.")

// ToRFC6749 maps an internal error to the wire-level OAuth 2.0 error.
// Descriptions are fixed per category; the internal error text is never
// exposed so that key material or storage details cannot leak.
func ToRFC6749(err error) *fosite.RFC6749Error {
	var rfcErr *fosite.RFC6749Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownClient),
		errors.Is(err, ErrInvalidClientCredential),
		errors.Is(err, ErrClientDisabled):
		return fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	case errors.Is(err, ErrInvalidGrant),
		errors.Is(err, ErrAlreadyConsumed),
		errors.Is(err, ErrNotFound):
		return fosite.ErrInvalidGrant.WithHint("The grant is invalid, expired, revoked, or was issued to another client.")
	case errors.Is(err, ErrScopeNotAllowed):
		return fosite.ErrInvalidScope.WithHint(hintFor(err))
	case errors.Is(err, ErrInvalidRequest):
		return fosite.ErrInvalidRequest.WithHint(hintFor(err))
	case IsValidationFailure(err):
		return ErrInvalidToken
	case errors.Is(err, ErrBackendUnavailable):
		return fosite.ErrTemporarilyUnavailable.WithHint("The authorization server is temporarily unable to handle the request.")
	case errors.As(err, &rfcErr):
		return rfcErr
	default:
		return fosite.ErrServerError
	}
}

// StatusCode returns the HTTP status for err after mapping it to its wire error.
func StatusCode(err error) int {
	if rfcErr := ToRFC6749(err); rfcErr != nil {
		return rfcErr.CodeField
	}
	return http.StatusOK
}

// Hinted attaches a caller-safe hint to a sentinel. The hint is surfaced in
// error_description for invalid_request responses, so it must never contain
// secrets.
type Hinted struct {
	Err  error
	Hint string
}

// Error implements error.
func (h *Hinted) Error() string { return h.Err.Error() + ": " + h.Hint }

// Unwrap returns the wrapped sentinel.
func (h *Hinted) Unwrap() error { return h.Err }

// WithHint wraps a sentinel with a caller-safe hint.
func WithHint(err error, hint string) error {
	return &Hinted{Err: err, Hint: hint}
}

func hintFor(err error) string {
	var h *Hinted
	if errors.As(err, &h) {
		return h.Hint
	}
	return "The request is missing a required parameter or is otherwise malformed."
}
