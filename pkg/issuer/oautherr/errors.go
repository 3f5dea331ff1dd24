// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the error taxonomy shared by the issuer components
// and its mapping onto RFC 6749 error responses.
//
// Every sentinel carries an HTTP status (via httperr) so transport code can
// report it without inspecting the concrete failure. Callers match with
// errors.Is; components wrap sentinels with fmt.Errorf("...: %w", ...) to
// add context that stays server-side.
package oautherr

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrUnknownClient is returned when a client_id is not registered.
	ErrUnknownClient = httperr.WithCode(errors.New("unknown client"), http.StatusUnauthorized)

	// ErrDuplicateClient is returned when registering an existing client_id.
	ErrDuplicateClient = httperr.WithCode(errors.New("duplicate client"), http.StatusConflict)

	// ErrInvalidClientCredential is returned when client authentication fails.
	ErrInvalidClientCredential = httperr.WithCode(errors.New("invalid client credential"), http.StatusUnauthorized)

	// ErrClientDisabled is returned when a registered client has been disabled.
	ErrClientDisabled = httperr.WithCode(errors.New("client disabled"), http.StatusUnauthorized)

	// ErrInvalidRequest covers malformed requests and disallowed redirect URIs or scopes.
	ErrInvalidRequest = httperr.WithCode(errors.New("invalid request"), http.StatusBadRequest)

	// ErrInvalidGrant covers unknown, expired, consumed or mismatched codes and refresh tokens.
	ErrInvalidGrant = httperr.WithCode(errors.New("invalid grant"), http.StatusBadRequest)

	// ErrAlreadyConsumed is returned by the grant store when a one-time grant was already redeemed.
	ErrAlreadyConsumed = httperr.WithCode(errors.New("grant already consumed"), http.StatusBadRequest)

	// ErrNotFound is returned by the grant store when a grant does not exist.
	ErrNotFound = httperr.WithCode(errors.New("not found"), http.StatusNotFound)

	// ErrUnknownSigningKey is returned when a token's kid does not resolve to an active or retiring key.
	ErrUnknownSigningKey = httperr.WithCode(errors.New("unknown signing key"), http.StatusUnauthorized)

	// ErrInvalidSignature is returned when a token signature does not verify.
	ErrInvalidSignature = httperr.WithCode(errors.New("invalid signature"), http.StatusUnauthorized)

	// ErrTokenExpired is returned when exp is in the past beyond the skew window.
	ErrTokenExpired = httperr.WithCode(errors.New("token expired"), http.StatusUnauthorized)

	// ErrTokenNotYetValid is returned when iat or nbf is in the future beyond the skew window.
	ErrTokenNotYetValid = httperr.WithCode(errors.New("token not yet valid"), http.StatusUnauthorized)

	// ErrMalformedToken is returned when a token cannot be parsed.
	ErrMalformedToken = httperr.WithCode(errors.New("malformed token"), http.StatusUnauthorized)

	// ErrAudienceMismatch is returned when aud does not contain the expected audience.
	ErrAudienceMismatch = httperr.WithCode(errors.New("audience mismatch"), http.StatusUnauthorized)

	// ErrIssuerMismatch is returned when iss is not this issuer.
	ErrIssuerMismatch = httperr.WithCode(errors.New("issuer mismatch"), http.StatusUnauthorized)

	// ErrTokenRevoked is returned when the grant behind an access token no longer exists.
	ErrTokenRevoked = httperr.WithCode(errors.New("token revoked"), http.StatusUnauthorized)

	// ErrBackendUnavailable is returned when the persistence layer fails or times out.
	// It is a systemic fault, not a caller error.
	ErrBackendUnavailable = httperr.WithCode(errors.New("backend unavailable"), http.StatusServiceUnavailable)
)

// IsValidationFailure reports whether err is one of the token validation failures.
func IsValidationFailure(err error) bool {
	for _, target := range []error{
		ErrUnknownSigningKey, ErrInvalidSignature, ErrTokenExpired, ErrTokenNotYetValid,
		ErrMalformedToken, ErrAudienceMismatch, ErrIssuerMismatch, ErrTokenRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns a short stable label for err, suitable for metric attributes.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnknownClient):
		return "unknown_client"
	case errors.Is(err, ErrDuplicateClient):
		return "duplicate_client"
	case errors.Is(err, ErrInvalidClientCredential):
		return "invalid_client_credential"
	case errors.Is(err, ErrClientDisabled):
		return "client_disabled"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownSigningKey):
		return "unknown_signing_key"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenNotYetValid):
		return "token_not_yet_valid"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}
