// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

// Validation limits to keep registrations bounded.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a display name.
	MaxClientNameLength = 256

	// MaxClientIDLength is the maximum allowed length for a client_id.
	MaxClientIDLength = 255

	// MaxScopeCount is the maximum number of scopes a client may be granted.
	MaxScopeCount = 64
)

// ValidateRedirectURI checks that uri is acceptable as a registered redirect
// target: absolute, without a fragment, and either HTTPS or HTTP on a
// loopback host.
func ValidateRedirectURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: redirect_uri is empty", oautherr.ErrInvalidRequest)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: redirect_uri is not a valid URL", oautherr.ErrInvalidRequest)
	}
	if !fosite.IsValidRedirectURI(parsed) {
		return fmt.Errorf("%w: redirect_uri must be absolute and must not contain a fragment", oautherr.ErrInvalidRequest)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: redirect_uri must not contain user info", oautherr.ErrInvalidRequest)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !fosite.IsLocalhost(parsed) {
			return fmt.Errorf("%w: http redirect_uri is only allowed for loopback hosts", oautherr.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: redirect_uri scheme %q is not allowed", oautherr.ErrInvalidRequest, parsed.Scheme)
	}
	return nil
}

func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", oautherr.ErrInvalidRequest)
	}
	if len(uris) > MaxRedirectURICount {
		return fmt.Errorf("%w: too many redirect_uris (maximum %d)", oautherr.ErrInvalidRequest, MaxRedirectURICount)
	}
	for _, uri := range uris {
		if err := ValidateRedirectURI(uri); err != nil {
			return err
		}
	}
	return nil
}

func validateScopes(scopes []string) error {
	if len(scopes) > MaxScopeCount {
		return fmt.Errorf("%w: too many scopes (maximum %d)", oautherr.ErrInvalidRequest, MaxScopeCount)
	}
	for _, scope := range scopes {
		if scope == "" || strings.ContainsAny(scope, " \t\r\n\"\\") {
			return fmt.Errorf("%w: invalid scope %q", oautherr.ErrInvalidRequest, scope)
		}
	}
	return nil
}

func validateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: client_id is required", oautherr.ErrInvalidRequest)
	}
	if len(id) > MaxClientIDLength {
		return fmt.Errorf("%w: client_id too long (maximum %d characters)", oautherr.ErrInvalidRequest, MaxClientIDLength)
	}
	if strings.ContainsAny(id, " \t\r\n:/") {
		return fmt.Errorf("%w: client_id contains invalid characters", oautherr.ErrInvalidRequest)
	}
	return nil
}

// parsePublicKeys decodes a registered JWKS and rejects sets that are empty
// or contain private material.
func parsePublicKeys(raw json.RawMessage) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: public_keys is not a valid JWK set", oautherr.ErrInvalidRequest)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: public_keys must contain at least one key", oautherr.ErrInvalidRequest)
	}
	for _, key := range set.Keys {
		if !key.Valid() || !key.IsPublic() {
			return nil, fmt.Errorf("%w: public_keys must contain only valid public keys", oautherr.ErrInvalidRequest)
		}
		if key.Use != "" && key.Use != "sig" {
			return nil, fmt.Errorf("%w: key %q is not a signing key", oautherr.ErrInvalidRequest, key.KeyID)
		}
	}
	return &set, nil
}
