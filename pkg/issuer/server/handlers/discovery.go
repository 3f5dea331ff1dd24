// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
)

// Cache-Control max-age values for the well-known endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS
	// endpoint (1 hour). Demoted keys stay published well beyond it.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the
	// discovery documents (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// Token endpoint authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	JWKSURI                                    string   `json:"jwks_uri"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported,omitempty"`
}

// OIDCDiscoveryDocument extends the RFC 8414 metadata with the fields
// required by OpenID Connect Discovery 1.0.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported,omitempty"`
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the active and retiring public keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	set, err := h.keys.JWKS(req.Context())
	if err != nil {
		slog.Error("failed to load JWKS", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeCached(w, set, DefaultJWKSCacheMaxAge)
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeCached(w, h.buildOAuthMetadata(), DefaultDiscoveryCacheMaxAge)
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	discovery := OIDCDiscoveryDocument{
		AuthorizationServerMetadata:      h.buildOAuthMetadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(req),
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp", "at_hash",
		},
	}
	writeCached(w, discovery, DefaultDiscoveryCacheMaxAge)
}

func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                h.cfg.Issuer,
		AuthorizationEndpoint: h.endpoint("/oauth/authorize"),
		TokenEndpoint:         h.endpoint("/oauth/token"),
		JWKSURI:               h.endpoint("/.well-known/jwks.json"),
		RevocationEndpoint:    h.endpoint("/oauth/revoke"),
		IntrospectionEndpoint: h.endpoint("/oauth/introspect"),

		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			string(fosite.GrantTypeAuthorizationCode),
			string(fosite.GrantTypeRefreshToken),
		},
		ScopesSupported:               []string{token.ScopeOpenID, token.ScopeOfflineAccess},
		CodeChallengeMethodsSupported: []string{token.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{
			AuthMethodClientSecretBasic,
			AuthMethodClientSecretPost,
			AuthMethodPrivateKeyJWT,
		},
		TokenEndpointAuthSigningAlgValuesSupported: clients.AssertionAlgorithms(),
		AuthorizationResponseIssParameterSupported: true,
	}
}

// signingAlgorithms lists the algorithms of the published keys. With no
// keys it falls back to the configured default.
func (h *Handler) signingAlgorithms(req *http.Request) []string {
	set, err := h.keys.JWKS(req.Context())
	if err != nil || len(set.Keys) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	return algs
}

func writeCached(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
