// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token issues authorization codes, access tokens, ID tokens and
// refresh tokens.
//
// Codes and refresh tokens are opaque random values; only their SHA-256 is
// stored as the grant id. Access tokens and ID tokens are JWTs signed with
// the signing key manager's active key. Both tokens of one response are
// signed with the same key, whose id is carried in the JWS header.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

// Default lifetimes.
const (
	DefaultAuthorizationCodeLifetime = 10 * time.Minute
	DefaultAccessTokenLifetime       = time.Hour
	DefaultIDTokenLifetime           = time.Hour
	DefaultRefreshTokenLifetime      = 30 * 24 * time.Hour
)

// Well-known scopes.
const (
	// ScopeOpenID requests an ID token.
	ScopeOpenID = "openid"

	// ScopeOfflineAccess requests a refresh token.
	ScopeOfflineAccess = "offline_access"
)

const (
	// TokenTypeBearer is the token_type of issued access tokens.
	TokenTypeBearer = "Bearer"

	// AccessTokenType is the JWS typ header of access tokens (RFC 9068).
	AccessTokenType = "at+jwt"

	// IDTokenType is the JWS typ header of ID tokens.
	IDTokenType = "JWT"
)

// Config configures an Issuer.
type Config struct {
	// Issuer is this server's issuer identifier, used as the iss claim.
	Issuer string

	AuthorizationCodeLifetime time.Duration
	AccessTokenLifetime       time.Duration
	IDTokenLifetime           time.Duration
	RefreshTokenLifetime      time.Duration

	// RotateRefreshTokens replaces a refresh token each time it is used.
	// The replacement keeps the absolute expiry of the original.
	RotateRefreshTokens bool

	// AlwaysIssueRefreshToken issues refresh tokens without offline_access.
	AlwaysIssueRefreshToken bool

	// RequirePKCE rejects authorization requests without a code challenge.
	RequirePKCE bool
}

func (c *Config) applyDefaults() {
	if c.AuthorizationCodeLifetime == 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.IDTokenLifetime == 0 {
		c.IDTokenLifetime = DefaultIDTokenLifetime
	}
	if c.RefreshTokenLifetime == 0 {
		c.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment: %q", c.Issuer)
	}
	for name, d := range map[string]time.Duration{
		"authorization code lifetime": c.AuthorizationCodeLifetime,
		"access token lifetime":       c.AccessTokenLifetime,
		"id token lifetime":           c.IDTokenLifetime,
		"refresh token lifetime":      c.RefreshTokenLifetime,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

// ClientAuthenticator resolves and authenticates clients.
type ClientAuthenticator interface {
	Lookup(ctx context.Context, clientID string) (*storage.Client, error)
	Authenticate(ctx context.Context, clientID string, cred clients.Credential) (*storage.Client, error)
}

// KeySource provides the active signing key.
type KeySource interface {
	CurrentKey(ctx context.Context) (*keys.SigningKeyData, error)
}

// GrantStore persists grants.
type GrantStore interface {
	Put(ctx context.Context, grant *storage.Grant) error
	Get(ctx context.Context, id string) (*storage.Grant, error)
	Consume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// AuthorizationRequest is a validated end-user authorization for a client.
type AuthorizationRequest struct {
	ClientID    string
	Subject     string
	RedirectURI string
	Scopes      []string
	Nonce       string

	// RedirectURIExplicit records that the client sent redirect_uri rather
	// than relying on its single registered URI. The exchange must then
	// repeat it.
	RedirectURIExplicit bool

	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeOptions carries the optional parameters of a code exchange.
type ExchangeOptions struct {
	// RedirectURI must equal the redirect URI the code was issued for. It is
	// required when the authorization request carried one (RFC 6749 4.1.3).
	RedirectURI string

	// CodeVerifier is the PKCE verifier (RFC 7636).
	CodeVerifier string
}

// Response is a successful token endpoint response.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// KeyID is the id of the key that signed the tokens.
	KeyID string `json:"-"`
}

// AccessTokenClaims are the claims of an issued access token.
type AccessTokenClaims struct {
	jwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// IDTokenClaims are the claims of an issued ID token.
type IDTokenClaims struct {
	jwt.Claims
	Nonce           string           `json:"nonce,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
}
