// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/grants"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

const (
	testIssuer   = "https://lms.example"
	testRedirect = "https://tool.example/launch"
	testSecret   = "tool-42-secret"
)

type testEnv struct {
	issuer   *Issuer
	keys     *keys.Manager
	registry *clients.Registry
	store    *storage.MemoryStorage
	clock    *testingclock.FakeClock
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	fc := testingclock.NewFakeClock(time.Now())

	keyMgr, err := keys.NewManager(store, keys.Config{}, keys.WithClock(fc))
	require.NoError(t, err)
	require.NoError(t, keyMgr.Bootstrap(t.Context()))

	registry, err := clients.NewRegistry(store, clients.Config{BcryptCost: bcrypt.MinCost}, clients.WithClock(fc))
	require.NoError(t, err)

	cfg := Config{Issuer: testIssuer, RotateRefreshTokens: true}
	if mutate != nil {
		mutate(&cfg)
	}
	iss, err := NewIssuer(cfg, registry, keyMgr, grants.NewManager(store, grants.Config{}, nil), WithClock(fc))
	require.NoError(t, err)

	env := &testEnv{issuer: iss, keys: keyMgr, registry: registry, store: store, clock: fc}
	env.register(t, "tool-42", []string{"read"})
	return env
}

func (e *testEnv) register(t *testing.T, id string, scopes []string) {
	t.Helper()
	_, _, err := e.registry.Register(t.Context(), clients.Registration{
		ClientID:      id,
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: scopes,
		Secret:        testSecret,
	})
	require.NoError(t, err)
}

func (e *testEnv) code(t *testing.T, clientID string, scopes ...string) string {
	t.Helper()
	code, err := e.issuer.IssueAuthorizationCode(t.Context(), AuthorizationRequest{
		ClientID:    clientID,
		Subject:     "user-1",
		RedirectURI: testRedirect,
		Scopes:      scopes,
		Nonce:       "n-0S6_WzA2Mj",
	})
	require.NoError(t, err)
	return code
}

// verify checks raw against the published key set and decodes its claims.
func (e *testEnv) verify(t *testing.T, raw string, claims any) jose.Header {
	t.Helper()
	tok, err := jwt.ParseSigned(raw, keys.SupportedAlgorithms)
	require.NoError(t, err)

	jwks, err := e.keys.JWKS(t.Context())
	require.NoError(t, err)
	found := jwks.Key(tok.Headers[0].KeyID)
	require.Len(t, found, 1, "signing key must be published")
	require.NoError(t, tok.Claims(found[0].Key, claims))
	return tok.Headers[0]
}

var secretCred = clients.Credential{Secret: testSecret}

func TestNewIssuer_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing issuer", Config{}},
		{"relative issuer", Config{Issuer: "lms.example"}},
		{"issuer with query", Config{Issuer: "https://lms.example?x=1"}},
		{"negative lifetime", Config{Issuer: testIssuer, AccessTokenLifetime: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewIssuer(tt.cfg, nil, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestIssuer_Tool42Scenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, err := env.issuer.IssueAuthorizationCode(t.Context(), AuthorizationRequest{
		ClientID:    "tool-42",
		Subject:     "user-1",
		RedirectURI: testRedirect,
		Scopes:      []string{"read", "write"},
	})
	require.ErrorIs(t, err, oautherr.ErrInvalidRequest)
	assert.ErrorIs(t, err, oautherr.ErrScopeNotAllowed)

	code := env.code(t, "tool-42", "read")
	resp, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "read", resp.Scope)
	assert.Empty(t, resp.IDToken)
	assert.Empty(t, resp.RefreshToken)

	current, err := env.keys.CurrentKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, current.KeyID, resp.KeyID)

	var claims AccessTokenClaims
	header := env.verify(t, resp.AccessToken, &claims)
	assert.Equal(t, current.KeyID, header.KeyID)
	assert.EqualValues(t, AccessTokenType, header.ExtraHeaders[jose.HeaderType])
	assert.Equal(t, jwt.Audience{"tool-42"}, claims.Audience)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "read", claims.Scope)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.NotEmpty(t, claims.ID)

	// The access grant record backs the jti.
	grant, err := env.store.GetGrant(t.Context(), claims.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantAccessToken, grant.Type)
}

func TestIssuer_ExchangeCodeOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	code := env.code(t, "tool-42", "read")
	_, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)

	_, err = env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestIssuer_ConcurrentExchange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	code := env.code(t, "tool-42", "read")

	var successes, invalid atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			_, err := env.issuer.ExchangeCode(context.Background(), code, "tool-42", secretCred, ExchangeOptions{})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, oautherr.ErrInvalidGrant):
				invalid.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(99), invalid.Load())
}

func TestIssuer_AuthorizationRequestErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.register(t, "tool-off", []string{"read"})
	_, err := env.registry.SetEnabled(t.Context(), "tool-off", false)
	require.NoError(t, err)

	base := AuthorizationRequest{
		ClientID:    "tool-42",
		Subject:     "user-1",
		RedirectURI: testRedirect,
		Scopes:      []string{"read"},
	}

	tests := []struct {
		name    string
		modify  func(*AuthorizationRequest)
		wantErr error
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "tool-99" }, oautherr.ErrUnknownClient},
		{"disabled client", func(r *AuthorizationRequest) { r.ClientID = "tool-off" }, oautherr.ErrClientDisabled},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" }, oautherr.ErrInvalidRequest},
		{"missing subject", func(r *AuthorizationRequest) { r.Subject = "" }, oautherr.ErrInvalidRequest},
		{"plain pkce", func(r *AuthorizationRequest) {
			r.CodeChallenge = oauth2.GenerateVerifier()
			r.CodeChallengeMethod = "plain"
		}, oautherr.ErrInvalidRequest},
		{"method without challenge", func(r *AuthorizationRequest) { r.CodeChallengeMethod = PKCEMethodS256 }, oautherr.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := base
			tt.modify(&req)
			_, err := env.issuer.IssueAuthorizationCode(t.Context(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIssuer_ExchangeCodeErrors(t *testing.T) {
	t.Parallel()

	t.Run("wrong credential", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		code := env.code(t, "tool-42", "read")

		_, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", clients.Credential{Secret: "nope"}, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidClientCredential)

		// A failed client authentication does not burn the code.
		_, err = env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
		assert.NoError(t, err)
	})

	t.Run("code of another client", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		env.register(t, "tool-43", []string{"read"})
		code := env.code(t, "tool-42", "read")

		_, err := env.issuer.ExchangeCode(t.Context(), code, "tool-43", secretCred, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})

	t.Run("unknown code", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, err := env.issuer.ExchangeCode(t.Context(), "made-up", "tool-42", secretCred, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})

	t.Run("expired code", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		code := env.code(t, "tool-42", "read")
		env.clock.Step(DefaultAuthorizationCodeLifetime)

		_, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		code := env.code(t, "tool-42", "read")

		_, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred,
			ExchangeOptions{RedirectURI: "https://tool.example/other"})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})

	t.Run("explicit redirect omitted at exchange", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		code, err := env.issuer.IssueAuthorizationCode(t.Context(), AuthorizationRequest{
			ClientID:            "tool-42",
			Subject:             "user-1",
			RedirectURI:         testRedirect,
			RedirectURIExplicit: true,
			Scopes:              []string{"read"},
		})
		require.NoError(t, err)

		_, err = env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)

		// The rejected attempt does not burn the code.
		resp, err := env.issuer.ExchangeCode(t.Context(), code, "tool-42", secretCred,
			ExchangeOptions{RedirectURI: testRedirect})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
	})

	t.Run("refresh token used as code", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, func(c *Config) { c.AlwaysIssueRefreshToken = true })
		resp, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
		require.NoError(t, err)

		_, err = env.issuer.ExchangeCode(t.Context(), resp.RefreshToken, "tool-42", secretCred, ExchangeOptions{})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})
}

func TestIssuer_PKCE(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	verifier := oauth2.GenerateVerifier()
	issue := func(t *testing.T) string {
		t.Helper()
		code, err := env.issuer.IssueAuthorizationCode(t.Context(), AuthorizationRequest{
			ClientID:            "tool-42",
			Subject:             "user-1",
			RedirectURI:         testRedirect,
			Scopes:              []string{"read"},
			CodeChallenge:       ComputePKCEChallenge(verifier),
			CodeChallengeMethod: PKCEMethodS256,
		})
		require.NoError(t, err)
		return code
	}

	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"matching verifier", verifier, false},
		{"missing verifier", "", true},
		{"wrong verifier", oauth2.GenerateVerifier(), true},
		{"malformed verifier", "short", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := env.issuer.ExchangeCode(t.Context(), issue(t), "tool-42", secretCred,
				ExchangeOptions{CodeVerifier: tt.verifier})
			if tt.wantErr {
				assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
				return
			}
			assert.NoError(t, err)
		})
	}

	t.Run("verifier without challenge", func(t *testing.T) {
		t.Parallel()
		_, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred,
			ExchangeOptions{CodeVerifier: verifier})
		assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
	})

	t.Run("required", func(t *testing.T) {
		t.Parallel()
		strict := newTestEnv(t, func(c *Config) { c.RequirePKCE = true })
		_, err := strict.issuer.IssueAuthorizationCode(t.Context(), AuthorizationRequest{
			ClientID: "tool-42", Subject: "user-1", RedirectURI: testRedirect, Scopes: []string{"read"},
		})
		assert.ErrorIs(t, err, oautherr.ErrInvalidRequest)
	})
}

func TestIssuer_IDToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.register(t, "tool-oidc", []string{"openid", "read"})

	authorizedAt := env.clock.Now()
	code := env.code(t, "tool-oidc", "openid", "read")
	env.clock.Step(5 * time.Second)

	resp, err := env.issuer.ExchangeCode(t.Context(), code, "tool-oidc", secretCred, ExchangeOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid read", resp.Scope)

	var claims IDTokenClaims
	header := env.verify(t, resp.IDToken, &claims)
	assert.Equal(t, resp.KeyID, header.KeyID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.Audience{"tool-oidc"}, claims.Audience)
	assert.Equal(t, "tool-oidc", claims.AuthorizedParty)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.Equal(t, accessTokenHash(header.Algorithm, resp.AccessToken), claims.AccessTokenHash)
	require.NotNil(t, claims.AuthTime)
	assert.Equal(t, authorizedAt.Unix(), claims.AuthTime.Time().Unix())
}

func TestIssuer_RefreshRotation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.register(t, "tool-offline", []string{"read", "write", "offline_access"})

	resp, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-offline", "read", "write", "offline_access"),
		"tool-offline", secretCred, ExchangeOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	original, err := env.store.GetGrant(t.Context(), grants.IDFor(resp.RefreshToken))
	require.NoError(t, err)

	env.clock.Step(time.Hour)
	refreshed, err := env.issuer.Refresh(t.Context(), resp.RefreshToken, "tool-offline", secretCred, []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "read", refreshed.Scope)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, resp.RefreshToken, refreshed.RefreshToken)

	rotated, err := env.store.GetGrant(t.Context(), grants.IDFor(refreshed.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, original.ExpiresAt.Unix(), rotated.ExpiresAt.Unix(), "rotation keeps the absolute expiry")
	assert.Equal(t, original.ID, rotated.ParentID)
	assert.Equal(t, original.Scopes, rotated.Scopes, "narrowing the access token does not narrow the refresh grant")

	// The presented token was consumed by the rotation.
	_, err = env.issuer.Refresh(t.Context(), resp.RefreshToken, "tool-offline", secretCred, nil)
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)

	// Scopes cannot widen beyond the grant.
	_, err = env.issuer.Refresh(t.Context(), refreshed.RefreshToken, "tool-offline", secretCred, []string{"admin"})
	assert.ErrorIs(t, err, oautherr.ErrScopeNotAllowed)

	// Another client cannot use it.
	env.register(t, "tool-43", []string{"read"})
	_, err = env.issuer.Refresh(t.Context(), refreshed.RefreshToken, "tool-43", secretCred, nil)
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)

	// Past the absolute expiry the chain ends.
	env.clock.Step(DefaultRefreshTokenLifetime)
	_, err = env.issuer.Refresh(t.Context(), refreshed.RefreshToken, "tool-offline", secretCred, nil)
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestIssuer_RefreshWithoutRotation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) {
		c.RotateRefreshTokens = false
		c.AlwaysIssueRefreshToken = true
	})

	resp, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	for range 3 {
		refreshed, err := env.issuer.Refresh(t.Context(), resp.RefreshToken, "tool-42", secretCred, nil)
		require.NoError(t, err)
		assert.Equal(t, resp.RefreshToken, refreshed.RefreshToken)
		assert.NotEqual(t, resp.AccessToken, refreshed.AccessToken)
	}
}

func TestIssuer_ConcurrentRefreshRotation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.AlwaysIssueRefreshToken = true })

	resp, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			if _, err := env.issuer.Refresh(context.Background(), resp.RefreshToken, "tool-42", secretCred, nil); err == nil {
				successes.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestIssuer_Revoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.AlwaysIssueRefreshToken = true })
	env.register(t, "tool-43", []string{"read"})

	resp, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)

	var claims AccessTokenClaims
	env.verify(t, resp.AccessToken, &claims)

	// Tokens of another client are ignored.
	require.NoError(t, env.issuer.Revoke(t.Context(), resp.RefreshToken, "tool-43", secretCred))
	_, err = env.store.GetGrant(t.Context(), grants.IDFor(resp.RefreshToken))
	require.NoError(t, err)

	require.NoError(t, env.issuer.Revoke(t.Context(), resp.AccessToken, "tool-42", secretCred))
	_, err = env.store.GetGrant(t.Context(), claims.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, env.issuer.Revoke(t.Context(), resp.RefreshToken, "tool-42", secretCred))
	_, err = env.issuer.Refresh(t.Context(), resp.RefreshToken, "tool-42", secretCred, nil)
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)

	// Unknown tokens are not an error.
	assert.NoError(t, env.issuer.Revoke(t.Context(), "never-issued", "tool-42", secretCred))

	err = env.issuer.Revoke(t.Context(), resp.RefreshToken, "tool-42", clients.Credential{Secret: "nope"})
	assert.ErrorIs(t, err, oautherr.ErrInvalidClientCredential)
}

func TestIssuer_TokensSurviveRotation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	before, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)

	_, err = env.keys.Rotate(t.Context())
	require.NoError(t, err)

	after, err := env.issuer.ExchangeCode(t.Context(), env.code(t, "tool-42", "read"), "tool-42", secretCred, ExchangeOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, before.KeyID, after.KeyID)

	var claims AccessTokenClaims
	env.verify(t, before.AccessToken, &claims)
	env.verify(t, after.AccessToken, &claims)
}

func TestAccessTokenHash(t *testing.T) {
	t.Parallel()

	// Example from OpenID Connect Core 1.0 appendix A.3.
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ",
		accessTokenHash("RS256", "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"))
	assert.Len(t, accessTokenHash("ES384", "x"), 32)
	assert.Len(t, accessTokenHash("ES512", "x"), 43)
}

func TestNormalizeScopes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"read", "write"}, normalizeScopes([]string{"read", "", "write", "read"}))
	assert.Empty(t, normalizeScopes(nil))
}
