// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/stacklok/ltiauth/pkg/issuer/admin"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/grants"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
	"github.com/stacklok/ltiauth/pkg/issuer/validation"
)

const (
	testClientID    = "tool-42"
	testRedirectURI = "https://tool.example.com/launch"
	testAdminToken  = "admin-token"
	testSubject     = "user-1001"
)

// testServer is a complete issuer served over HTTP from in-memory storage.
type testServer struct {
	url      string
	store    *storage.MemoryStorage
	registry *clients.Registry
	keys     *keys.Manager
	secret   string
	client   *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := t.Context()

	srv := httptest.NewUnstartedServer(nil)
	issuer := "http://" + srv.Listener.Addr().String()

	store := storage.NewMemoryStorage()
	km, err := keys.NewManager(store, keys.Config{})
	require.NoError(t, err)
	require.NoError(t, km.Bootstrap(ctx))

	registry, err := clients.NewRegistry(store, clients.Config{
		AssertionAudiences: []string{issuer + "/oauth/token", issuer},
		BcryptCost:         bcrypt.MinCost,
	})
	require.NoError(t, err)

	grantManager := grants.NewManager(store, grants.Config{}, nil)
	tokens, err := token.NewIssuer(token.Config{Issuer: issuer, RotateRefreshTokens: true}, registry, km, grantManager)
	require.NoError(t, err)
	validator, err := validation.NewValidator(validation.Config{Issuer: issuer}, km,
		validation.WithRevocationCheck(grantManager))
	require.NoError(t, err)

	h, err := NewHandler(Config{Issuer: issuer, AdminToken: testAdminToken}, Deps{
		Tokens:    tokens,
		Clients:   registry,
		Keys:      km,
		Inspector: validator,
		Admin:     admin.NewService(registry, km),
		Health:    store,
	})
	require.NoError(t, err)

	srv.Config.Handler = h.Routes()
	srv.Start()
	t.Cleanup(srv.Close)
	require.Equal(t, issuer, srv.URL)

	_, secret, err := registry.Register(ctx, clients.Registration{
		ClientID:      testClientID,
		DisplayName:   "Tool 42",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{token.ScopeOpenID, token.ScopeOfflineAccess, "read"},
	})
	require.NoError(t, err)

	return &testServer{
		url:      issuer,
		store:    store,
		registry: registry,
		keys:     km,
		secret:   secret,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (ts *testServer) authorize(t *testing.T, params url.Values, subject string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.url+"/oauth/authorize?"+params.Encode(), nil)
	require.NoError(t, err)
	if subject != "" {
		req.Header.Set(DefaultSubjectHeader, subject)
	}
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// code runs an authorization request and returns the code from the redirect.
func (ts *testServer) code(t *testing.T, params url.Values) string {
	t.Helper()
	resp := ts.authorize(t, params, testSubject)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("code"), "redirect: %s", loc)
	return loc.Query().Get("code")
}

func (ts *testServer) post(t *testing.T, path string, form url.Values, basicID, basicSecret string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.url+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(url.QueryEscape(basicID), url.QueryEscape(basicSecret))
	}
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) adminRequest(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, ts.url+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func authParams(scope string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {scope},
		"state":         {"xyz"},
	}
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(Config{}, Deps{})
	assert.Error(t, err)

	_, err = NewHandler(Config{Issuer: "https://issuer.example.com"}, Deps{})
	assert.Error(t, err)
}

func TestJWKSHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := ts.client.Get(ts.url + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	set := decodeJSON[jose.JSONWebKeySet](t, resp)
	require.Len(t, set.Keys, 1)
	key := set.Keys[0]
	assert.Equal(t, keys.DefaultAlgorithm, key.Algorithm)
	assert.Equal(t, "sig", key.Use)
	assert.True(t, key.IsPublic(), "JWKS should only contain public keys")
}

func TestDiscoveryHandlers(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := ts.client.Get(ts.url + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age=")
	meta := decodeJSON[AuthorizationServerMetadata](t, resp)
	assert.Equal(t, ts.url, meta.Issuer)
	assert.Equal(t, ts.url+"/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, ts.url+"/.well-known/jwks.json", meta.JWKSURI)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	assert.Contains(t, meta.TokenEndpointAuthMethodsSupported, AuthMethodPrivateKeyJWT)

	resp, err = ts.client.Get(ts.url + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	doc := decodeJSON[OIDCDiscoveryDocument](t, resp)
	assert.Equal(t, ts.url, doc.Issuer)
	assert.Equal(t, []string{"public"}, doc.SubjectTypesSupported)
	assert.Equal(t, []string{keys.DefaultAlgorithm}, doc.IDTokenSigningAlgValuesSupported)
}

func TestAuthorize_Errors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, _, err := ts.registry.Register(t.Context(), clients.Registration{
		ClientID:      "disabled-tool",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"read"},
		Disabled:      true,
	})
	require.NoError(t, err)

	t.Run("local errors never redirect", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name   string
			mutate func(url.Values)
		}{
			{"unknown client", func(v url.Values) { v.Set("client_id", "nope") }},
			{"missing client", func(v url.Values) { v.Del("client_id") }},
			{"unregistered redirect", func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/cb") }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				params := authParams("read")
				tt.mutate(params)
				resp := ts.authorize(t, params, testSubject)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
				assert.Empty(t, resp.Header.Get("Location"))
			})
		}
	})

	t.Run("redirected errors", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name     string
			mutate   func(url.Values)
			subject  string
			wantCode string
		}{
			{"unsupported response type", func(v url.Values) { v.Set("response_type", "token") }, testSubject, "unsupported_response_type"},
			{"no authenticated user", func(url.Values) {}, "", "login_required"},
			{"scope not allowed", func(v url.Values) { v.Set("scope", "write") }, testSubject, "invalid_scope"},
			{"bad PKCE method", func(v url.Values) {
				v.Set("code_challenge", "abc")
				v.Set("code_challenge_method", "plain")
			}, testSubject, "invalid_request"},
			{"disabled client", func(v url.Values) { v.Set("client_id", "disabled-tool") }, testSubject, "unauthorized_client"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				params := authParams("read")
				tt.mutate(params)
				resp := ts.authorize(t, params, tt.subject)
				require.Equal(t, http.StatusFound, resp.StatusCode)

				loc, err := url.Parse(resp.Header.Get("Location"))
				require.NoError(t, err)
				assert.Equal(t, "tool.example.com", loc.Host)
				assert.Equal(t, tt.wantCode, loc.Query().Get("error"))
				assert.Equal(t, "xyz", loc.Query().Get("state"))
				assert.Equal(t, ts.url, loc.Query().Get("iss"))
				assert.Empty(t, loc.Query().Get("code"))
			})
		}
	})
}

func TestAuthorize_SuccessRedirect(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	params := authParams("read")
	params.Del("redirect_uri") // the single registered URI is used
	resp := ts.authorize(t, params, testSubject)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https", loc.Scheme)
	assert.Equal(t, "/launch", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("code"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, ts.url, loc.Query().Get("iss"))
}

func TestTokenHandler_RedirectURIBinding(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	exchange := func(t *testing.T, code, redirectURI string) *http.Response {
		t.Helper()
		form := url.Values{"grant_type": {"authorization_code"}, "code": {code}}
		if redirectURI != "" {
			form.Set("redirect_uri", redirectURI)
		}
		return ts.post(t, "/oauth/token", form, testClientID, ts.secret)
	}

	t.Run("required when sent to the authorization endpoint", func(t *testing.T) {
		t.Parallel()
		code := ts.code(t, authParams("read"))

		resp := exchange(t, code, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_grant", decodeJSON[errorResponse](t, resp).Error)

		resp = exchange(t, code, testRedirectURI)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("optional when the registered URI was implied", func(t *testing.T) {
		t.Parallel()
		params := authParams("read")
		params.Del("redirect_uri")

		resp := exchange(t, ts.code(t, params), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestTokenHandler_Errors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	tests := []struct {
		name       string
		form       url.Values
		basicID    string
		basicPass  string
		wantStatus int
		wantError  string
		wantChall  bool
	}{
		{
			name:       "wrong secret over basic",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}},
			basicID:    testClientID,
			basicPass:  "wrong",
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
			wantChall:  true,
		},
		{
			name:       "unknown client over post",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {"nope"}, "client_secret": {"s"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "no client authentication",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "two authentication methods",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_secret": {"s"}},
			basicID:    testClientID,
			basicPass:  "s",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing grant type",
			form:       url.Values{"code": {"x"}},
			basicID:    testClientID,
			basicPass:  ts.secret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			basicID:    testClientID,
			basicPass:  ts.secret,
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:       "missing code",
			form:       url.Values{"grant_type": {"authorization_code"}},
			basicID:    testClientID,
			basicPass:  ts.secret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"never-issued"}},
			basicID:    testClientID,
			basicPass:  ts.secret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "unknown refresh token",
			form:       url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"never-issued"}},
			basicID:    testClientID,
			basicPass:  ts.secret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := ts.post(t, "/oauth/token", tt.form, tt.basicID, tt.basicPass)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			if tt.wantChall {
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
			}
			body := decodeJSON[errorResponse](t, resp)
			assert.Equal(t, tt.wantError, body.Error)
			assert.NotEmpty(t, body.Description)
		})
	}
}

func TestTokenHandler_CodeIsSingleUse(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {ts.code(t, authParams("read"))},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testClientID},
		"client_secret": {ts.secret},
	}
	resp := ts.post(t, "/oauth/token", form, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
	tok := decodeJSON[token.Response](t, resp)
	assert.Equal(t, token.TokenTypeBearer, tok.TokenType)
	assert.Equal(t, "read", tok.Scope)
	assert.Empty(t, tok.IDToken, "openid was not requested")
	assert.Empty(t, tok.RefreshToken, "offline_access was not requested")

	resp = ts.post(t, "/oauth/token", form, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON[errorResponse](t, resp).Error)
}

func TestTokenHandler_PrivateKeyJWT(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	toolKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &toolKey.PublicKey, KeyID: "tool-key", Algorithm: "RS256", Use: "sig",
	}}})
	require.NoError(t, err)
	_, _, err = ts.registry.Register(t.Context(), clients.Registration{
		ClientID:      "jwt-tool",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"read"},
		PublicKeys:    jwks,
	})
	require.NoError(t, err)

	params := authParams("read")
	params.Set("client_id", "jwt-tool")
	code := ts.code(t, params)

	now := time.Now()
	assertion := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.RegisteredClaims{
		Issuer:    "jwt-tool",
		Subject:   "jwt-tool",
		Audience:  gojwt.ClaimStrings{ts.url + "/oauth/token"},
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(time.Minute)),
		ID:        "assertion-1",
	})
	assertion.Header["kid"] = "tool-key"
	signed, err := assertion.SignedString(toolKey)
	require.NoError(t, err)

	// client_id is omitted and taken from the assertion.
	resp := ts.post(t, "/oauth/token", url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {code},
		"redirect_uri":          {testRedirectURI},
		"client_assertion_type": {clients.AssertionTypeJWTBearer},
		"client_assertion":      {signed},
	}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decodeJSON[token.Response](t, resp).AccessToken)
}

func TestRevokeHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := ts.post(t, "/oauth/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {ts.code(t, authParams("read offline_access"))},
		"redirect_uri": {testRedirectURI},
	}, testClientID, ts.secret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decodeJSON[token.Response](t, resp)
	require.NotEmpty(t, tok.RefreshToken)

	resp = ts.post(t, "/oauth/revoke", url.Values{"token": {"never-issued"}}, testClientID, ts.secret)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unknown tokens are not an error")

	resp = ts.post(t, "/oauth/revoke", url.Values{"token": {tok.RefreshToken}}, testClientID, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.post(t, "/oauth/revoke", url.Values{}, testClientID, ts.secret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.post(t, "/oauth/revoke", url.Values{"token": {tok.RefreshToken}}, testClientID, ts.secret)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.post(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}, testClientID, ts.secret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON[errorResponse](t, resp).Error)
}

func TestIntrospectHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, otherSecret, err := ts.registry.Register(t.Context(), clients.Registration{
		ClientID:      "other-tool",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"read"},
	})
	require.NoError(t, err)

	resp := ts.post(t, "/oauth/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {ts.code(t, authParams("openid read"))},
		"redirect_uri": {testRedirectURI},
	}, testClientID, ts.secret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decodeJSON[token.Response](t, resp)

	introspect := func(t *testing.T, tokenValue, id, secret string) IntrospectionResponse {
		t.Helper()
		resp := ts.post(t, "/oauth/introspect", url.Values{"token": {tokenValue}}, id, secret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeJSON[IntrospectionResponse](t, resp)
	}

	got := introspect(t, tok.AccessToken, testClientID, ts.secret)
	assert.True(t, got.Active)
	assert.Equal(t, testClientID, got.ClientID)
	assert.Equal(t, testSubject, got.Subject)
	assert.Equal(t, "openid read", got.Scope)
	assert.Equal(t, ts.url, got.Issuer)
	assert.NotEmpty(t, got.JWTID)
	assert.Greater(t, got.ExpiresAt, got.IssuedAt)

	assert.False(t, introspect(t, tok.AccessToken, "other-tool", otherSecret).Active,
		"other clients cannot introspect the token")
	assert.False(t, introspect(t, tok.IDToken, testClientID, ts.secret).Active,
		"ID tokens are not access tokens")
	assert.False(t, introspect(t, "garbage", testClientID, ts.secret).Active)

	resp = ts.post(t, "/oauth/revoke", url.Values{"token": {tok.AccessToken}}, testClientID, ts.secret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, introspect(t, tok.AccessToken, testClientID, ts.secret).Active)

	resp = ts.post(t, "/oauth/introspect", url.Values{"token": {tok.AccessToken}}, testClientID, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	t.Run("requires the admin token", func(t *testing.T) {
		t.Parallel()
		for _, header := range []string{"", "Bearer wrong", "Basic " + testAdminToken} {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.url+"/admin/clients", nil)
			require.NoError(t, err)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := ts.client.Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, header)
			assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
		}
	})

	t.Run("client lifecycle", func(t *testing.T) {
		t.Parallel()
		resp := ts.adminRequest(t, http.MethodPost, "/admin/clients",
			`{"client_id":"admin-tool","redirect_uris":["https://admin-tool.example.com/cb"],"allowed_scopes":["read"]}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "/admin/clients/admin-tool", resp.Header.Get("Location"))
		created := decodeJSON[admin.RegisterResult](t, resp)
		assert.Equal(t, "admin-tool", created.Client.ClientID)
		assert.NotEmpty(t, created.Secret)

		resp = ts.adminRequest(t, http.MethodPost, "/admin/clients",
			`{"client_id":"admin-tool","redirect_uris":["https://admin-tool.example.com/cb"],"allowed_scopes":["read"]}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		resp = ts.adminRequest(t, http.MethodPost, "/admin/clients",
			`{"client_id":"bad-tool","redirect_uris":["javascript:alert(1)"],"allowed_scopes":["read"]}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = ts.adminRequest(t, http.MethodPost, "/admin/clients/admin-tool/disable", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, decodeJSON[admin.ClientView](t, resp).Enabled)

		resp = ts.adminRequest(t, http.MethodPatch, "/admin/clients/admin-tool", `{"display_name":"Renamed"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Renamed", decodeJSON[admin.RegisterResult](t, resp).Client.DisplayName)

		resp = ts.adminRequest(t, http.MethodPost, "/admin/clients/admin-tool/enable", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decodeJSON[admin.ClientView](t, resp).Enabled)

		resp = ts.adminRequest(t, http.MethodGet, "/admin/clients/admin-tool", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret_hash")

		resp = ts.adminRequest(t, http.MethodGet, "/admin/clients/missing", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = ts.adminRequest(t, http.MethodGet, "/admin/clients", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var ids []string
		for _, c := range decodeJSON[[]admin.ClientView](t, resp) {
			ids = append(ids, c.ClientID)
		}
		assert.Contains(t, ids, "admin-tool")
		assert.Contains(t, ids, testClientID)
	})

	t.Run("rejects bodies that are not JSON", func(t *testing.T) {
		t.Parallel()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.url+"/admin/clients", strings.NewReader("client_id=x"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := ts.client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})
}

func TestAdminRoutes_KeyRotation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := ts.adminRequest(t, http.MethodGet, "/admin/keys", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	before := decodeJSON[[]admin.KeyView](t, resp)
	require.Len(t, before, 1)

	resp = ts.adminRequest(t, http.MethodPost, "/admin/keys/rotate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeJSON[admin.KeyView](t, resp)
	assert.NotEqual(t, before[0].KeyID, rotated.KeyID)
	assert.Equal(t, string(storage.KeyStatusActive), rotated.Status)

	resp, err := ts.client.Get(ts.url + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	set := decodeJSON[jose.JSONWebKeySet](t, resp)
	require.Len(t, set.Keys, 2, "the demoted key stays published")
	assert.Equal(t, rotated.KeyID, set.Keys[0].KeyID)
	assert.Equal(t, before[0].KeyID, set.Keys[1].KeyID)
}

func TestAdminRoutes_DisabledWithoutToken(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	km, err := keys.NewManager(store, keys.Config{})
	require.NoError(t, err)
	registry, err := clients.NewRegistry(store, clients.Config{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	validator, err := validation.NewValidator(validation.Config{Issuer: "https://issuer.example.com"}, km)
	require.NoError(t, err)

	h, err := NewHandler(Config{Issuer: "https://issuer.example.com"}, Deps{
		Tokens:    &failingTokens{},
		Clients:   registry,
		Keys:      km,
		Inspector: validator,
		Admin:     admin.NewService(registry, km),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/clients", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "health is only served with a checker")
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := ts.client.Get(ts.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTokenHandler_BackendUnavailable(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	km, err := keys.NewManager(store, keys.Config{})
	require.NoError(t, err)
	registry, err := clients.NewRegistry(store, clients.Config{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	validator, err := validation.NewValidator(validation.Config{Issuer: "https://issuer.example.com"}, km)
	require.NoError(t, err)

	h, err := NewHandler(Config{Issuer: "https://issuer.example.com"}, Deps{
		Tokens:    &failingTokens{},
		Clients:   registry,
		Keys:      km,
		Inspector: validator,
	})
	require.NoError(t, err)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}, "client_id": {"c"}, "client_secret": {"s"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "temporarily_unavailable", body.Error)
	assert.NotContains(t, body.Description, "connection refused")
}

func TestPKCEFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	verifier := oauth2.GenerateVerifier()
	params := authParams("read")
	params.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	params.Set("code_challenge_method", "S256")
	code := ts.code(t, params)

	exchange := func(v string) *http.Response {
		return ts.post(t, "/oauth/token", url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {v},
		}, testClientID, ts.secret)
	}

	resp := exchange(oauth2.GenerateVerifier())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON[errorResponse](t, resp).Error)

	resp = exchange(verifier)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a failed verifier does not burn the code")
}
