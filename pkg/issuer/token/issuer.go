// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/ory/fosite"
	"k8s.io/utils/clock"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/grants"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the clock used for issued-at and expiry times.
func WithClock(c clock.PassiveClock) Option {
	return func(i *Issuer) {
		i.clock = c
	}
}

// WithInstruments sets the metric instruments.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(i *Issuer) {
		i.instruments = in
	}
}

// Issuer is the token issuer.
type Issuer struct {
	cfg         Config
	clients     ClientAuthenticator
	keys        KeySource
	grants      GrantStore
	clock       clock.PassiveClock
	instruments *telemetry.Instruments
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg Config, clientAuth ClientAuthenticator, keySource KeySource, grantStore GrantStore, opts ...Option) (*Issuer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	i := &Issuer{
		cfg:         cfg,
		clients:     clientAuth,
		keys:        keySource,
		grants:      grantStore,
		clock:       clock.RealClock{},
		instruments: telemetry.NoopInstruments(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssueAuthorizationCode records an authorization for req and returns the
// code to hand to the client. The client must be registered and enabled,
// the redirect URI must be registered for it and every requested scope
// must be allowed for it.
func (i *Issuer) IssueAuthorizationCode(ctx context.Context, req AuthorizationRequest) (string, error) {
	client, err := i.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !client.Enabled {
		return "", fmt.Errorf("%w: %s", oautherr.ErrClientDisabled, client.ID)
	}
	if err := clients.AuthorizeRedirect(client, req.RedirectURI); err != nil {
		return "", err
	}
	if req.Subject == "" {
		return "", oautherr.WithHint(oautherr.ErrInvalidRequest, "The end-user subject is missing.")
	}
	scopes := normalizeScopes(req.Scopes)
	if err := checkScopes(client.AllowedScopes, scopes); err != nil {
		return "", err
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod, i.cfg.RequirePKCE); err != nil {
		return "", err
	}

	code, id, err := grants.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	now := i.clock.Now()
	grant := &storage.Grant{
		ID:                  id,
		Type:                storage.GrantAuthorizationCode,
		ClientID:            client.ID,
		Subject:             req.Subject,
		Scopes:              scopes,
		IssuedAt:            now,
		ExpiresAt:           now.Add(i.cfg.AuthorizationCodeLifetime),
		Nonce:               req.Nonce,
		RedirectURI:         req.RedirectURI,
		RedirectURIExplicit: req.RedirectURIExplicit,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if err := i.grants.Put(ctx, grant); err != nil {
		return "", err
	}

	slog.Debug("issued authorization code", "client_id", client.ID, "scopes", scopes)
	return code, nil
}

// ExchangeCode redeems an authorization code for tokens.
//
// The code must exist, be unexpired, be bound to the authenticated client
// and not have been redeemed. Redemption is a single conditional update in
// the grant store, so among concurrent exchanges of one code exactly one
// succeeds and the rest fail with oautherr.ErrInvalidGrant.
func (i *Issuer) ExchangeCode(ctx context.Context, code, clientID string, cred clients.Credential, opts ExchangeOptions) (*Response, error) {
	client, err := i.clients.Authenticate(ctx, clientID, cred)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, oautherr.WithHint(oautherr.ErrInvalidRequest, "The code parameter is missing.")
	}

	id := grants.IDFor(code)
	grant, err := i.loadGrant(ctx, id, storage.GrantAuthorizationCode, client.ID)
	if err != nil {
		return nil, err
	}
	if err := checkRedirectBinding(grant, opts.RedirectURI); err != nil {
		return nil, err
	}
	if err := verifyPKCE(grant.CodeChallenge, opts.CodeVerifier); err != nil {
		return nil, err
	}

	if err := i.consume(ctx, id); err != nil {
		return nil, err
	}

	scopes := filterAllowed(grant.Scopes, client.AllowedScopes)
	resp, err := i.issueTokens(ctx, client, issuance{
		grantType: storage.GrantAuthorizationCode,
		subject:   grant.Subject,
		scopes:    scopes,
		nonce:     grant.Nonce,
		authTime:  grant.IssuedAt,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("exchanged authorization code", "client_id", client.ID, "kid", resp.KeyID)
	return resp, nil
}

// Refresh issues a new access token from a refresh token without a new
// authorization. scopes may narrow the original grant; empty keeps it.
//
// With rotation enabled the presented refresh token is consumed exactly
// once and a replacement with the same absolute expiry is returned.
// Otherwise the presented token stays valid and is returned unchanged.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, clientID string, cred clients.Credential, scopes []string) (*Response, error) {
	client, err := i.clients.Authenticate(ctx, clientID, cred)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, oautherr.WithHint(oautherr.ErrInvalidRequest, "The refresh_token parameter is missing.")
	}

	id := grants.IDFor(refreshToken)
	grant, err := i.loadGrant(ctx, id, storage.GrantRefreshToken, client.ID)
	if err != nil {
		return nil, err
	}

	granted := filterAllowed(grant.Scopes, client.AllowedScopes)
	requested := normalizeScopes(scopes)
	if len(requested) == 0 {
		requested = granted
	} else if err := checkScopes(granted, requested); err != nil {
		return nil, err
	}

	in := issuance{
		grantType:     storage.GrantRefreshToken,
		subject:       grant.Subject,
		scopes:        requested,
		refreshScopes: granted,
	}
	if i.cfg.RotateRefreshTokens {
		if err := i.consume(ctx, id); err != nil {
			return nil, err
		}
		in.refreshParent = grant
	} else {
		in.reuseRefresh = refreshToken
		in.reuseRefreshID = id
	}

	resp, err := i.issueTokens(ctx, client, in)
	if err != nil {
		return nil, err
	}
	slog.Debug("refreshed tokens", "client_id", client.ID, "rotated", i.cfg.RotateRefreshTokens)
	return resp, nil
}

// Revoke revokes a refresh token or an access token owned by the
// authenticated client (RFC 7009). Unknown tokens and tokens of other
// clients are ignored.
func (i *Issuer) Revoke(ctx context.Context, token, clientID string, cred clients.Credential) error {
	client, err := i.clients.Authenticate(ctx, clientID, cred)
	if err != nil {
		return err
	}
	if token == "" {
		return oautherr.WithHint(oautherr.ErrInvalidRequest, "The token parameter is missing.")
	}

	id := grants.IDFor(token)
	if jti, ok := accessTokenID(token); ok {
		id = jti
	}

	grant, err := i.grants.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if grant.ClientID != client.ID || grant.Type == storage.GrantAuthorizationCode {
		return nil
	}

	if err := i.grants.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	slog.Debug("revoked token", "client_id", client.ID, "grant_type", string(grant.Type))
	return nil
}

type issuance struct {
	grantType storage.GrantType
	subject   string
	scopes    []string
	nonce     string
	authTime  time.Time

	// refreshScopes are the scopes of a replacement refresh grant when
	// they differ from the access token scopes.
	refreshScopes []string

	// refreshParent is the consumed refresh grant being rotated.
	refreshParent *storage.Grant

	// reuseRefresh and reuseRefreshID are set when the presented refresh
	// token is returned unchanged.
	reuseRefresh   string
	reuseRefreshID string
}

func (i *Issuer) issueTokens(ctx context.Context, client *storage.Client, in issuance) (*Response, error) {
	// One key for the whole response; a concurrent rotation cannot split
	// the access token and the ID token across keys.
	key, err := i.keys.CurrentKey(ctx)
	if err != nil {
		return nil, err
	}
	now := i.clock.Now()

	resp := &Response{
		TokenType: TokenTypeBearer,
		ExpiresIn: int64(i.cfg.AccessTokenLifetime / time.Second),
		Scope:     strings.Join(in.scopes, " "),
		KeyID:     key.KeyID,
	}

	refreshID := in.reuseRefreshID
	switch {
	case in.reuseRefresh != "":
		resp.RefreshToken = in.reuseRefresh
	case in.refreshParent != nil || i.wantsRefresh(in.scopes):
		token, id, err := i.newRefreshGrant(ctx, client, in, now)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = token
		refreshID = id
	}

	accessID := uuid.NewString()
	accessExpiry := now.Add(i.cfg.AccessTokenLifetime)
	if err := i.grants.Put(ctx, &storage.Grant{
		ID:        accessID,
		Type:      storage.GrantAccessToken,
		ClientID:  client.ID,
		Subject:   in.subject,
		Scopes:    in.scopes,
		IssuedAt:  now,
		ExpiresAt: accessExpiry,
		Nonce:     in.nonce,
		ParentID:  refreshID,
	}); err != nil {
		return nil, err
	}

	accessSigner, err := keys.NewSigner(key, (&jose.SignerOptions{}).WithType(AccessTokenType))
	if err != nil {
		return nil, err
	}
	resp.AccessToken, err = jwt.Signed(accessSigner).Claims(AccessTokenClaims{
		Claims: jwt.Claims{
			Issuer:   i.cfg.Issuer,
			Subject:  in.subject,
			Audience: jwt.Audience{client.ID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(accessExpiry),
			ID:       accessID,
		},
		ClientID: client.ID,
		Scope:    resp.Scope,
		Nonce:    in.nonce,
	}).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	if slices.Contains(in.scopes, ScopeOpenID) {
		resp.IDToken, err = i.signIDToken(key, client, in, resp.AccessToken, now)
		if err != nil {
			return nil, err
		}
	}

	i.instruments.TokenIssued(ctx, string(in.grantType))
	return resp, nil
}

func (i *Issuer) newRefreshGrant(ctx context.Context, client *storage.Client, in issuance, now time.Time) (string, string, error) {
	token, id, err := grants.NewOpaqueToken()
	if err != nil {
		return "", "", err
	}
	expiry := now.Add(i.cfg.RefreshTokenLifetime)
	scopes := in.scopes
	if in.refreshScopes != nil {
		scopes = in.refreshScopes
	}
	parentID := ""
	if in.refreshParent != nil {
		expiry = in.refreshParent.ExpiresAt
		parentID = in.refreshParent.ID
	}
	if err := i.grants.Put(ctx, &storage.Grant{
		ID:        id,
		Type:      storage.GrantRefreshToken,
		ClientID:  client.ID,
		Subject:   in.subject,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: expiry,
		ParentID:  parentID,
	}); err != nil {
		return "", "", err
	}
	return token, id, nil
}

func (i *Issuer) signIDToken(key *keys.SigningKeyData, client *storage.Client, in issuance, accessToken string, now time.Time) (string, error) {
	signer, err := keys.NewSigner(key, (&jose.SignerOptions{}).WithType(IDTokenType))
	if err != nil {
		return "", err
	}
	claims := IDTokenClaims{
		Claims: jwt.Claims{
			Issuer:   i.cfg.Issuer,
			Subject:  in.subject,
			Audience: jwt.Audience{client.ID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(i.cfg.IDTokenLifetime)),
		},
		Nonce:           in.nonce,
		AccessTokenHash: accessTokenHash(key.Algorithm, accessToken),
		AuthorizedParty: client.ID,
	}
	if !in.authTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(in.authTime)
	}
	idToken, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return idToken, nil
}

// loadGrant fetches a grant and checks it can still be redeemed by clientID.
// Every mismatch is reported as oautherr.ErrInvalidGrant.
func (i *Issuer) loadGrant(ctx context.Context, id string, typ storage.GrantType, clientID string) (*storage.Grant, error) {
	grant, err := i.grants.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown %s", oautherr.ErrInvalidGrant, typ)
		}
		return nil, err
	}
	switch {
	case grant.Type != typ:
		return nil, fmt.Errorf("%w: grant is not a %s", oautherr.ErrInvalidGrant, typ)
	case grant.ClientID != clientID:
		slog.Warn("grant presented by a different client", "grant_type", string(typ), "client_id", clientID)
		return nil, fmt.Errorf("%w: %s was issued to another client", oautherr.ErrInvalidGrant, typ)
	case grant.Consumed:
		return nil, fmt.Errorf("%w: %s already used", oautherr.ErrInvalidGrant, typ)
	case grant.Expired(i.clock.Now()):
		return nil, fmt.Errorf("%w: %s expired", oautherr.ErrInvalidGrant, typ)
	}
	return grant, nil
}

func (i *Issuer) consume(ctx context.Context, id string) error {
	err := i.grants.Consume(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyConsumed), errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", oautherr.ErrInvalidGrant, err)
	default:
		return err
	}
}

func (i *Issuer) wantsRefresh(scopes []string) bool {
	return i.cfg.AlwaysIssueRefreshToken || slices.Contains(scopes, ScopeOfflineAccess)
}

// normalizeScopes drops empty and duplicate scopes, keeping first-seen order.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func checkScopes(allowed, requested []string) error {
	if !fosite.Arguments(allowed).Has(requested...) {
		for _, s := range requested {
			if !slices.Contains(allowed, s) {
				return fmt.Errorf("%w: %q", oautherr.ErrScopeNotAllowed, s)
			}
		}
	}
	return nil
}

// filterAllowed keeps the scopes of a grant the client is still allowed.
func filterAllowed(scopes, allowed []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}

// accessTokenID returns the jti of a token that parses as one of our JWTs.
// The signature is not checked; callers only use the id to find a grant
// they then match against the authenticated client.
func accessTokenID(token string) (string, bool) {
	if strings.Count(token, ".") != 2 {
		return "", false
	}
	parsed, err := jwt.ParseSigned(token, keys.SupportedAlgorithms)
	if err != nil {
		return "", false
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.ID == "" {
		return "", false
	}
	return claims.ID, true
}

// accessTokenHash computes the OpenID Connect at_hash: the left half of the
// hash of the access token, using the hash of the signing algorithm.
func accessTokenHash(alg, accessToken string) string {
	var sum []byte
	switch alg {
	case string(jose.ES384), string(jose.RS384), string(jose.PS384):
		h := sha512.Sum384([]byte(accessToken))
		sum = h[:]
	case string(jose.ES512), string(jose.RS512), string(jose.PS512):
		h := sha512.Sum512([]byte(accessToken))
		sum = h[:]
	default:
		h := sha256.Sum256([]byte(accessToken))
		sum = h[:]
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// checkRedirectBinding enforces that the exchange repeats the redirect_uri
// of the authorization request whenever that request carried one.
func checkRedirectBinding(grant *storage.Grant, redirectURI string) error {
	if redirectURI == "" {
		if grant.RedirectURIExplicit {
			return fmt.Errorf("%w: redirect_uri is required because the authorization request included it",
				oautherr.ErrInvalidGrant)
		}
		return nil
	}
	if redirectURI != grant.RedirectURI {
		return fmt.Errorf("%w: redirect_uri does not match the authorization request", oautherr.ErrInvalidGrant)
	}
	return nil
}
