// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation verifies tokens issued by this server.
//
// Every failure maps to exactly one oautherr sentinel so callers can tell
// an unknown key from a bad signature, an expired token, a wrong audience
// or a foreign issuer.
package validation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"k8s.io/utils/clock"

	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

// DefaultClockSkew is the tolerance applied to exp, nbf and iat.
const DefaultClockSkew = 30 * time.Second

// KeyResolver resolves a key id to a usable verification key.
type KeyResolver interface {
	VerificationKey(ctx context.Context, kid string) (*keys.PublicKeyData, error)
}

// GrantLookup finds the grant behind an access token.
type GrantLookup interface {
	Get(ctx context.Context, id string) (*storage.Grant, error)
}

// Config configures a Validator.
type Config struct {
	// Issuer is the expected iss claim.
	Issuer string

	// ClockSkew is applied symmetrically to exp and to iat and nbf.
	ClockSkew time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the clock used for time checks.
func WithClock(c clock.PassiveClock) Option {
	return func(v *Validator) {
		v.clock = c
	}
}

// WithInstruments sets the metric instruments.
func WithInstruments(i *telemetry.Instruments) Option {
	return func(v *Validator) {
		v.instruments = i
	}
}

// WithRevocationCheck makes the validator require that the access grant
// named by the token's jti still exists. Revoked tokens and tokens whose
// grant was removed fail with oautherr.ErrTokenRevoked.
func WithRevocationCheck(grants GrantLookup) Option {
	return func(v *Validator) {
		v.grants = grants
	}
}

// Claims are the validated claims of a token.
type Claims struct {
	jwt.Claims
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Nonce    string `json:"nonce,omitempty"`

	// KeyID is the id of the key that signed the token.
	KeyID string `json:"-"`
	// Type is the JWS typ header, if any.
	Type string `json:"-"`
}

// Scopes returns the space-separated scope claim as a slice.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Validator is the request validator.
type Validator struct {
	cfg         Config
	keys        KeyResolver
	grants      GrantLookup
	clock       clock.PassiveClock
	instruments *telemetry.Instruments
}

// NewValidator creates a Validator.
func NewValidator(cfg Config, resolver KeyResolver, opts ...Option) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClockSkew < 0 {
		return nil, errors.New("clock skew cannot be negative")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	v := &Validator{
		cfg:         cfg,
		keys:        resolver,
		clock:       clock.RealClock{},
		instruments: telemetry.NoopInstruments(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies token and checks that expectedAudience is among its
// audiences.
func (v *Validator) Validate(ctx context.Context, token, expectedAudience string) (*Claims, error) {
	claims, err := v.validate(ctx, token, func(c *Claims) error {
		if expectedAudience == "" || !c.Audience.Contains(expectedAudience) {
			return fmt.Errorf("%w: expected %q", oautherr.ErrAudienceMismatch, expectedAudience)
		}
		return nil
	})
	return claims, v.observe(ctx, err)
}

// ValidateIssued verifies token without an audience expectation. It serves
// introspection, where the caller need not be the token's audience.
func (v *Validator) ValidateIssued(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.validate(ctx, token, func(*Claims) error { return nil })
	return claims, v.observe(ctx, err)
}

func (v *Validator) validate(ctx context.Context, token string, checkAudience func(*Claims) error) (*Claims, error) {
	alg, err := headerAlgorithm(token)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(keys.SupportedAlgorithms, jose.SignatureAlgorithm(alg)) {
		return nil, fmt.Errorf("%w: algorithm %q is not accepted", oautherr.ErrInvalidSignature, alg)
	}

	jws, err := jose.ParseSigned(token, keys.SupportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", oautherr.ErrMalformedToken, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", oautherr.ErrMalformedToken)
	}
	header := jws.Signatures[0].Protected
	if header.KeyID == "" {
		return nil, fmt.Errorf("%w: token has no kid", oautherr.ErrUnknownSigningKey)
	}

	key, err := v.keys.VerificationKey(ctx, header.KeyID)
	if err != nil {
		return nil, err
	}
	if header.Algorithm != key.Algorithm {
		return nil, fmt.Errorf("%w: algorithm %q does not match key %q", oautherr.ErrInvalidSignature, header.Algorithm, key.KeyID)
	}

	payload, err := jws.Verify(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key %q", oautherr.ErrInvalidSignature, key.KeyID)
	}

	claims := &Claims{KeyID: key.KeyID}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, fmt.Errorf("%w: claims are not valid JSON", oautherr.ErrMalformedToken)
	}
	if typ, ok := header.ExtraHeaders[jose.HeaderType].(string); ok {
		claims.Type = typ
	}

	if err := v.checkTimes(claims); err != nil {
		return nil, err
	}
	if claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: %q", oautherr.ErrIssuerMismatch, claims.Issuer)
	}
	if err := checkAudience(claims); err != nil {
		return nil, err
	}
	if err := v.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) checkTimes(claims *Claims) error {
	now := v.clock.Now()
	skew := v.cfg.ClockSkew

	if claims.Expiry == nil {
		return fmt.Errorf("%w: token has no exp", oautherr.ErrMalformedToken)
	}
	if !now.Before(claims.Expiry.Time().Add(skew)) {
		return fmt.Errorf("%w: at %s", oautherr.ErrTokenExpired, claims.Expiry.Time().UTC().Format(time.RFC3339))
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time().After(now.Add(skew)) {
		return fmt.Errorf("%w: issued in the future", oautherr.ErrTokenNotYetValid)
	}
	if claims.NotBefore != nil && claims.NotBefore.Time().After(now.Add(skew)) {
		return fmt.Errorf("%w: not before %s", oautherr.ErrTokenNotYetValid, claims.NotBefore.Time().UTC().Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) checkRevocation(ctx context.Context, claims *Claims) error {
	if v.grants == nil {
		return nil
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: token has no jti", oautherr.ErrTokenRevoked)
	}
	grant, err := v.grants.Get(ctx, claims.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return oautherr.ErrTokenRevoked
	case err != nil:
		return err
	case grant.Type != storage.GrantAccessToken || grant.Subject != claims.Subject:
		return oautherr.ErrTokenRevoked
	}
	return nil
}

func (v *Validator) observe(ctx context.Context, err error) error {
	if err != nil {
		v.instruments.ValidationFailed(ctx, oautherr.Reason(err))
	}
	return err
}

// headerAlgorithm reads alg from the protected header of a compact JWS so
// that unacceptable algorithms are rejected before any key is resolved.
func headerAlgorithm(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: not a compact JWS", oautherr.ErrMalformedToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: header is not base64url", oautherr.ErrMalformedToken)
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", fmt.Errorf("%w: header is not valid JSON", oautherr.ErrMalformedToken)
	}
	if header.Algorithm == "" {
		return "", fmt.Errorf("%w: header has no alg", oautherr.ErrMalformedToken)
	}
	return header.Algorithm, nil
}
