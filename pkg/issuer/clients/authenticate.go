// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

// AssertionTypeJWTBearer is the client_assertion_type for private_key_jwt
// client authentication (RFC 7523).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionAlgorithms are the signature algorithms accepted on client
// assertions. Symmetric algorithms are excluded: the registry never holds
// a key that could verify them.
var assertionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Credential is what a client presents to authenticate.
type Credential struct {
	// Secret is the shared secret (client_secret_basic or client_secret_post).
	Secret string

	// AssertionType and Assertion carry a private_key_jwt client assertion.
	AssertionType string
	Assertion     string
}

// Authenticate verifies cred against the credential registered for
// clientID and returns the client.
//
// Shared secrets are compared through bcrypt, which compares in constant
// time. Assertions are verified against the registered JWK set and must
// name the client as both issuer and subject. A disabled client fails with
// ErrClientDisabled only after its credential checks out.
func (r *Registry) Authenticate(ctx context.Context, clientID string, cred Credential) (*storage.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		if errors.Is(err, oautherr.ErrUnknownClient) && cred.Secret != "" {
			_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(cred.Secret))
		}
		return nil, err
	}

	switch client.Credential.Kind {
	case storage.CredentialSharedSecret:
		err = r.verifySecret(client, cred)
	case storage.CredentialPublicKey:
		err = r.verifyAssertion(client, cred)
	default:
		slog.Error("client has an unknown credential kind", "client_id", clientID, "kind", string(client.Credential.Kind))
		err = fmt.Errorf("%w: unsupported credential kind", oautherr.ErrInvalidClientCredential)
	}
	if err != nil {
		slog.Debug("client authentication failed", "client_id", clientID, "error", err)
		return nil, err
	}

	if !client.Enabled {
		return nil, fmt.Errorf("%w: %s", oautherr.ErrClientDisabled, clientID)
	}
	return client, nil
}

func (*Registry) verifySecret(client *storage.Client, cred Credential) error {
	if cred.Assertion != "" {
		return fmt.Errorf("%w: client is registered for secret authentication", oautherr.ErrInvalidClientCredential)
	}
	if cred.Secret == "" {
		return fmt.Errorf("%w: missing client secret", oautherr.ErrInvalidClientCredential)
	}
	if err := bcrypt.CompareHashAndPassword(client.Credential.SecretHash, []byte(cred.Secret)); err != nil {
		return fmt.Errorf("%w: secret mismatch", oautherr.ErrInvalidClientCredential)
	}
	return nil
}

func (r *Registry) verifyAssertion(client *storage.Client, cred Credential) error {
	if cred.Secret != "" {
		return fmt.Errorf("%w: client is registered for private_key_jwt authentication", oautherr.ErrInvalidClientCredential)
	}
	if cred.AssertionType != AssertionTypeJWTBearer || cred.Assertion == "" {
		return fmt.Errorf("%w: missing or unsupported client assertion", oautherr.ErrInvalidClientCredential)
	}
	if len(r.cfg.AssertionAudiences) == 0 {
		slog.Warn("client assertion rejected: no assertion audiences configured", "client_id", client.ID)
		return fmt.Errorf("%w: assertions are not accepted", oautherr.ErrInvalidClientCredential)
	}

	tok, err := jwt.ParseSigned(cred.Assertion, assertionAlgorithms)
	if err != nil {
		return fmt.Errorf("%w: unparseable assertion", oautherr.ErrInvalidClientCredential)
	}

	set, err := parsePublicKeys(client.Credential.PublicKeys)
	if err != nil {
		slog.Error("registered public keys are unusable", "client_id", client.ID)
		return fmt.Errorf("%w: no usable public key", oautherr.ErrInvalidClientCredential)
	}

	candidates := set.Keys
	if kid := tok.Headers[0].KeyID; kid != "" {
		candidates = set.Key(kid)
	}

	var claims jwt.Claims
	verified := false
	for _, key := range candidates {
		if err := tok.Claims(key.Key, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return fmt.Errorf("%w: assertion signature does not verify", oautherr.ErrInvalidClientCredential)
	}

	if claims.Expiry == nil {
		return fmt.Errorf("%w: assertion has no exp", oautherr.ErrInvalidClientCredential)
	}
	expected := jwt.Expected{
		Issuer:      client.ID,
		Subject:     client.ID,
		AnyAudience: jwt.Audience(r.cfg.AssertionAudiences),
		Time:        r.clock.Now(),
	}
	if err := claims.ValidateWithLeeway(expected, r.cfg.ClockSkew); err != nil {
		return fmt.Errorf("%w: assertion claims rejected: %w", oautherr.ErrInvalidClientCredential, err)
	}
	return nil
}

// AssertionClientID reads the issuer of an unverified client assertion. It
// serves token requests that authenticate with private_key_jwt and omit
// client_id; the assertion is still fully verified by Authenticate.
func AssertionClientID(assertion string) (string, error) {
	tok, err := jwt.ParseSigned(assertion, assertionAlgorithms)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable assertion", oautherr.ErrInvalidClientCredential)
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", fmt.Errorf("%w: unparseable assertion", oautherr.ErrInvalidClientCredential)
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("%w: assertion has no iss", oautherr.ErrInvalidClientCredential)
	}
	return claims.Issuer, nil
}

// AssertionAlgorithms returns the names of the algorithms accepted on client
// assertions.
func AssertionAlgorithms() []string {
	out := make([]string, 0, len(assertionAlgorithms))
	for _, alg := range assertionAlgorithms {
		out = append(out, string(alg))
	}
	return out
}
