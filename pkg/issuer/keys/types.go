// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the issuer's signing keys: a versioned key set held
// in storage, an in-process snapshot used for signing and verification, and
// rotation with a retiring window for previously issued tokens.
package keys

import (
	"crypto"
	"errors"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

// DefaultAlgorithm is the default signing algorithm for generated keys.
// ES256 (ECDSA with P-256) gives RSA-3072 equivalent strength with smaller
// keys and faster signing.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned before the key set has been bootstrapped.
var ErrNoSigningKey = httperr.WithCode(errors.New("no active signing key"), http.StatusServiceUnavailable)

// SigningKeyData is a signing key with its metadata.
// It holds private key material and must not be exposed externally.
type SigningKeyData struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKeyData is the public portion of a signing key, safe to publish.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	Status    storage.KeyStatus
	CreatedAt time.Time
	DemotedAt time.Time
}
