// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

// PKCEMethodS256 is the only accepted code challenge method (RFC 7636).
const PKCEMethodS256 = "S256"

// ComputePKCEChallenge computes the S256 code_challenge for verifier.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func validateCodeChallenge(challenge, method string, required bool) error {
	if challenge == "" {
		if method != "" {
			return oautherr.WithHint(oautherr.ErrInvalidRequest, "code_challenge_method given without code_challenge.")
		}
		if required {
			return oautherr.WithHint(oautherr.ErrInvalidRequest, "code_challenge is required.")
		}
		return nil
	}
	if method != PKCEMethodS256 {
		return oautherr.WithHint(oautherr.ErrInvalidRequest, "code_challenge_method must be S256.")
	}
	if !validVerifierSyntax(challenge) {
		return oautherr.WithHint(oautherr.ErrInvalidRequest, "code_challenge is malformed.")
	}
	return nil
}

func verifyPKCE(challenge, verifier string) error {
	switch {
	case challenge == "" && verifier == "":
		return nil
	case challenge == "":
		return fmt.Errorf("%w: code_verifier sent for a code issued without a challenge", oautherr.ErrInvalidGrant)
	case verifier == "":
		return fmt.Errorf("%w: missing code_verifier", oautherr.ErrInvalidGrant)
	case !validVerifierSyntax(verifier):
		return fmt.Errorf("%w: malformed code_verifier", oautherr.ErrInvalidGrant)
	}
	computed := ComputePKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("%w: code_verifier does not match", oautherr.ErrInvalidGrant)
	}
	return nil
}

// validVerifierSyntax checks the RFC 7636 unreserved-character syntax and
// length shared by verifiers and S256 challenges.
func validVerifierSyntax(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
