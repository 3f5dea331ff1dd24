// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

// clientCredentials are the client authentication parameters of a request.
type clientCredentials struct {
	clientID string
	cred     clients.Credential
	// basic is set when HTTP Basic authentication was used.
	basic bool
}

var errMultipleAuthMethods = oautherr.WithHint(oautherr.ErrInvalidRequest,
	"The request uses more than one client authentication method.")

// readClientCredentials extracts client_secret_basic, client_secret_post or
// private_key_jwt credentials from a parsed request. Using more than one
// method is rejected (RFC 6749 section 2.3).
func readClientCredentials(req *http.Request) (*clientCredentials, error) {
	form := req.PostForm
	formID := form.Get("client_id")
	formSecret := form.Get("client_secret")
	assertionType := form.Get("client_assertion_type")
	assertion := form.Get("client_assertion")

	if id, secret, ok := req.BasicAuth(); ok {
		if formSecret != "" || assertion != "" {
			return nil, errMultipleAuthMethods
		}
		// Basic credentials are form-urlencoded before base64 (RFC 6749 section 2.3.1).
		id, errID := url.QueryUnescape(id)
		secret, errSecret := url.QueryUnescape(secret)
		if errID != nil || errSecret != nil {
			return nil, fmt.Errorf("%w: malformed basic credentials", oautherr.ErrInvalidClientCredential)
		}
		if formID != "" && formID != id {
			return nil, oautherr.WithHint(oautherr.ErrInvalidRequest, "client_id does not match the authenticated client.")
		}
		return &clientCredentials{clientID: id, cred: clients.Credential{Secret: secret}, basic: true}, nil
	}

	if assertionType != "" || assertion != "" {
		if formSecret != "" {
			return nil, errMultipleAuthMethods
		}
		id := formID
		if id == "" {
			var err error
			if id, err = clients.AssertionClientID(assertion); err != nil {
				return nil, err
			}
		}
		return &clientCredentials{
			clientID: id,
			cred:     clients.Credential{AssertionType: assertionType, Assertion: assertion},
		}, nil
	}

	if formID == "" {
		return nil, fmt.Errorf("%w: client authentication is required", oautherr.ErrInvalidClientCredential)
	}
	return &clientCredentials{clientID: formID, cred: clients.Credential{Secret: formSecret}}, nil
}

// usesBasicAuth reports whether the request carries HTTP Basic credentials.
func usesBasicAuth(req *http.Request) bool {
	scheme, _, _ := strings.Cut(req.Header.Get("Authorization"), " ")
	return strings.EqualFold(scheme, "Basic")
}
