// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
)

// TokenHandler handles POST /oauth/token requests for the
// authorization_code and refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	basic := usesBasicAuth(req)

	if err := parseForm(w, req); err != nil {
		writeOAuthError(w, err, basic)
		return
	}
	creds, err := readClientCredentials(req)
	if err != nil {
		writeOAuthError(w, err, basic)
		return
	}

	form := req.PostForm
	var resp *token.Response
	switch grantType := form.Get("grant_type"); grantType {
	case string(fosite.GrantTypeAuthorizationCode):
		code := form.Get("code")
		if code == "" {
			writeOAuthError(w, missingParameter("code"), basic)
			return
		}
		resp, err = h.tokens.ExchangeCode(ctx, code, creds.clientID, creds.cred, token.ExchangeOptions{
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		})
	case string(fosite.GrantTypeRefreshToken):
		refreshToken := form.Get("refresh_token")
		if refreshToken == "" {
			writeOAuthError(w, missingParameter("refresh_token"), basic)
			return
		}
		resp, err = h.tokens.Refresh(ctx, refreshToken, creds.clientID, creds.cred, strings.Fields(form.Get("scope")))
	case "":
		err = missingParameter("grant_type")
	default:
		err = fosite.ErrUnsupportedGrantType
	}
	if err != nil {
		writeOAuthError(w, err, basic)
		return
	}

	writeNoStore(w, http.StatusOK, resp)
}

func missingParameter(name string) error {
	return oautherr.WithHint(oautherr.ErrInvalidRequest, "The "+name+" parameter is required.")
}
