// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
)

// AuthorizeHandler handles GET /oauth/authorize requests.
//
// The client and redirect URI are resolved first. Until both are trusted,
// errors are rendered locally and the user agent is never redirected. After
// that, errors are returned to the client on its redirect URI with the
// request's state.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	client, err := h.clients.Lookup(ctx, q.Get("client_id"))
	if err != nil {
		renderAuthorizeError(w, err)
		return
	}
	redirectURI, err := clients.ResolveRedirect(client, q.Get("redirect_uri"))
	if err != nil {
		renderAuthorizeError(w, err)
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		h.redirectError(w, req, redirectURI, state, fosite.ErrUnsupportedResponseType)
		return
	}

	subject := req.Header.Get(h.cfg.SubjectHeader)
	if subject == "" {
		h.redirectError(w, req, redirectURI, state, fosite.ErrLoginRequired)
		return
	}

	code, err := h.tokens.IssueAuthorizationCode(ctx, token.AuthorizationRequest{
		ClientID:            client.ID,
		Subject:             subject,
		RedirectURI:         redirectURI,
		RedirectURIExplicit: q.Get("redirect_uri") != "",
		Scopes:              strings.Fields(q.Get("scope")),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		h.redirectError(w, req, redirectURI, state, err)
		return
	}

	redirectTo(w, req, redirectURI, url.Values{
		"code":  {code},
		"state": {state},
		"iss":   {h.cfg.Issuer},
	})
}

// redirectError sends err to the client's redirect URI (RFC 6749 section 4.1.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, req *http.Request, redirectURI, state string, err error) {
	rfcErr := oautherr.ToRFC6749(err)
	if rfcErr.CodeField >= http.StatusInternalServerError {
		slog.Error("authorization request failed", "error", err)
	}
	// invalid_client is not an authorization endpoint error code.
	if rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField {
		rfcErr = fosite.ErrUnauthorizedClient
	}
	redirectTo(w, req, redirectURI, url.Values{
		"error":             {rfcErr.ErrorField},
		"error_description": {rfcErr.GetDescription()},
		"state":             {state},
		"iss":               {h.cfg.Issuer},
	})
}

// renderAuthorizeError writes an error page for requests whose client or
// redirect URI cannot be trusted.
func renderAuthorizeError(w http.ResponseWriter, err error) {
	rfcErr := oautherr.ToRFC6749(err)
	status := rfcErr.CodeField
	if status == http.StatusUnauthorized {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		slog.Error("authorization request failed", "error", err)
	}
	writeNoStore(w, status, errorResponse{
		Error:       rfcErr.ErrorField,
		Description: rfcErr.GetDescription(),
	})
}

// redirectTo redirects to target with params added to its query. Empty
// values are omitted.
func redirectTo(w http.ResponseWriter, req *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		slog.Error("registered redirect URI does not parse", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				q.Set(key, v)
			}
		}
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, req, u.String(), http.StatusFound)
}
