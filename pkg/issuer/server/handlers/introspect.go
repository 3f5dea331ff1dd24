// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
)

// IntrospectionResponse is the RFC 7662 introspection response.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JWTID     string   `json:"jti,omitempty"`
}

// IntrospectHandler handles POST /oauth/introspect requests (RFC 7662).
//
// A client may only introspect access tokens issued to itself; anything
// else, including revoked, expired and ID tokens, reports active=false.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
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
	client, err := h.clients.Authenticate(ctx, creds.clientID, creds.cred)
	if err != nil {
		writeOAuthError(w, err, basic)
		return
	}
	tok := req.PostForm.Get("token")
	if tok == "" {
		writeOAuthError(w, missingParameter("token"), basic)
		return
	}

	claims, err := h.inspector.ValidateIssued(ctx, tok)
	switch {
	case errors.Is(err, oautherr.ErrBackendUnavailable):
		writeOAuthError(w, err, basic)
		return
	case err != nil:
		slog.Debug("introspected token is inactive", "client_id", client.ID, "reason", oautherr.Reason(err))
		writeNoStore(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	case claims.Type != token.AccessTokenType || claims.ClientID != client.ID:
		writeNoStore(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	writeNoStore(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: token.TokenTypeBearer,
		ExpiresAt: unix(claims.Expiry),
		IssuedAt:  unix(claims.IssuedAt),
		NotBefore: unix(claims.NotBefore),
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		JWTID:     claims.ID,
	})
}

func unix(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Time().Unix()
}
