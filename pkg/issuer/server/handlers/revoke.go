// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
)

// RevokeHandler handles POST /oauth/revoke requests (RFC 7009).
// Unknown tokens and tokens of other clients get a 200 like revoked ones.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
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
	tok := req.PostForm.Get("token")
	if tok == "" {
		writeOAuthError(w, missingParameter("token"), basic)
		return
	}

	if err := h.tokens.Revoke(req.Context(), tok, creds.clientID, creds.cred); err != nil {
		writeOAuthError(w, err, basic)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
