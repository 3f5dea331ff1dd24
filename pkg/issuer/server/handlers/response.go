// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

// errorResponse is the RFC 6749 section 5.2 error body.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeOAuthError maps err to its RFC 6749 error and writes it. Only the
// fixed description of the mapped error reaches the client.
func writeOAuthError(w http.ResponseWriter, err error, basicAuth bool) {
	rfcErr := oautherr.ToRFC6749(err)
	status := rfcErr.CodeField
	if status >= http.StatusInternalServerError {
		slog.Error("oauth request failed", "error", err)
	} else {
		slog.Debug("oauth request rejected", "error_code", rfcErr.ErrorField, "reason", err)
	}

	if rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField {
		status = http.StatusUnauthorized
		if basicAuth {
			w.Header().Set("WWW-Authenticate", `Basic realm="ltiauth"`)
		}
	}
	writeNoStore(w, status, errorResponse{
		Error:       rfcErr.ErrorField,
		Description: rfcErr.GetDescription(),
	})
}

// writeNoStore writes v as JSON with the no-store cache headers required on
// token endpoint responses.
func writeNoStore(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// parseForm bounds the body size and parses the form-encoded parameters.
func parseForm(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		return oautherr.WithHint(oautherr.ErrInvalidRequest, "The request body could not be parsed.")
	}
	return nil
}
