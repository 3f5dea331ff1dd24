// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

// maxAdminBodySize bounds admin request bodies.
const maxAdminBodySize = 64 * 1024

// handlerWithError is an HTTP handler that returns its error so that
// errorHandler can write the response.
type handlerWithError func(http.ResponseWriter, *http.Request) error

// errorHandler converts a returned error into a response using the status
// carried by the error. Server errors are logged and answered generically.
func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := httperr.Code(err)
		if errors.Is(err, oautherr.ErrUnknownClient) {
			code = http.StatusNotFound
		}
		if code >= http.StatusInternalServerError {
			slog.Error("admin request failed", "path", r.URL.Path, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}

// requireAdminToken rejects requests without the configured bearer token.
func (h *Handler) requireAdminToken(next http.Handler) http.Handler {
	want := []byte(h.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ltiauth-admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// updateClientRequest is the body of PATCH /admin/clients/{id}.
type updateClientRequest struct {
	DisplayName   *string         `json:"display_name,omitempty"`
	RedirectURIs  []string        `json:"redirect_uris,omitempty"`
	AllowedScopes []string        `json:"allowed_scopes,omitempty"`
	Secret        *string         `json:"secret,omitempty"`
	PublicKeys    json.RawMessage `json:"public_keys,omitempty"`
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request) error {
	list, err := h.admin.ListClients(r.Context())
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, list)
}

func (h *Handler) registerClient(w http.ResponseWriter, r *http.Request) error {
	var reg clients.Registration
	if err := decodeAdminBody(w, r, &reg); err != nil {
		return err
	}
	res, err := h.admin.RegisterClient(r.Context(), reg)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/admin/clients/"+res.Client.ClientID)
	return writeAdminJSON(w, http.StatusCreated, res)
}

func (h *Handler) getClient(w http.ResponseWriter, r *http.Request) error {
	view, err := h.admin.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, view)
}

func (h *Handler) updateClient(w http.ResponseWriter, r *http.Request) error {
	var body updateClientRequest
	if err := decodeAdminBody(w, r, &body); err != nil {
		return err
	}
	res, err := h.admin.UpdateClient(r.Context(), chi.URLParam(r, "id"), clients.Update{
		DisplayName:   body.DisplayName,
		RedirectURIs:  body.RedirectURIs,
		AllowedScopes: body.AllowedScopes,
		Secret:        body.Secret,
		PublicKeys:    body.PublicKeys,
	})
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, res)
}

func (h *Handler) disableClient(w http.ResponseWriter, r *http.Request) error {
	view, err := h.admin.DisableClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, view)
}

func (h *Handler) enableClient(w http.ResponseWriter, r *http.Request) error {
	view, err := h.admin.EnableClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, view)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) error {
	list, err := h.admin.ListKeys(r.Context())
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, list)
}

func (h *Handler) rotateKeys(w http.ResponseWriter, r *http.Request) error {
	key, err := h.admin.RotateKeys(r.Context())
	if err != nil {
		return err
	}
	return writeAdminJSON(w, http.StatusOK, key)
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return httperr.WithCode(errors.New("content type must be application/json"), http.StatusUnsupportedMediaType)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return httperr.WithCode(errors.New("invalid JSON request body"), http.StatusBadRequest)
	}
	return nil
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode admin response", "error", err)
	}
	return nil
}
