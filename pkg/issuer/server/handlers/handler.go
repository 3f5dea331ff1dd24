// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/ltiauth/pkg/issuer/admin"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
	"github.com/stacklok/ltiauth/pkg/issuer/validation"
)

// DefaultSubjectHeader is the request header trusted to carry the
// authenticated end-user subject on authorization requests.
const DefaultSubjectHeader = "X-Authenticated-User"

// maxFormBodySize bounds form-encoded request bodies.
const maxFormBodySize = 64 * 1024

// TokenService issues, exchanges, refreshes and revokes tokens.
type TokenService interface {
	IssueAuthorizationCode(ctx context.Context, req token.AuthorizationRequest) (string, error)
	ExchangeCode(ctx context.Context, code, clientID string, cred clients.Credential, opts token.ExchangeOptions) (*token.Response, error)
	Refresh(ctx context.Context, refreshToken, clientID string, cred clients.Credential, scopes []string) (*token.Response, error)
	Revoke(ctx context.Context, tok, clientID string, cred clients.Credential) error
}

// ClientDirectory resolves and authenticates clients.
type ClientDirectory interface {
	Lookup(ctx context.Context, clientID string) (*storage.Client, error)
	Authenticate(ctx context.Context, clientID string, cred clients.Credential) (*storage.Client, error)
}

// KeyPublisher provides the published verification keys.
type KeyPublisher interface {
	JWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// TokenInspector validates tokens issued by this server.
type TokenInspector interface {
	ValidateIssued(ctx context.Context, token string) (*validation.Claims, error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config configures a Handler.
type Config struct {
	// Issuer is the issuer identifier; endpoint URLs are derived from it.
	Issuer string

	// SubjectHeader is the trusted header carrying the end-user subject.
	SubjectHeader string

	// AdminToken guards the /admin routes. Empty disables them.
	AdminToken string
}

// Deps are the components served by a Handler. Admin, Health, Metrics and
// Middleware are optional.
type Deps struct {
	Tokens    TokenService
	Clients   ClientDirectory
	Keys      KeyPublisher
	Inspector TokenInspector
	Admin     *admin.Service
	Health    HealthChecker
	Metrics   http.Handler

	// Middleware wraps every route, after request ids and panic recovery.
	Middleware []func(http.Handler) http.Handler
}

// Handler provides HTTP handlers for the issuer endpoints.
type Handler struct {
	cfg       Config
	tokens    TokenService
	clients   ClientDirectory
	keys      KeyPublisher
	inspector TokenInspector
	admin     *admin.Service
	health    HealthChecker
	metrics   http.Handler
	mws       []func(http.Handler) http.Handler
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if _, err := url.Parse(cfg.Issuer); err != nil {
		return nil, err
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.SubjectHeader == "" {
		cfg.SubjectHeader = DefaultSubjectHeader
	}
	if deps.Tokens == nil || deps.Clients == nil || deps.Keys == nil || deps.Inspector == nil {
		return nil, errors.New("token service, client directory, key publisher and token inspector are required")
	}
	return &Handler{
		cfg:       cfg,
		tokens:    deps.Tokens,
		clients:   deps.Clients,
		keys:      deps.Keys,
		inspector: deps.Inspector,
		admin:     deps.Admin,
		health:    deps.Health,
		metrics:   deps.Metrics,
		mws:       deps.Middleware,
	}, nil
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(h.mws...)

	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	h.AdminRoutes(r)

	if h.health != nil {
		r.Get("/healthz", h.HealthHandler)
	}
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
	r.Post("/oauth/introspect", h.IntrospectHandler)
}

// WellKnownRoutes registers the JWKS and discovery endpoints. Both discovery
// documents are served: RFC 8414 for OAuth clients and OIDC Discovery 1.0
// for OIDC relying parties such as LTI tools.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// AdminRoutes mounts the administrative API under /admin when both an admin
// service and an admin token are configured.
func (h *Handler) AdminRoutes(r chi.Router) {
	if h.admin == nil || h.cfg.AdminToken == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdminToken)
		r.Get("/clients", errorHandler(h.listClients))
		r.Post("/clients", errorHandler(h.registerClient))
		r.Get("/clients/{id}", errorHandler(h.getClient))
		r.Patch("/clients/{id}", errorHandler(h.updateClient))
		r.Post("/clients/{id}/disable", errorHandler(h.disableClient))
		r.Post("/clients/{id}/enable", errorHandler(h.enableClient))
		r.Get("/keys", errorHandler(h.listKeys))
		r.Post("/keys/rotate", errorHandler(h.rotateKeys))
	})
}

func (h *Handler) endpoint(path string) string {
	return h.cfg.Issuer + path
}
