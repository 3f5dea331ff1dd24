// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the issuer.
//
// Endpoints:
//   - GET  /.well-known/jwks.json                    published signing keys
//   - GET  /.well-known/oauth-authorization-server   RFC 8414 metadata
//   - GET  /.well-known/openid-configuration         OIDC discovery
//   - GET  /oauth/authorize                          authorization code issuance
//   - POST /oauth/token                              code exchange and refresh
//   - POST /oauth/revoke                             RFC 7009 revocation
//   - POST /oauth/introspect                         RFC 7662 introspection
//   - /admin/...                                     client and key administration
//   - GET  /healthz                                  backend health
//
// The end user is authenticated upstream of this server. The authorize
// endpoint trusts a configured request header to carry the subject, so it
// must only be reachable through the component that sets that header.
package handlers
