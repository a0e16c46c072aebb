// Copyright 2026 The Thorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package authz guards the gateway's own HTTP routes with the same
// credential rules the arbitrator applies to proxied requests.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/observability/logger"
)

// ErrAccessDenied is returned when the caller lacks a permission
var ErrAccessDenied = errors.New("access denied")

type contextKey string

const principalKey contextKey = "principal"

// Authenticator resolves the caller of a direct request
type Authenticator interface {
	Authenticate(ctx context.Context, req *gateway.Request) gateway.Verdict
}

// WithPrincipal stores the authenticated principal in ctx
func WithPrincipal(ctx context.Context, p *identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal set by RequireAuthenticated, or nil
func PrincipalFrom(ctx context.Context) *identity.Principal {
	p, _ := ctx.Value(principalKey).(*identity.Principal)
	return p
}

// Allowed reports whether p holds every named permission.
// ADMINISTRATOR grants everything.
func Allowed(p *identity.Principal, permissions ...string) bool {
	if p == nil {
		return false
	}
	if p.HasPermission(identity.PermissionAdministrator) {
		return true
	}
	for _, perm := range permissions {
		if !p.HasPermission(perm) {
			return false
		}
	}
	return true
}

// Guard provides authentication and permission middleware
type Guard struct {
	auth        Authenticator
	auditLogger audit.Logger
}

// NewGuard creates a guard
func NewGuard(auth Authenticator, auditLogger audit.Logger) *Guard {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Guard{auth: auth, auditLogger: auditLogger}
}

// RequireAuthenticated rejects requests without a valid credential and puts
// the resolved principal in the request context.
func (g *Guard) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := g.auth.Authenticate(r.Context(), gateway.DirectRequest(r))
		if !v.Allowed() || v.Principal == nil {
			respondError(w, http.StatusUnauthorized, gateway.MessageInvalidAuthentication)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), v.Principal)))
	})
}

// RequirePermission authenticates the caller and requires every named
// permission. Denials are audited.
func (g *Guard) RequirePermission(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			if !Allowed(p, permissions...) {
				slog.WarnContext(r.Context(), "permission denied",
					logger.UserID(p.User.ID),
					logger.Path(r.URL.Path),
				)
				g.auditLogger.Log(r.Context(), audit.Event{
					Type:      audit.TypeAccessDenied,
					ActorID:   strconv.FormatInt(p.User.ID, 10),
					Resource:  r.URL.Path,
					IPAddress: r.RemoteAddr,
					UserAgent: r.UserAgent(),
					Metadata:  map[string]any{"required": permissions},
				})
				respondError(w, http.StatusForbidden, ErrAccessDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
