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

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/authz"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/token"
)

// Evaluator answers proxy auth subrequests
type Evaluator interface {
	Evaluate(ctx context.Context, req *gateway.Request) gateway.Verdict
}

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	evaluator   Evaluator
	identities  *identity.Service
	legacy      *token.LegacyCodec
	keys        *token.KeyCache
	auditLogger audit.Logger
	health      HealthChecker
}

// NewHandler creates a new HTTP handler
func NewHandler(
	evaluator Evaluator,
	identities *identity.Service,
	legacy *token.LegacyCodec,
	keys *token.KeyCache,
	auditLogger audit.Logger,
	health HealthChecker,
) *Handler {
	return &Handler{
		evaluator:   evaluator,
		identities:  identities,
		legacy:      legacy,
		keys:        keys,
		auditLogger: auditLogger,
		health:      health,
	}
}

// NewRouter creates a new HTTP router. metrics may be nil.
func NewRouter(h *Handler, guard *authz.Guard, rateLimiter *RateLimiter, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// Proxy auth subrequest
	r.Get("/validate", h.Validate)
	r.Post("/validate", h.Validate)
	r.With(RateLimitMiddleware(rateLimiter)).Post("/auth", h.Login)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/validate", h.Validate)
			r.Post("/validate", h.Validate)
			r.With(RateLimitMiddleware(rateLimiter)).Post("/login", h.Login)
		})

		r.With(guard.RequireAuthenticated).Get("/me", h.Me)

		r.Route("/admin", func(r chi.Router) {
			r.Use(guard.RequirePermission(identity.PermissionAdministrator))
			r.Post("/keys/flush", h.FlushKeys)
		})
	})

	return r
}

// HealthCheck reports service and database health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "thorn",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "thorn",
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes the {status: ERROR, message} envelope
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"status":  "ERROR",
		"message": message,
	})
}
