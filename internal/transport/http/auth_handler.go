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
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/authz"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/observability/logger"
)

const (
	msgInvalidLogin = "Invalid login or password."
	msgUserDisabled = "User disabled"
	maxBodyBytes    = 1 << 20
)

// LoginCredentials is the credential object of a login request.
// Email is accepted as an alias of Login.
type LoginCredentials struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest accepts {"user": {...}} or flat credentials
type LoginRequest struct {
	User *LoginCredentials `json:"user"`
	LoginCredentials
}

// RoleSummary is a role as rendered in login and /me responses
type RoleSummary struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Permissions []string `json:"permissions"`
}

// UserSummary is the user object of login and /me responses
type UserSummary struct {
	ID          int64         `json:"id"`
	Email       string        `json:"email"`
	Login       string        `json:"login"`
	Locale      string        `json:"locale"`
	WorkspaceID *int64        `json:"workspace_id"`
	Name        string        `json:"name"`
	Roles       []RoleSummary `json:"roles"`
}

// LoginResponse is returned on successful login
type LoginResponse struct {
	Status string      `json:"status"`
	Token  string      `json:"token"`
	User   UserSummary `json:"user"`
}

func summarize(p *identity.Principal) UserSummary {
	u := p.User
	s := UserSummary{
		ID:          u.ID,
		Email:       u.Email,
		Login:       u.Login,
		Locale:      u.Locale,
		WorkspaceID: u.WorkspaceID,
		Name:        u.FullName(),
		Roles:       make([]RoleSummary, 0, len(p.Roles)),
	}
	for _, r := range p.Roles {
		perms := make([]string, 0, len(r.Permissions))
		for _, perm := range r.Permissions {
			if perm.Enabled {
				perms = append(perms, perm.Name)
			}
		}
		s.Roles = append(s.Roles, RoleSummary{ID: r.ID, Name: r.Name, Label: r.Label, Permissions: perms})
	}
	return s
}

// readCredentials parses a JSON or form login body
func readCredentials(w http.ResponseWriter, r *http.Request) (login, password string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", "", err
		}
		c := req.LoginCredentials
		if req.User != nil {
			c = *req.User
		}
		login = c.Login
		if login == "" {
			login = c.Email
		}
		return login, c.Password, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	login = r.PostForm.Get("login")
	if login == "" {
		login = r.PostForm.Get("email")
	}
	return login, r.PostForm.Get("password"), nil
}

// Login authenticates local or directory credentials and issues a session token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	login, password, err := readCredentials(w, r)
	if err != nil || login == "" || password == "" {
		respondError(w, http.StatusUnauthorized, msgInvalidLogin)
		return
	}

	user, err := h.identities.Authenticate(r.Context(), login, password)
	if err != nil {
		if errors.Is(err, identity.ErrUserDisabled) {
			respondError(w, http.StatusUnauthorized, msgUserDisabled)
			return
		}
		respondError(w, http.StatusUnauthorized, msgInvalidLogin)
		return
	}

	principal, err := h.identities.Principal(r.Context(), user)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to resolve roles", logger.UserID(user.ID), logger.Error(err))
		respondError(w, http.StatusUnauthorized, msgInvalidLogin)
		return
	}

	raw, err := h.legacy.Issue(user.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue token", logger.UserID(user.ID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, LoginResponse{
		Status: "OK",
		Token:  raw,
		User:   summarize(principal),
	})
}

// Validate answers the reverse proxy's auth subrequest. Identity travels in
// response headers; the body is empty on success.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	v := h.evaluator.Evaluate(r.Context(), gateway.RequestFromHTTP(r))

	for name, values := range v.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if v.Allowed() {
		w.WriteHeader(http.StatusOK)
		return
	}
	respondError(w, v.Status, v.Message)
}

// Me returns the caller's current user summary
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFrom(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, gateway.MessageInvalidAuthentication)
		return
	}

	user, err := h.identities.Users().GetByID(r.Context(), p.User.ID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to load user", logger.UserID(p.User.ID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	current, err := h.identities.Principal(r.Context(), user)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to resolve roles", logger.UserID(user.ID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	respondJSON(w, http.StatusOK, summarize(current))
}

// FlushKeys drops every cached OpenID key set
func (h *Handler) FlushKeys(w http.ResponseWriter, r *http.Request) {
	flushed := h.keys.Len()
	h.keys.Purge()

	actor := ""
	if p := authz.PrincipalFrom(r.Context()); p != nil {
		actor = strconv.FormatInt(p.User.ID, 10)
	}
	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeKeysFlushed,
		ActorID:   actor,
		Resource:  "key_cache",
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  map[string]any{"issuers": flushed},
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "OK",
		"flushed": flushed,
	})
}
