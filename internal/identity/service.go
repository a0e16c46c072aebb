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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/observability/logger"
)

// ServiceConfig controls provisioning of externally authenticated users
type ServiceConfig struct {
	DefaultLocale  string
	DefaultRoleIDs []int64
}

// Service provides identity-related business logic
type Service struct {
	users       UserRepository
	roles       RoleRepository
	hasher      *PasswordHasher
	directory   Directory
	auditLogger audit.Logger
	logger      *slog.Logger
	cfg         ServiceConfig
}

// NewService creates a new identity service. A nil directory disables
// directory-backed login and provisioning.
func NewService(
	users UserRepository,
	roles RoleRepository,
	hasher *PasswordHasher,
	directory Directory,
	auditLogger audit.Logger,
	cfg ServiceConfig,
) *Service {
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "pt"
	}
	return &Service{
		users:       users,
		roles:       roles,
		hasher:      hasher,
		directory:   directory,
		auditLogger: auditLogger,
		logger:      slog.Default().With(logger.Component("identity")),
		cfg:         cfg,
	}
}

// Users exposes the user repository to collaborators sharing this service
func (s *Service) Users() UserRepository {
	return s.users
}

// Authenticate verifies a login/password pair
func (s *Service) Authenticate(ctx context.Context, login, password string) (*User, error) {
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByLogin(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		return s.authenticateNewDirectoryUser(ctx, login, password)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "user lookup failed", logger.Login(login), logger.Error(err))
		return nil, ErrInvalidCredentials
	}

	if !user.Enabled {
		s.loginFailed(ctx, login, "user_disabled")
		return nil, ErrUserDisabled
	}
	if user.Status != StatusEnabled {
		s.loginFailed(ctx, login, "status_"+string(user.Status))
		return nil, ErrInvalidCredentials
	}

	switch user.AuthenticationType {
	case AuthInternal:
		ok, err := s.hasher.Verify(password, user.EncryptedPassword)
		if err != nil {
			s.logger.WarnContext(ctx, "stored password hash unreadable", logger.UserID(user.ID), logger.Error(err))
		}
		if !ok {
			s.loginFailed(ctx, login, "invalid_password")
			return nil, ErrInvalidCredentials
		}
	case AuthLDAP:
		entry, err := s.bind(ctx, login, password)
		if err != nil || entry == nil {
			s.loginFailed(ctx, login, "directory_rejected")
			return nil, ErrInvalidCredentials
		}
	default:
		s.logger.WarnContext(ctx, "unsupported authentication type",
			logger.UserID(user.ID), logger.AuthType(string(user.AuthenticationType)))
		s.loginFailed(ctx, login, "unsupported_authentication_type")
		return nil, ErrUnsupportedAuthType
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginSuccess,
		ActorID:  fmt.Sprint(user.ID),
		Resource: "login",
		Metadata: map[string]any{"authentication_type": string(user.AuthenticationType)},
	})
	return user, nil
}

// authenticateNewDirectoryUser provisions a user on first successful directory bind
func (s *Service) authenticateNewDirectoryUser(ctx context.Context, login, password string) (*User, error) {
	if s.directory == nil {
		s.loginFailed(ctx, login, "user_not_found")
		return nil, ErrInvalidCredentials
	}

	entry, err := s.bind(ctx, login, password)
	if err != nil || entry == nil {
		s.loginFailed(ctx, login, "directory_rejected")
		return nil, ErrInvalidCredentials
	}

	first, last := entry.Names()
	user, err := s.Provision(ctx, &User{
		Login:              login,
		Email:              entry.Email,
		FirstName:          first,
		LastName:           last,
		AuthenticationType: AuthLDAP,
		Notes:              "LDAP User",
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to provision directory user", logger.Login(login), logger.Error(err))
		return nil, ErrInvalidCredentials
	}
	if user.AuthenticationType != AuthLDAP || !user.Active() {
		s.loginFailed(ctx, login, "login_conflict")
		return nil, ErrInvalidCredentials
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginSuccess,
		ActorID:  fmt.Sprint(user.ID),
		Resource: "login",
		Metadata: map[string]any{"authentication_type": string(AuthLDAP), "provisioned": true},
	})
	return user, nil
}

// Provision stores an externally authenticated user unless the login already
// exists, in which case the stored row is returned unchanged. New users get a
// placeholder password nobody knows and the configured default roles.
func (s *Service) Provision(ctx context.Context, user *User) (*User, error) {
	placeholder, err := s.hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}
	user.EncryptedPassword = placeholder
	user.Enabled = true
	user.Status = StatusEnabled
	if user.Locale == "" {
		user.Locale = s.cfg.DefaultLocale
	}

	stored, created, err := s.users.CreateIfNotExists(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		return stored, nil
	}

	if len(s.cfg.DefaultRoleIDs) > 0 {
		if err := s.roles.Assign(ctx, stored.ID, s.cfg.DefaultRoleIDs); err != nil {
			return nil, fmt.Errorf("failed to assign default roles: %w", err)
		}
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserProvisioned,
		ActorID:  fmt.Sprint(stored.ID),
		Resource: "user",
		Metadata: map[string]any{
			"login":               stored.Login,
			"authentication_type": string(stored.AuthenticationType),
			"default_roles":       s.cfg.DefaultRoleIDs,
		},
	})
	return stored, nil
}

// Principal resolves the user's effective roles
func (s *Service) Principal(ctx context.Context, user *User) (*Principal, error) {
	return ResolvePrincipal(ctx, s.roles, user)
}

func (s *Service) bind(ctx context.Context, login, password string) (*DirectoryEntry, error) {
	if s.directory == nil {
		return nil, nil
	}
	return s.directory.BindAndSearch(ctx, login, password)
}

func (s *Service) loginFailed(ctx context.Context, login, reason string) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginFailed,
		ActorID:  login,
		Resource: "login",
		Metadata: map[string]any{"reason": reason},
	})
}
