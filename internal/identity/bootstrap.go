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
	"fmt"
	"os"

	"github.com/lemonade/thorn/internal/audit"
)

const (
	EnvBootstrapAdminLogin    = "THORN_BOOTSTRAP_ADMIN_LOGIN"
	EnvBootstrapAdminEmail    = "THORN_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "THORN_BOOTSTRAP_ADMIN_PASSWORD"

	// AdministratorRoleID is the administrator role seeded by the initial migration
	AdministratorRoleID int64 = 1
)

// BootstrapService creates the first local administrator
type BootstrapService struct {
	users       UserRepository
	roles       RoleRepository
	hasher      *PasswordHasher
	auditLogger audit.Logger
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(users UserRepository, roles RoleRepository, hasher *PasswordHasher, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		users:       users,
		roles:       roles,
		hasher:      hasher,
		auditLogger: auditLogger,
	}
}

// Bootstrap creates an INTERNAL administrator from the THORN_BOOTSTRAP_ADMIN_*
// variables. It is a no-op when the variables are unset or the login exists.
func (s *BootstrapService) Bootstrap(ctx context.Context) (bool, error) {
	login := os.Getenv(EnvBootstrapAdminLogin)
	password := os.Getenv(EnvBootstrapAdminPassword)
	if login == "" {
		return false, nil
	}
	if password == "" {
		return false, fmt.Errorf("%s is required when %s is set", EnvBootstrapAdminPassword, EnvBootstrapAdminLogin)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return false, err
	}

	email := os.Getenv(EnvBootstrapAdminEmail)
	if email == "" {
		email = login
	}

	user, created, err := s.users.CreateIfNotExists(ctx, &User{
		Login:              login,
		Email:              email,
		FirstName:          "Admin",
		Locale:             "pt",
		Enabled:            true,
		Status:             StatusEnabled,
		AuthenticationType: AuthInternal,
		EncryptedPassword:  hash,
		Notes:              "Bootstrap administrator",
	})
	if err != nil {
		return false, fmt.Errorf("failed to create bootstrap admin: %w", err)
	}
	if !created {
		return false, nil
	}

	if err := s.roles.Assign(ctx, user.ID, []int64{AdministratorRoleID}); err != nil {
		return false, fmt.Errorf("failed to grant administrator role during bootstrap: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserProvisioned,
		ActorID:  "system:bootstrap",
		Resource: "user",
		Metadata: map[string]any{"login": login, "role_id": AdministratorRoleID},
	})
	return true, nil
}
