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

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lemonade/thorn/internal/identity"
)

// Outbound identity headers consumed by downstream services
const (
	HeaderUserID      = "X-User-Id"
	HeaderPermissions = "X-Permissions"
	HeaderRoles       = "X-Roles"
	HeaderLocale      = "X-Locale"
	HeaderUserData    = "X-User-Data"
)

// Fixed identity asserted for callers presenting the shared secret
const (
	adminUserID = 1
	adminLogin  = "admin"
	adminEmail  = "admin@lemonade.org.br"
	adminLocale = "pt"
)

// adminPrincipal is the synthetic administrator used by the shared-secret bypass
func adminPrincipal() *identity.Principal {
	user := &identity.User{
		ID:                 adminUserID,
		Login:              adminLogin,
		Email:              adminEmail,
		FirstName:          "Admin",
		LastName:           "Lemonade",
		Locale:             adminLocale,
		Enabled:            true,
		Status:             identity.StatusEnabled,
		AuthenticationType: identity.AuthInternal,
	}
	role := identity.Role{
		ID:      identity.AdministratorRoleID,
		Name:    "admin",
		Enabled: true,
		Permissions: []identity.Permission{
			{Name: identity.PermissionAdministrator, Enabled: true},
		},
	}
	return identity.NewPrincipal(user, []identity.Role{role}, nil)
}

// identityHeaders renders the result payload for a principal
func identityHeaders(p *identity.Principal) http.Header {
	u := p.User
	h := http.Header{}
	h.Set(HeaderUserID, strconv.FormatInt(u.ID, 10))
	h.Set(HeaderPermissions, strings.Join(p.PermissionNames(), ","))
	h.Set(HeaderRoles, strings.Join(p.RoleIDs(), ","))
	h.Set(HeaderLocale, u.Locale)
	h.Set(HeaderUserData, fmt.Sprintf("%s;%s;%s;%s", u.Login, u.Email, u.FullName(), u.Locale))
	return h
}
