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
	"strings"
	"time"
)

// Domain errors
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserDisabled        = errors.New("user disabled")
	ErrUnsupportedAuthType = errors.New("unsupported authentication type")
)

// AuthenticationType selects how a user's credentials are verified
type AuthenticationType string

const (
	AuthInternal AuthenticationType = "INTERNAL"
	AuthLDAP     AuthenticationType = "LDAP"
	AuthOpenID   AuthenticationType = "OPENID"
	AuthAD       AuthenticationType = "AD"
)

// UserStatus is the lifecycle state of an account
type UserStatus string

const (
	StatusEnabled         UserStatus = "ENABLED"
	StatusDeleted         UserStatus = "DELETED"
	StatusPendingApproval UserStatus = "PENDING_APPROVAL"
)

// User represents a user identity in the platform
type User struct {
	ID                  int64
	Login               string
	Email               string
	FirstName           string
	LastName            string
	Locale              string
	Enabled             bool
	Status              UserStatus
	AuthenticationType  AuthenticationType
	EncryptedPassword   string
	APIToken            *string
	ResetPasswordToken  *string
	ResetPasswordSentAt *time.Time
	WorkspaceID         *int64
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FullName joins first and last name, omitting an empty last name
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Active reports whether the account may authenticate at all.
// Both the enabled flag and the ENABLED status are required.
func (u *User) Active() bool {
	return u.Enabled && u.Status == StatusEnabled
}

// UserRepository defines the interface for user persistence
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	GetByAPIToken(ctx context.Context, token string) (*User, error)

	// CreateIfNotExists inserts user unless the login is taken. It returns the
	// stored row and whether this call created it.
	CreateIfNotExists(ctx context.Context, user *User) (*User, bool, error)

	// UpdateProfile persists login, email, first and last name
	UpdateProfile(ctx context.Context, user *User) error
}
