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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lemonade/thorn/internal/identity"
)

const userColumns = `
	id, login, email, enabled, status, authentication_type, encrypted_password,
	reset_password_token, reset_password_sent_at, first_name, last_name, locale,
	notes, api_token, workspace_id, created_at, updated_at`

// UserRepository implements identity.UserRepository
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*identity.User, error) {
	var user identity.User
	var status, authType string
	err := row.Scan(
		&user.ID, &user.Login, &user.Email, &user.Enabled, &status, &authType, &user.EncryptedPassword,
		&user.ResetPasswordToken, &user.ResetPasswordSentAt, &user.FirstName, &user.LastName, &user.Locale,
		&user.Notes, &user.APIToken, &user.WorkspaceID, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Status = identity.UserStatus(status)
	user.AuthenticationType = identity.AuthenticationType(authType)
	return &user, nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (*identity.User, error) {
	user, err := scanUser(r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM "user" WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*identity.User, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByLogin retrieves a user by login
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (*identity.User, error) {
	return r.getOne(ctx, "login = $1", login)
}

// GetByAPIToken retrieves a user by exact API token
func (r *UserRepository) GetByAPIToken(ctx context.Context, token string) (*identity.User, error) {
	if token == "" {
		return nil, identity.ErrUserNotFound
	}
	return r.getOne(ctx, "api_token = $1", token)
}

// CreateIfNotExists inserts the user unless the login already exists.
// The existing row is returned with created=false when it does.
func (r *UserRepository) CreateIfNotExists(ctx context.Context, user *identity.User) (*identity.User, bool, error) {
	now := time.Now()
	stored, err := scanUser(r.db.pool.QueryRow(ctx, `
		INSERT INTO "user" (
			login, email, enabled, status, authentication_type, encrypted_password,
			first_name, last_name, locale, notes, api_token, workspace_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (login) DO NOTHING
		RETURNING `+userColumns,
		user.Login, user.Email, user.Enabled, string(user.Status), string(user.AuthenticationType),
		user.EncryptedPassword, user.FirstName, user.LastName, user.Locale, user.Notes,
		user.APIToken, user.WorkspaceID, now, now,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert user: %w", err)
	}

	existing, err := r.GetByLogin(ctx, user.Login)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateProfile updates login, email and name fields
func (r *UserRepository) UpdateProfile(ctx context.Context, user *identity.User) error {
	now := time.Now()
	result, err := r.db.pool.Exec(ctx, `
		UPDATE "user"
		SET login = $2, email = $3, first_name = $4, last_name = $5, updated_at = $6
		WHERE id = $1
	`, user.ID, user.Login, user.Email, user.FirstName, user.LastName, now)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}

	user.UpdatedAt = now
	return nil
}
