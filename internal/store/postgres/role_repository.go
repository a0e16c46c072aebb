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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lemonade/thorn/internal/identity"
)

// RoleRepository implements identity.RoleRepository
type RoleRepository struct {
	db *DB
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// roleQuery selects roles joined with their permissions, one row per pair.
// Roles without permissions yield a single row with NULL permission columns.
const roleQuery = `
	SELECT r.id, r.name, r.label, r.description, r.all_user, r.system, r.enabled,
		p.id, p.name, p.description, p.applicable_to, p.enabled
	FROM role r
	LEFT JOIN role_permission rp ON rp.role_id = r.id
	LEFT JOIN permission p ON p.id = rp.permission_id
`

// ListForUser retrieves the roles explicitly assigned to a user
func (r *RoleRepository) ListForUser(ctx context.Context, userID int64) ([]identity.Role, error) {
	rows, err := r.db.pool.Query(ctx, roleQuery+`
		JOIN user_role ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.id, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	return collectRoles(rows)
}

// ListAllUser retrieves the enabled roles granted to every user
func (r *RoleRepository) ListAllUser(ctx context.Context) ([]identity.Role, error) {
	rows, err := r.db.pool.Query(ctx, roleQuery+`
		WHERE r.all_user AND r.enabled
		ORDER BY r.id, p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list all_user roles: %w", err)
	}
	return collectRoles(rows)
}

// Assign grants roles to a user; existing assignments are kept
func (r *RoleRepository) Assign(ctx context.Context, userID int64, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_role (user_id, role_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, userID, roleIDs)
	if err != nil {
		return fmt.Errorf("failed to assign roles: %w", err)
	}
	return nil
}

func collectRoles(rows pgx.Rows) ([]identity.Role, error) {
	defer rows.Close()

	var roles []identity.Role
	for rows.Next() {
		var role identity.Role
		var permID *int64
		var permName, permDesc, permType *string
		var permEnabled *bool
		if err := rows.Scan(
			&role.ID, &role.Name, &role.Label, &role.Description, &role.AllUser, &role.System, &role.Enabled,
			&permID, &permName, &permDesc, &permType, &permEnabled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}

		if n := len(roles); n == 0 || roles[n-1].ID != role.ID {
			roles = append(roles, role)
		}
		if permID != nil {
			last := &roles[len(roles)-1]
			last.Permissions = append(last.Permissions, identity.Permission{
				ID:           *permID,
				Name:         *permName,
				Description:  *permDesc,
				ApplicableTo: identity.AssetType(*permType),
				Enabled:      *permEnabled,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}
