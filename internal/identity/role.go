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
	"sort"
	"strconv"
)

// PermissionAdministrator is the capability granting full platform access
const PermissionAdministrator = "ADMINISTRATOR"

// AssetType is the kind of platform asset a permission applies to
type AssetType string

const (
	AssetDashboard               AssetType = "DASHBOARD"
	AssetDataSource              AssetType = "DATA_SOURCE"
	AssetSystem                  AssetType = "SYSTEM"
	AssetJob                     AssetType = "JOB"
	AssetDeployment              AssetType = "DEPLOYMENT"
	AssetAPI                     AssetType = "API"
	AssetApp                     AssetType = "APP"
	AssetVisualization           AssetType = "VISUALIZATION"
	AssetUser                    AssetType = "USER"
	AssetPipeline                AssetType = "PIPELINE"
	AssetPipelineRun             AssetType = "PIPELINE_RUN"
	AssetExperiment              AssetType = "EXPERIMENT"
	AssetExperimentExplorer      AssetType = "EXPERIMENT_EXPLORER"
	AssetExperimentVisualization AssetType = "EXPERIMENT_VISUALIZATION"
	AssetExperimentModel         AssetType = "EXPERIMENT_MODEL"
	AssetExperimentSQL           AssetType = "EXPERIMENT_SQL"
	AssetWorkflow                AssetType = "WORKFLOW"
)

// Permission is a named capability; names are what authorization checks compare
type Permission struct {
	ID           int64
	Name         string
	Description  string
	ApplicableTo AssetType
	Enabled      bool
}

// Role bundles permissions. AllUser roles are granted to every identity.
type Role struct {
	ID          int64
	Name        string
	Label       string
	Description string
	AllUser     bool
	System      bool
	Enabled     bool
	Permissions []Permission
}

// RoleRepository defines the interface for role persistence
type RoleRepository interface {
	// ListForUser returns the roles explicitly assigned to a user, with permissions
	ListForUser(ctx context.Context, userID int64) ([]Role, error)

	// ListAllUser returns enabled roles flagged all_user, with permissions
	ListAllUser(ctx context.Context) ([]Role, error)

	// Assign attaches roles to a user, ignoring existing assignments
	Assign(ctx context.Context, userID int64, roleIDs []int64) error
}

// Principal is a user resolved together with its effective roles
type Principal struct {
	User *User

	// Roles are the explicit assignments followed by any all_user role not
	// already assigned, deduplicated by id.
	Roles []Role

	explicit map[int64]struct{}
}

// NewPrincipal merges explicit and all_user roles. Disabled roles are dropped.
func NewPrincipal(user *User, explicit, allUser []Role) *Principal {
	p := &Principal{User: user, explicit: make(map[int64]struct{}, len(explicit))}
	seen := make(map[int64]struct{}, len(explicit)+len(allUser))

	for _, r := range explicit {
		if !r.Enabled {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		p.explicit[r.ID] = struct{}{}
		p.Roles = append(p.Roles, r)
	}
	for _, r := range allUser {
		if !r.Enabled {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		p.Roles = append(p.Roles, r)
	}
	return p
}

// PermissionNames returns the distinct enabled permission names granted by
// the explicitly assigned roles, in first-seen order.
func (p *Principal) PermissionNames() []string {
	var names []string
	seen := map[string]struct{}{}
	for _, r := range p.Roles {
		if _, ok := p.explicit[r.ID]; !ok {
			continue
		}
		for _, perm := range r.Permissions {
			if !perm.Enabled {
				continue
			}
			if _, dup := seen[perm.Name]; dup {
				continue
			}
			seen[perm.Name] = struct{}{}
			names = append(names, perm.Name)
		}
	}
	return names
}

// RoleIDs returns every effective role id as decimal strings, ascending
func (p *Principal) RoleIDs() []string {
	ids := make([]int64, 0, len(p.Roles))
	for _, r := range p.Roles {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// HasPermission reports whether the principal holds the named permission
func (p *Principal) HasPermission(name string) bool {
	for _, n := range p.PermissionNames() {
		if n == name {
			return true
		}
	}
	return false
}

// ResolvePrincipal loads a user's effective roles from the repository
func ResolvePrincipal(ctx context.Context, roles RoleRepository, user *User) (*Principal, error) {
	explicit, err := roles.ListForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	allUser, err := roles.ListAllUser(ctx)
	if err != nil {
		return nil, err
	}
	return NewPrincipal(user, explicit, allUser), nil
}
