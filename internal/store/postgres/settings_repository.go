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
)

// SettingsRepository implements settings.Repository over the configuration table
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetByNames returns the enabled rows among names. Disabled and missing rows
// are absent from the result.
func (r *SettingsRepository) GetByNames(ctx context.Context, names []string) (map[string]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT name, value FROM configuration
		WHERE enabled AND name = ANY($1)
	`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(names))
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate configuration: %w", err)
	}
	return values, nil
}
