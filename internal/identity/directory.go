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
	"strings"
)

// DirectoryEntry is the profile returned by a successful directory bind
type DirectoryEntry struct {
	DN          string
	Login       string
	Email       string
	DisplayName string
}

// Names splits the display name: first token is the first name, the
// remainder the last name.
func (e *DirectoryEntry) Names() (first, last string) {
	first, last, _ = strings.Cut(strings.TrimSpace(e.DisplayName), " ")
	return first, strings.TrimSpace(last)
}

// Directory verifies credentials against an external directory.
// Rejected credentials and unreachable servers both yield (nil, nil).
type Directory interface {
	BindAndSearch(ctx context.Context, login, password string) (*DirectoryEntry, error)
}
