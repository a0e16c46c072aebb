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

// Package identitytest provides in-memory repositories for tests.
package identitytest

import (
	"context"
	"sync"
	"time"

	"github.com/lemonade/thorn/internal/identity"
)

// Store implements identity.UserRepository and identity.RoleRepository in memory
type Store struct {
	mu          sync.Mutex
	nextID      int64
	users       map[int64]*identity.User
	roles       map[int64]identity.Role
	assignments map[int64][]int64

	// Err, when set, is returned by every call
	Err error
	// Creates counts successful inserts
	Creates int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		nextID:      1,
		users:       make(map[int64]*identity.User),
		roles:       make(map[int64]identity.Role),
		assignments: make(map[int64][]int64),
	}
}

// AddUser stores a copy of u, assigning an id when zero
func (s *Store) AddUser(u identity.User) *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.nextID
	}
	if u.ID >= s.nextID {
		s.nextID = u.ID + 1
	}
	s.users[u.ID] = &u
	return s.copyUser(&u)
}

// AddRole stores a role
func (s *Store) AddRole(r identity.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
}

// SetRole replaces a role, e.g. to change its permissions mid-test
func (s *Store) SetRole(r identity.Role) {
	s.AddRole(r)
}

// User returns the stored row by login
func (s *Store) User(login string) *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Login == login {
			return s.copyUser(u)
		}
	}
	return nil
}

// AssignedRoles returns role ids assigned to a user
func (s *Store) AssignedRoles(userID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.assignments[userID]...)
}

func (s *Store) GetByID(_ context.Context, id int64) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return s.copyUser(u), nil
}

func (s *Store) GetByLogin(_ context.Context, login string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.Login == login {
			return s.copyUser(u), nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *Store) GetByAPIToken(_ context.Context, token string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.APIToken != nil && *u.APIToken == token {
			return s.copyUser(u), nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *Store) CreateIfNotExists(_ context.Context, user *identity.User) (*identity.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, false, s.Err
	}
	for _, u := range s.users {
		if u.Login == user.Login {
			return s.copyUser(u), false, nil
		}
	}
	stored := *user
	stored.ID = s.nextID
	s.nextID++
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.users[stored.ID] = &stored
	s.Creates++
	return s.copyUser(&stored), true, nil
}

func (s *Store) UpdateProfile(_ context.Context, user *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[user.ID]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Login = user.Login
	u.Email = user.Email
	u.FirstName = user.FirstName
	u.LastName = user.LastName
	u.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListForUser(_ context.Context, userID int64) ([]identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []identity.Role
	for _, id := range s.assignments[userID] {
		if r, ok := s.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListAllUser(_ context.Context) ([]identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []identity.Role
	for _, r := range s.roles {
		if r.AllUser && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Assign(_ context.Context, userID int64, roleIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	existing := map[int64]bool{}
	for _, id := range s.assignments[userID] {
		existing[id] = true
	}
	for _, id := range roleIDs {
		if !existing[id] {
			s.assignments[userID] = append(s.assignments[userID], id)
			existing[id] = true
		}
	}
	return nil
}

func (s *Store) copyUser(u *identity.User) *identity.User {
	c := *u
	return &c
}

// Directory is a fake identity.Directory keyed by login
type Directory struct {
	mu      sync.Mutex
	Entries map[string]DirectoryAccount
	Binds   int
}

// DirectoryAccount is a directory user with its password
type DirectoryAccount struct {
	Password string
	Entry    identity.DirectoryEntry
}

func (d *Directory) BindAndSearch(_ context.Context, login, password string) (*identity.DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Binds++
	acct, ok := d.Entries[login]
	if !ok || acct.Password != password {
		return nil, nil
	}
	e := acct.Entry
	return &e, nil
}
