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

// Package settings reads runtime-tunable configuration rows.
package settings

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Configuration keys consumed by the gateway
const (
	KeyLDAPServer    = "LDAP_SERVER"
	KeyLDAPBaseDN    = "LDAP_BASE_DN"
	KeyLDAPUserDN    = "LDAP_USER_DN"
	KeyOpenIDConfig  = "OPENID_CONFIG"
	KeyOpenIDPubKey  = "OPENID_JWT_PUB_KEY"
	DefaultUserClaim = "preferred_username"
)

// Keys lists every configuration row read by a Snapshot
var Keys = []string{KeyLDAPServer, KeyLDAPBaseDN, KeyLDAPUserDN, KeyOpenIDConfig, KeyOpenIDPubKey}

// ErrMissingSetting is returned when a required row is absent or disabled
var ErrMissingSetting = errors.New("missing configuration setting")

// Repository loads enabled configuration rows by name
type Repository interface {
	GetByNames(ctx context.Context, names []string) (map[string]string, error)
}

// LDAP describes the directory server
type LDAP struct {
	Server string
	BaseDN string
	// UserDN is a template containing {login}
	UserDN string
}

// OpenID is the issuer configuration stored as JSON in OPENID_CONFIG
type OpenID struct {
	Enabled       bool   `json:"enabled"`
	Authority     string `json:"authority"`
	ClientID      string `json:"client_id"`
	UsernameClaim string `json:"username_claim"`
}

// Snapshot reads configuration once, on first use, and serves every later
// call from memory. A Snapshot belongs to a single request.
type Snapshot struct {
	repo Repository

	once   sync.Once
	values map[string]string
	err    error
}

// NewSnapshot creates a lazy snapshot over repo
func NewSnapshot(repo Repository) *Snapshot {
	return &Snapshot{repo: repo}
}

func (s *Snapshot) load(ctx context.Context) (map[string]string, error) {
	s.once.Do(func() {
		s.values, s.err = s.repo.GetByNames(ctx, Keys)
		if s.err != nil {
			s.err = fmt.Errorf("failed to load configuration: %w", s.err)
		}
	})
	return s.values, s.err
}

// Get returns a single value, or ErrMissingSetting
func (s *Snapshot) Get(ctx context.Context, name string) (string, error) {
	values, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	v, ok := values[name]
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSetting, name)
	}
	return v, nil
}

// LDAP returns the directory settings. LDAP_SERVER is mandatory.
func (s *Snapshot) LDAP(ctx context.Context) (LDAP, error) {
	server, err := s.Get(ctx, KeyLDAPServer)
	if err != nil {
		return LDAP{}, err
	}
	baseDN, err := s.Get(ctx, KeyLDAPBaseDN)
	if err != nil {
		return LDAP{}, err
	}
	userDN, err := s.Get(ctx, KeyLDAPUserDN)
	if err != nil {
		return LDAP{}, err
	}
	return LDAP{Server: server, BaseDN: baseDN, UserDN: userDN}, nil
}

// OpenID returns the issuer configuration. An absent row is a disabled config.
func (s *Snapshot) OpenID(ctx context.Context) (OpenID, error) {
	raw, err := s.Get(ctx, KeyOpenIDConfig)
	if errors.Is(err, ErrMissingSetting) {
		return OpenID{}, nil
	}
	if err != nil {
		return OpenID{}, err
	}

	var cfg OpenID
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return OpenID{}, fmt.Errorf("invalid %s: %w", KeyOpenIDConfig, err)
	}
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = DefaultUserClaim
	}
	cfg.Authority = strings.TrimRight(cfg.Authority, "/")
	if cfg.Enabled && (cfg.Authority == "" || cfg.ClientID == "") {
		return OpenID{}, fmt.Errorf("%w: %s requires authority and client_id", ErrMissingSetting, KeyOpenIDConfig)
	}
	return cfg, nil
}

// PublicKey returns the static OpenID verification key, or (nil, nil) when
// none is configured and keys must be discovered.
func (s *Snapshot) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	raw, err := s.Get(ctx, KeyOpenIDPubKey)
	if errors.Is(err, ErrMissingSetting) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(raw)
}

// ParsePublicKey accepts a PEM block or the bare base64 body of one
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "-----BEGIN") {
		raw = "-----BEGIN PUBLIC KEY-----\n" + raw + "\n-----END PUBLIC KEY-----"
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyOpenIDPubKey, err)
	}
	return key, nil
}
