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

package token

import (
	"context"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// KeySet is a parsed JWKS document for one issuer
type KeySet struct {
	Keyfunc   keyfunc.Keyfunc
	FetchedAt time.Time
}

// Key returns the public key with the given kid
func (ks *KeySet) Key(ctx context.Context, kid string) (any, bool) {
	if ks == nil || ks.Keyfunc == nil || kid == "" {
		return nil, false
	}
	jwk, err := ks.Keyfunc.Storage().KeyRead(ctx, kid)
	if err != nil {
		return nil, false
	}
	return jwk.Key(), true
}

// KeyCache holds JWKS documents keyed by issuer authority. It is safe for
// concurrent use; concurrent writers for the same issuer race and the last
// one wins.
type KeyCache struct {
	lru *expirable.LRU[string, *KeySet]
}

// NewKeyCache creates a cache of at most size issuers, each kept for ttl
func NewKeyCache(size int, ttl time.Duration) *KeyCache {
	if size <= 0 {
		size = 16
	}
	return &KeyCache{lru: expirable.NewLRU[string, *KeySet](size, nil, ttl)}
}

// Get returns the cached key set for issuer
func (c *KeyCache) Get(issuer string) (*KeySet, bool) {
	return c.lru.Get(issuer)
}

// Set stores the key set for issuer
func (c *KeyCache) Set(issuer string, ks *KeySet) {
	c.lru.Add(issuer, ks)
}

// Fresh reports whether the cached set for issuer can verify kid
func (c *KeyCache) Fresh(ctx context.Context, issuer, kid string) bool {
	ks, ok := c.Get(issuer)
	if !ok {
		return false
	}
	_, ok = ks.Key(ctx, kid)
	return ok
}

// Purge drops every cached key set
func (c *KeyCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached issuers
func (c *KeyCache) Len() int {
	return c.lru.Len()
}
