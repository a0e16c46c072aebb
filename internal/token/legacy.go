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
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims is the payload of a locally issued session token
type LegacyClaims struct {
	UserID json.Number `json:"id"`
	jwt.RegisteredClaims
}

// LegacyCodec issues and parses HS256 session tokens signed with the local secret
type LegacyCodec struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewLegacyCodec creates a codec. A zero lifetime issues tokens without exp,
// which is how tokens from earlier releases were minted.
func NewLegacyCodec(secret string, lifetime time.Duration) *LegacyCodec {
	return &LegacyCodec{secret: []byte(secret), lifetime: lifetime, now: time.Now}
}

// Issue signs a token for userID
func (c *LegacyCodec) Issue(userID int64) (string, error) {
	now := c.now()
	claims := LegacyClaims{
		UserID: json.Number(fmt.Sprint(userID)),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.lifetime > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.lifetime))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and returns the embedded user id.
// exp is honored when present.
func (c *LegacyCodec) Parse(raw string) (int64, error) {
	var claims LegacyClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	id, err := claims.UserID.Int64()
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: missing or malformed id claim", ErrTokenInvalid)
	}
	return id, nil
}
