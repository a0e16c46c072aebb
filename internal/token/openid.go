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
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lemonade/thorn/internal/settings"
)

// OpenIDIdentity is the profile asserted by a verified OpenID token
type OpenIDIdentity struct {
	Subject   string
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// KeyResolver finds a verification key by issuer and kid
type KeyResolver interface {
	Key(ctx context.Context, authority, kid string) (any, error)
}

// OpenIDVerifier verifies RS256 tokens minted by the configured issuer
type OpenIDVerifier struct {
	keys         KeyResolver
	verifyExpiry bool
	leeway       time.Duration
}

// NewOpenIDVerifier creates a verifier. verifyExpiry=false skips exp, nbf
// and iat checks and must only be used in test mode.
func NewOpenIDVerifier(keys KeyResolver, verifyExpiry bool, leeway time.Duration) *OpenIDVerifier {
	return &OpenIDVerifier{keys: keys, verifyExpiry: verifyExpiry, leeway: leeway}
}

// Verify checks signature and audience and extracts the identity.
// staticKey, when non-nil, is used instead of key discovery.
func (v *OpenIDVerifier) Verify(ctx context.Context, raw string, cfg settings.OpenID, staticKey *rsa.PublicKey) (*OpenIDIdentity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.verifyExpiry {
		opts = append(opts,
			jwt.WithAudience(cfg.ClientID),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(v.leeway),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if staticKey != nil {
			return staticKey, nil
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, cfg.Authority, kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if !v.verifyExpiry {
		aud, err := claims.GetAudience()
		if err != nil || !slices.Contains(aud, cfg.ClientID) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
		}
	}

	id := &OpenIDIdentity{
		Username:  stringClaim(claims, cfg.UsernameClaim),
		Email:     stringClaim(claims, "email"),
		FirstName: stringClaim(claims, "given_name"),
		LastName:  stringClaim(claims, "family_name"),
	}
	id.Subject, _ = claims.GetSubject()
	if id.FirstName == "" && id.LastName == "" {
		id.FirstName, id.LastName, _ = strings.Cut(stringClaim(claims, "name"), " ")
	}
	if id.Username == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrTokenInvalid, cfg.UsernameClaim)
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}
