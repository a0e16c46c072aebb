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

// Package token encodes legacy session tokens and verifies OpenID tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTokenInvalid covers malformed, expired and badly signed tokens
	ErrTokenInvalid = errors.New("invalid token")
	// ErrKeyNotFound means no verification key matches the token's kid
	ErrKeyNotFound = errors.New("verification key not found")
	// ErrUpstreamUnavailable means the issuer could not be reached
	ErrUpstreamUnavailable = errors.New("token issuer unavailable")
)

// Format is a bearer token encoding accepted by the gateway
type Format int

const (
	FormatOpenID Format = iota + 1
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatOpenID:
		return "openid"
	case FormatLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a configuration name to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openid":
		return FormatOpenID, nil
	case "legacy":
		return FormatLegacy, nil
	default:
		return 0, fmt.Errorf("unknown token format %q", s)
	}
}

// ParseFormats parses an ordered list, dropping duplicates
func ParseFormats(names []string) ([]Format, error) {
	var out []Format
	seen := map[Format]bool{}
	for _, n := range names {
		f, err := ParseFormat(n)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}
