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

package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Inbound header names set by the reverse proxy
const (
	HeaderOriginalURI    = "X-Original-URI"
	HeaderOriginalMethod = "X-Original-Method"
	HeaderAuthToken      = "X-Auth-Token"
	HeaderAuthentication = "X-Authentication"
	HeaderAcceptLegacy   = "X-Accept-Legacy-Token"
)

// Request is the credential-bearing view of an inbound request
type Request struct {
	OriginalURI    string
	OriginalMethod string
	Header         http.Header
	// Query is the query string of the subrequest itself
	Query        url.Values
	RemoteAddr   string
	AcceptLegacy bool
}

// RequestFromHTTP reads an auth subrequest
func RequestFromHTTP(r *http.Request) *Request {
	return &Request{
		OriginalURI:    r.Header.Get(HeaderOriginalURI),
		OriginalMethod: r.Header.Get(HeaderOriginalMethod),
		Header:         r.Header,
		Query:          r.URL.Query(),
		RemoteAddr:     clientIP(r),
		AcceptLegacy:   strings.EqualFold(r.Header.Get(HeaderAcceptLegacy), "true"),
	}
}

// DirectRequest describes a request made to the gateway itself, used by
// the guard middleware on the gateway's own routes.
func DirectRequest(r *http.Request) *Request {
	req := RequestFromHTTP(r)
	req.OriginalURI = r.URL.RequestURI()
	req.OriginalMethod = r.Method
	return req
}

// Path is the original URI without its query string
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.OriginalURI, "?")
	return path
}

// Method is the original method, or INVALID when the proxy sent none
func (r *Request) Method() string {
	if r.OriginalMethod == "" {
		return "INVALID"
	}
	return strings.ToUpper(r.OriginalMethod)
}

// Param looks up a query parameter on the original URI first, then on the
// subrequest itself.
func (r *Request) Param(name string) string {
	if _, raw, ok := strings.Cut(r.OriginalURI, "?"); ok {
		if q, err := url.ParseQuery(raw); err == nil {
			if v := q.Get(name); v != "" {
				return v
			}
		}
	}
	return r.Query.Get(name)
}

// BearerToken extracts the token from Authorization, X-Authentication or
// the token query parameter, in that order.
func (r *Request) BearerToken() string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderAuthentication)); v != "" {
		return v
	}
	return r.Param("token")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
