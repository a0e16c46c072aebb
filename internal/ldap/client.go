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

// Package ldap authenticates users against a directory server.
package ldap

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/observability/logger"
	"github.com/lemonade/thorn/internal/settings"
)

var searchAttributes = []string{"dn", "uid", "mail", "displayName", "cn"}

// Client binds against the directory described by configuration rows.
// Connections are opened and closed per call.
type Client struct {
	settings settings.Repository
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClient creates a directory client
func NewClient(repo settings.Repository, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		settings: repo,
		timeout:  timeout,
		logger:   slog.Default().With(logger.Component("ldap")),
	}
}

// BindAndSearch binds as the user and returns their directory entry.
// Invalid credentials, missing configuration and server errors all yield
// (nil, nil); only the log tells them apart.
func (c *Client) BindAndSearch(ctx context.Context, login, password string) (*identity.DirectoryEntry, error) {
	if login == "" || password == "" {
		return nil, nil
	}

	cfg, err := settings.NewSnapshot(c.settings).LDAP(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "directory not configured", logger.Error(err))
		return nil, nil
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, nil
	}

	conn, err := goldap.DialURL(ServerURL(cfg.Server), goldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		c.logger.ErrorContext(ctx, "LDAP server is down", logger.String("server", cfg.Server), logger.Error(err))
		return nil, nil
	}
	defer conn.Close()
	conn.SetTimeout(timeout)

	if err := conn.Bind(UserDN(cfg.UserDN, login), password); err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
			return nil, nil
		}
		c.logger.ErrorContext(ctx, "LDAP server reported an error", logger.Operation("bind"), logger.Error(err))
		return nil, nil
	}
	defer func() { _ = conn.Unbind() }()

	result, err := conn.Search(goldap.NewSearchRequest(
		cfg.BaseDN,
		goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases,
		1,
		int(timeout.Seconds()),
		false,
		"(uid="+goldap.EscapeFilter(login)+")",
		searchAttributes,
		nil,
	))
	if err != nil && !goldap.IsErrorWithCode(err, goldap.LDAPResultSizeLimitExceeded) {
		c.logger.ErrorContext(ctx, "LDAP server reported an error", logger.Operation("search"), logger.Error(err))
		return nil, nil
	}
	if result == nil || len(result.Entries) == 0 {
		c.logger.WarnContext(ctx, "bind succeeded but no entry found", logger.Login(login))
		return nil, nil
	}

	return toEntry(login, result.Entries[0]), nil
}

func toEntry(login string, e *goldap.Entry) *identity.DirectoryEntry {
	display := e.GetAttributeValue("displayName")
	if display == "" {
		display = e.GetAttributeValue("cn")
	}
	if display == "" {
		display = login
	}
	return &identity.DirectoryEntry{
		DN:          e.DN,
		Login:       login,
		Email:       e.GetAttributeValue("mail"),
		DisplayName: display,
	}
}

// UserDN fills the {login} placeholder of a DN template, escaping the login
func UserDN(template, login string) string {
	return strings.ReplaceAll(template, "{login}", goldap.EscapeDN(login))
}

// ServerURL turns a bare host into an ldap:// URL
func ServerURL(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	return "ldap://" + server
}
