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

// Package gateway decides whether proxied requests are authenticated and
// which identity they carry.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/observability/logger"
	"github.com/lemonade/thorn/internal/observability/metrics"
	"github.com/lemonade/thorn/internal/observability/tracing"
	"github.com/lemonade/thorn/internal/settings"
	"github.com/lemonade/thorn/internal/token"
)

// Generic messages returned to callers
const (
	MessageInvalidAuthentication = "Invalid authentication"
	MessageUnauthorized          = "Unauthorized"
)

// LegacyMode controls when locally signed tokens are accepted
type LegacyMode string

const (
	LegacyAlways LegacyMode = "always"
	LegacyOptIn  LegacyMode = "opt-in"
	LegacyNever  LegacyMode = "never"
)

// Config holds arbitration policy
type Config struct {
	SharedSecret string
	PublicMarker string
	// Unprotected maps a path to methods that skip authentication; an empty
	// list means every method.
	Unprotected map[string][]string
	Formats     []token.Format
	LegacyMode  LegacyMode
}

// Verdict is the outcome of an evaluation
type Verdict struct {
	Status   int
	Headers  http.Header
	Message  string
	Strategy string
	// Principal is nil for anonymous verdicts and rejections
	Principal *identity.Principal
}

// Allowed reports whether the verdict grants access
func (v Verdict) Allowed() bool {
	return v.Status == http.StatusOK
}

func allow(strategy string, p *identity.Principal) Verdict {
	v := Verdict{Status: http.StatusOK, Headers: http.Header{}, Strategy: strategy, Principal: p}
	if p != nil {
		v.Headers = identityHeaders(p)
	}
	return v
}

func deny(strategy, message string) Verdict {
	return Verdict{Status: http.StatusUnauthorized, Headers: http.Header{}, Strategy: strategy, Message: message}
}

// evaluation carries per-request state through the strategies
type evaluation struct {
	req      *Request
	settings *settings.Snapshot
}

// strategy inspects a request; matched=false passes control to the next one
type strategy struct {
	name string
	run  func(ctx context.Context, ev *evaluation) (v Verdict, matched bool)
}

// formatHandler verifies one token format and returns the active user
type formatHandler func(ctx context.Context, ev *evaluation, raw string) (*identity.User, error)

var errFormatDisabled = errors.New("token format not configured")

// Arbitrator maps inbound credentials to an authorization verdict
type Arbitrator struct {
	cfg        Config
	users      identity.UserRepository
	identities *identity.Service
	settings   settings.Repository
	legacy     *token.LegacyCodec
	openid     *token.OpenIDVerifier

	auditLogger audit.Logger
	logger      *slog.Logger
	tracer      *tracing.Tracer
	decisions   metric.Int64Counter
	latency     metric.Float64Histogram

	strategies []strategy
	formats    map[token.Format]formatHandler
}

// NewArbitrator creates an arbitrator
func NewArbitrator(
	cfg Config,
	identities *identity.Service,
	settingsRepo settings.Repository,
	legacy *token.LegacyCodec,
	openid *token.OpenIDVerifier,
	auditLogger audit.Logger,
	meter *metrics.Meter,
	tracer *tracing.Tracer,
) (*Arbitrator, error) {
	if cfg.LegacyMode == "" {
		cfg.LegacyMode = LegacyAlways
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []token.Format{token.FormatOpenID, token.FormatLegacy}
	}
	if meter == nil {
		meter = metrics.Noop()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}

	decisions, err := meter.CreateCounter("thorn_gateway_decisions", "Arbitration decisions by strategy and outcome")
	if err != nil {
		return nil, err
	}
	latency, err := meter.CreateHistogram("thorn_gateway_evaluation_duration", "Arbitration latency", "ms")
	if err != nil {
		return nil, err
	}

	a := &Arbitrator{
		cfg:         cfg,
		users:       identities.Users(),
		identities:  identities,
		settings:    settingsRepo,
		legacy:      legacy,
		openid:      openid,
		auditLogger: auditLogger,
		logger:      slog.Default().With(logger.Component("gateway")),
		tracer:      tracer,
		decisions:   decisions,
		latency:     latency,
	}

	// Order is precedence: the first strategy that matches decides.
	a.strategies = []strategy{
		{name: "unprotected", run: a.unprotected},
		{name: "shared_secret", run: a.sharedSecret},
		{name: "api_token", run: a.apiToken},
		{name: "bearer", run: a.bearer},
	}
	a.formats = map[token.Format]formatHandler{
		token.FormatOpenID: a.verifyOpenID,
		token.FormatLegacy: a.verifyLegacy,
	}
	return a, nil
}

// Evaluate answers a proxy auth subrequest. It never fails: any error,
// including a panic in a collaborator, becomes a 401 verdict.
func (a *Arbitrator) Evaluate(ctx context.Context, req *Request) Verdict {
	return a.evaluate(ctx, req, a.strategies)
}

// Authenticate resolves the caller's identity without the unprotected-path
// bypass. It guards the gateway's own routes.
func (a *Arbitrator) Authenticate(ctx context.Context, req *Request) Verdict {
	return a.evaluate(ctx, req, a.strategies[1:])
}

func (a *Arbitrator) evaluate(ctx context.Context, req *Request, strategies []strategy) (verdict Verdict) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "gateway.evaluate")

	defer func() {
		if rec := recover(); rec != nil {
			a.logger.ErrorContext(ctx, "panic during arbitration", logger.String("panic", fmt.Sprint(rec)))
			verdict = deny("panic", MessageInvalidAuthentication)
		}

		attrs := metric.WithAttributes(
			attribute.String("strategy", verdict.Strategy),
			attribute.Int("status", verdict.Status),
		)
		a.decisions.Add(ctx, 1, attrs)
		a.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		span.SetAttributes(attribute.String("strategy", verdict.Strategy), attribute.Int("status", verdict.Status))
		span.End()
	}()

	ev := &evaluation{req: req, settings: settings.NewSnapshot(a.settings)}
	for _, s := range strategies {
		if v, matched := s.run(ctx, ev); matched {
			return v
		}
	}
	return deny("none", MessageInvalidAuthentication)
}

func (a *Arbitrator) unprotected(_ context.Context, ev *evaluation) (Verdict, bool) {
	path := ev.req.Path()
	if methods, ok := a.cfg.Unprotected[path]; ok {
		if len(methods) == 0 || slices.Contains(methods, ev.req.Method()) {
			return allow("unprotected", nil), true
		}
	}
	if a.cfg.PublicMarker != "" && strings.Contains(path, a.cfg.PublicMarker) {
		return allow("unprotected", nil), true
	}
	return Verdict{}, false
}

func (a *Arbitrator) sharedSecret(ctx context.Context, ev *evaluation) (Verdict, bool) {
	presented := ev.req.Header.Get(HeaderAuthToken)
	if a.cfg.SharedSecret == "" || presented == "" {
		return Verdict{}, false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.SharedSecret)) != 1 {
		a.reject(ctx, ev, "shared_secret", "shared_secret_mismatch", nil)
		return Verdict{}, false
	}
	return allow("shared_secret", adminPrincipal()), true
}

func (a *Arbitrator) apiToken(ctx context.Context, ev *evaluation) (Verdict, bool) {
	raw := ev.req.Param("api_token")
	if raw == "" {
		return Verdict{}, false
	}

	user, err := a.users.GetByAPIToken(ctx, raw)
	if err != nil {
		a.reject(ctx, ev, "api_token", "unknown_api_token", err)
		return deny("api_token", MessageUnauthorized), true
	}
	if !user.Active() {
		a.reject(ctx, ev, "api_token", "inactive_user", nil)
		return deny("api_token", MessageUnauthorized), true
	}
	return a.payload(ctx, ev, "api_token", user), true
}

func (a *Arbitrator) bearer(ctx context.Context, ev *evaluation) (Verdict, bool) {
	raw := ev.req.BearerToken()
	if raw == "" {
		return deny("bearer", MessageInvalidAuthentication), true
	}

	for _, format := range a.cfg.Formats {
		if format == token.FormatLegacy && !a.legacyAllowed(ev.req) {
			continue
		}
		handler, ok := a.formats[format]
		if !ok {
			continue
		}

		user, err := handler(ctx, ev, raw)
		if err == nil {
			return a.payload(ctx, ev, format.String(), user), true
		}
		if !errors.Is(err, errFormatDisabled) {
			a.logger.DebugContext(ctx, "token rejected", logger.TokenFormat(format.String()), logger.Error(err))
		}
	}

	a.reject(ctx, ev, "bearer", "no_valid_token", nil)
	return deny("bearer", MessageInvalidAuthentication), true
}

func (a *Arbitrator) legacyAllowed(req *Request) bool {
	switch a.cfg.LegacyMode {
	case LegacyNever:
		return false
	case LegacyOptIn:
		return req.AcceptLegacy
	default:
		return true
	}
}

func (a *Arbitrator) verifyLegacy(ctx context.Context, _ *evaluation, raw string) (*identity.User, error) {
	id, err := a.legacy.Parse(raw)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.Active() {
		return nil, identity.ErrUserDisabled
	}
	return user, nil
}

func (a *Arbitrator) verifyOpenID(ctx context.Context, ev *evaluation, raw string) (*identity.User, error) {
	cfg, err := ev.settings.OpenID(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errFormatDisabled
	}
	staticKey, err := ev.settings.PublicKey(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := a.openid.Verify(ctx, raw, cfg, staticKey)
	if err != nil {
		a.logger.WarnContext(ctx, "OpenID token verification failed", logger.Issuer(cfg.Authority), logger.Error(err))
		return nil, err
	}

	user, err := a.users.GetByLogin(ctx, claims.Username)
	if errors.Is(err, identity.ErrUserNotFound) {
		return a.provisionOpenID(ctx, claims)
	}
	if err != nil {
		return nil, err
	}

	if user.AuthenticationType != identity.AuthOpenID {
		return nil, identity.ErrUnsupportedAuthType
	}
	if !user.Active() {
		return nil, identity.ErrUserDisabled
	}
	a.syncProfile(ctx, user, claims)
	return user, nil
}

func (a *Arbitrator) provisionOpenID(ctx context.Context, claims *token.OpenIDIdentity) (*identity.User, error) {
	user, err := a.identities.Provision(ctx, &identity.User{
		Login:              claims.Username,
		Email:              claims.Email,
		FirstName:          claims.FirstName,
		LastName:           claims.LastName,
		AuthenticationType: identity.AuthOpenID,
		Notes:              "OpenID User",
	})
	if err != nil {
		return nil, err
	}
	// a concurrent request may have created the login with another type
	if user.AuthenticationType != identity.AuthOpenID || !user.Active() {
		return nil, identity.ErrUnsupportedAuthType
	}
	return user, nil
}

// syncProfile copies changed claims into the stored user. Failures are
// logged; the request still succeeds with the fresh values.
func (a *Arbitrator) syncProfile(ctx context.Context, user *identity.User, claims *token.OpenIDIdentity) {
	if user.Login == claims.Username && user.Email == claims.Email &&
		user.FirstName == claims.FirstName && user.LastName == claims.LastName {
		return
	}
	user.Login = claims.Username
	user.Email = claims.Email
	user.FirstName = claims.FirstName
	user.LastName = claims.LastName

	if err := a.users.UpdateProfile(ctx, user); err != nil {
		a.logger.ErrorContext(ctx, "failed to refresh profile", logger.UserID(user.ID), logger.Error(err))
		return
	}
	a.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeProfileSynced,
		ActorID:  fmt.Sprint(user.ID),
		Resource: "user",
	})
}

func (a *Arbitrator) payload(ctx context.Context, ev *evaluation, strategy string, user *identity.User) Verdict {
	p, err := a.identities.Principal(ctx, user)
	if err != nil {
		a.reject(ctx, ev, strategy, "role_lookup_failed", err)
		return deny(strategy, MessageInvalidAuthentication)
	}
	return allow(strategy, p)
}

func (a *Arbitrator) reject(ctx context.Context, ev *evaluation, strategy, reason string, err error) {
	meta := map[string]any{
		"strategy":        strategy,
		"reason":          reason,
		"original_uri":    ev.req.Path(),
		"original_method": ev.req.Method(),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	a.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeTokenRejected,
		Resource:  "gateway",
		IPAddress: ev.req.RemoteAddr,
		UserAgent: ev.req.Header.Get("User-Agent"),
		Metadata:  meta,
	})
}
