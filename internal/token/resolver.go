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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/lemonade/thorn/internal/observability/logger"
	"github.com/lemonade/thorn/internal/observability/metrics"
	"github.com/lemonade/thorn/internal/observability/tracing"
)

const maxDocumentSize = 1 << 20

// DiscoveryDocument is the subset of the OpenID provider metadata used here
type DiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// ResolverConfig tunes issuer fetches
type ResolverConfig struct {
	HTTPTimeout time.Duration
	// MinRefresh is the minimum age of a cached set before an unknown kid
	// triggers another fetch.
	MinRefresh       time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Resolver finds OpenID verification keys by kid, fetching the issuer's
// discovery document and JWKS on a cache miss.
type Resolver struct {
	cache  *KeyCache
	client *http.Client
	cfg    ResolverConfig
	tracer *tracing.Tracer
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	lookups metric.Int64Counter
	fetches metric.Int64Counter
}

// NewResolver creates a resolver backed by cache
func NewResolver(cache *KeyCache, cfg ResolverConfig, meter *metrics.Meter, tracer *tracing.Tracer) (*Resolver, error) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if meter == nil {
		meter = metrics.Noop()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}

	lookups, err := meter.CreateCounter("thorn_key_cache_lookups", "OpenID key cache lookups by result")
	if err != nil {
		return nil, err
	}
	fetches, err := meter.CreateCounter("thorn_jwks_fetches", "Issuer JWKS fetches by result")
	if err != nil {
		return nil, err
	}

	return &Resolver{
		cache:    cache,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:      cfg,
		tracer:   tracer,
		logger:   slog.Default().With(logger.Component("key_resolver")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lookups:  lookups,
		fetches:  fetches,
	}, nil
}

// Cache returns the underlying key cache
func (r *Resolver) Cache() *KeyCache {
	return r.cache
}

// Key returns the verification key for kid published by authority
func (r *Resolver) Key(ctx context.Context, authority, kid string) (any, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid", ErrKeyNotFound)
	}

	cached, ok := r.cache.Get(authority)
	if ok {
		if key, found := cached.Key(ctx, kid); found {
			r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
			return key, nil
		}
		if time.Since(cached.FetchedAt) < r.cfg.MinRefresh {
			r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unknown_kid")))
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
		}
	}
	r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))

	ks, err := r.refresh(ctx, authority)
	if err != nil {
		return nil, err
	}

	key, found := ks.Key(ctx, kid)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// refresh fetches the issuer's key set through its circuit breaker and caches it
func (r *Resolver) refresh(ctx context.Context, authority string) (*KeySet, error) {
	ctx, span := r.tracer.Start(ctx, "jwks.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("issuer", authority))

	result, err := r.breaker(authority).Execute(func() (interface{}, error) {
		return r.fetch(ctx, authority)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwks fetch failed")
		r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		r.logger.WarnContext(ctx, "failed to fetch issuer keys", logger.Issuer(authority), logger.Error(err))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, err
	}

	ks := result.(*KeySet)
	r.cache.Set(authority, ks)
	r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	return ks, nil
}

func (r *Resolver) fetch(ctx context.Context, authority string) (*KeySet, error) {
	var doc DiscoveryDocument
	if err := r.getJSON(ctx, authority+"/.well-known/openid-configuration", &doc); err != nil {
		return nil, err
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: discovery document has no jwks_uri", ErrUpstreamUnavailable)
	}

	var raw json.RawMessage
	if err := r.getJSON(ctx, doc.JWKSURI, &raw); err != nil {
		return nil, err
	}

	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JWKS: %v", ErrUpstreamUnavailable, err)
	}
	return &KeySet{Keyfunc: kf, FetchedAt: time.Now()}, nil
}

func (r *Resolver) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrUpstreamUnavailable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed document from %s: %v", ErrUpstreamUnavailable, url, err)
	}
	return nil
}

func (r *Resolver) breaker(authority string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[authority]; ok {
		return cb
	}

	threshold := uint32(r.cfg.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        authority,
		MaxRequests: 1,
		Interval:    r.cfg.BreakerTimeout,
		Timeout:     r.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("issuer circuit breaker state change",
				logger.Issuer(name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	r.breakers[authority] = cb
	return cb
}
