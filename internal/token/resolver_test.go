package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, cfg ResolverConfig) *Resolver {
	t.Helper()
	r, err := NewResolver(NewKeyCache(4, time.Hour), cfg, nil, nil)
	require.NoError(t, err)
	return r
}

func TestResolver_FetchesOnceThenCaches(t *testing.T) {
	iss := newTestIssuer(t)
	k1 := iss.addKey("k1")
	r := newTestResolver(t, ResolverConfig{})
	ctx := context.Background()

	key, err := r.Key(ctx, iss.URL(), "k1")
	require.NoError(t, err)
	assert.True(t, k1.PublicKey.Equal(key))
	assert.Equal(t, 1, iss.fetches())

	_, err = r.Key(ctx, iss.URL(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, iss.fetches())
	assert.True(t, r.Cache().Fresh(ctx, iss.URL(), "k1"))
}

// TestPurpose: a kid missing from a stale cached set triggers exactly one refetch.
func TestResolver_RefreshesStaleCacheOnUnknownKid(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("old")
	r := newTestResolver(t, ResolverConfig{MinRefresh: time.Minute})
	ctx := context.Background()

	_, err := r.Key(ctx, iss.URL(), "old")
	require.NoError(t, err)
	require.Equal(t, 1, iss.fetches())

	// age the cached set so the rotation is picked up
	cached, ok := r.Cache().Get(iss.URL())
	require.True(t, ok)
	r.Cache().Set(iss.URL(), &KeySet{Keyfunc: cached.Keyfunc, FetchedAt: time.Now().Add(-time.Hour)})

	rotated := iss.addKey("new")
	assert.False(t, r.Cache().Fresh(ctx, iss.URL(), "new"))

	key, err := r.Key(ctx, iss.URL(), "new")
	require.NoError(t, err)
	assert.True(t, rotated.PublicKey.Equal(key))
	assert.Equal(t, 2, iss.fetches())

	_, err = r.Key(ctx, iss.URL(), "new")
	require.NoError(t, err)
	assert.Equal(t, 2, iss.fetches())
}

// Unknown kids against a recently fetched set do not hammer the issuer.
func TestResolver_UnknownKidWithinMinRefresh(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("k1")
	r := newTestResolver(t, ResolverConfig{MinRefresh: time.Minute})
	ctx := context.Background()

	_, err := r.Key(ctx, iss.URL(), "k1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = r.Key(ctx, iss.URL(), "forged")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, 1, iss.fetches())
}

func TestResolver_UnknownKidAfterRefresh(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("k1")
	r := newTestResolver(t, ResolverConfig{})

	_, err := r.Key(context.Background(), iss.URL(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = r.Key(context.Background(), iss.URL(), "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolver_IssuerDownOpensBreaker(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("k1")
	iss.fail.Store(true)
	r := newTestResolver(t, ResolverConfig{BreakerThreshold: 2, BreakerTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Key(ctx, iss.URL(), "k1")
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	}
	assert.Equal(t, int32(2), iss.discoveryHits.Load())

	// breaker is open: fail fast without touching the issuer
	_, err := r.Key(ctx, iss.URL(), "k1")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), iss.discoveryHits.Load())
}

func TestResolver_UnreachableIssuer(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{HTTPTimeout: 200 * time.Millisecond})

	_, err := r.Key(context.Background(), "http://127.0.0.1:1", "k1")
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable), "got %v", err)
}

// Concurrent misses may fetch redundantly but always converge on a usable set.
func TestResolver_ConcurrentMisses(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("k1")
	r := newTestResolver(t, ResolverConfig{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Key(context.Background(), iss.URL(), "k1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, iss.fetches(), 1)
	assert.True(t, r.Cache().Fresh(context.Background(), iss.URL(), "k1"))
}

func TestKeyCache_Purge(t *testing.T) {
	iss := newTestIssuer(t)
	iss.addKey("k1")
	kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(iss.jwks()))
	require.NoError(t, err)

	c := NewKeyCache(2, time.Hour)
	c.Set("a", &KeySet{Keyfunc: kf, FetchedAt: time.Now()})
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Fresh(context.Background(), "a", "k1"))
	assert.False(t, c.Fresh(context.Background(), "b", "k1"))

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestKeyCache_Expires(t *testing.T) {
	c := NewKeyCache(2, 20*time.Millisecond)
	c.Set("a", &KeySet{FetchedAt: time.Now()})

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
