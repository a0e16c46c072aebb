package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// testIssuer serves a discovery document and a JWKS whose keys can rotate
type testIssuer struct {
	t      *testing.T
	server *httptest.Server

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
	fail          atomic.Bool
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	iss := &testIssuer{t: t, keys: map[string]*rsa.PrivateKey{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		iss.discoveryHits.Add(1)
		if iss.fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(DiscoveryDocument{Issuer: iss.server.URL, JWKSURI: iss.server.URL + "/certs"})
	})
	mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
		iss.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(iss.jwks())
	})
	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

func (iss *testIssuer) URL() string { return iss.server.URL }

// addKey publishes a new signing key under kid
func (iss *testIssuer) addKey(kid string) *rsa.PrivateKey {
	iss.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(iss.t, err)
	iss.mu.Lock()
	iss.keys[kid] = key
	iss.mu.Unlock()
	return key
}

func (iss *testIssuer) jwks() []byte {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	ctx := context.Background()
	store := jwkset.NewMemoryStorage()
	for kid, key := range iss.keys {
		jwk, err := jwkset.NewJWKFromKey(&key.PublicKey, jwkset.JWKOptions{
			Metadata: jwkset.JWKMetadataOptions{KID: kid, ALG: jwkset.AlgRS256, USE: jwkset.UseSig},
		})
		require.NoError(iss.t, err)
		require.NoError(iss.t, store.KeyWrite(ctx, jwk))
	}
	raw, err := store.JSONPublic(ctx)
	require.NoError(iss.t, err)
	return raw
}

func (iss *testIssuer) fetches() int {
	return int(iss.jwksHits.Load())
}

// sign mints an RS256 token with the issuer's key for kid
func (iss *testIssuer) sign(kid string, claims jwt.MapClaims) string {
	iss.t.Helper()
	iss.mu.Lock()
	key := iss.keys[kid]
	iss.mu.Unlock()
	require.NotNil(iss.t, key, "unknown kid %s", kid)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	require.NoError(iss.t, err)
	return raw
}

func userClaims(aud string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "f3b2c1",
		"aud":                aud,
		"exp":                exp.Unix(),
		"iat":                time.Now().Add(-time.Minute).Unix(),
		"preferred_username": "jdoe",
		"email":              "jdoe@lemonade.org.br",
		"given_name":         "John",
		"family_name":        "Doe",
	}
}
