package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/authz"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/identity/identitytest"
	"github.com/lemonade/thorn/internal/settings"
	"github.com/lemonade/thorn/internal/token"
)

const proxySecret = "proxy-secret"

type mapSettings map[string]string

func (m mapSettings) GetByNames(_ context.Context, names []string) (map[string]string, error) {
	out := map[string]string{}
	for _, n := range names {
		if v, ok := m[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	router *chi.Mux
	store  *identitytest.Store
	codec  *token.LegacyCodec
	keys   *token.KeyCache
	hasher *identity.PasswordHasher
}

func newTestServer(t *testing.T, limiter *RateLimiter, health HealthChecker) *testServer {
	t.Helper()
	store := identitytest.NewStore()
	hasher := identity.NewPasswordHasher(identity.HasherConfig{BcryptCost: bcrypt.MinCost})
	identities := identity.NewService(store, store, hasher, nil, audit.NopLogger{}, identity.ServiceConfig{DefaultLocale: "pt"})
	codec := token.NewLegacyCodec("signing", time.Hour)
	keys := token.NewKeyCache(4, time.Hour)

	resolver, err := token.NewResolver(keys, token.ResolverConfig{}, nil, nil)
	require.NoError(t, err)

	arb, err := gateway.NewArbitrator(gateway.Config{
		SharedSecret: proxySecret,
		PublicMarker: "/public/",
		Unprotected:  map[string][]string{"/api/v1/auth/login": {"POST"}},
	}, identities, mapSettings{settings.KeyOpenIDConfig: `{"enabled": false}`}, codec,
		token.NewOpenIDVerifier(resolver, true, 0), audit.NopLogger{}, nil, nil)
	require.NoError(t, err)

	if limiter == nil {
		limiter = NewRateLimiter(1000, 1000)
	}
	t.Cleanup(limiter.Stop)

	h := NewHandler(arb, identities, codec, keys, audit.NopLogger{}, health)
	router := NewRouter(h, authz.NewGuard(arb, audit.NopLogger{}), limiter, nil)
	return &testServer{router: router, store: store, codec: codec, keys: keys, hasher: hasher}
}

func (s *testServer) addUser(t *testing.T, login, password string, mutate func(*identity.User)) *identity.User {
	t.Helper()
	hash, err := s.hasher.Hash(password)
	require.NoError(t, err)
	u := identity.User{
		Login:              login,
		Email:              login + "@lemonade.org.br",
		FirstName:          "Ana",
		LastName:           "Souza",
		Locale:             "pt",
		Enabled:            true,
		Status:             identity.StatusEnabled,
		AuthenticationType: identity.AuthInternal,
		EncryptedPassword:  hash,
	}
	if mutate != nil {
		mutate(&u)
	}
	return s.store.AddUser(u)
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// TestPurpose: a successful login returns the token and a user summary with merged roles.
func TestLogin_Success(t *testing.T) {
	s := newTestServer(t, nil, nil)
	u := s.addUser(t, "ana", "Secure123", nil)
	s.store.AddRole(identity.Role{ID: 4, Name: "analyst", Label: "Analyst", Enabled: true,
		Permissions: []identity.Permission{{ID: 1, Name: "VIEW_DASHBOARD", Enabled: true}}})
	s.store.AddRole(identity.Role{ID: 9, Name: "everyone", Enabled: true, AllUser: true})
	require.NoError(t, s.store.Assign(context.Background(), u.ID, []int64{4}))

	rec := s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"user": {"email": "ana", "password": "Secure123"}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, u.ID, resp.User.ID)
	assert.Equal(t, "Ana Souza", resp.User.Name)
	require.Len(t, resp.User.Roles, 2)
	assert.Equal(t, []string{"VIEW_DASHBOARD"}, resp.User.Roles[0].Permissions)
	assert.Equal(t, "Analyst", resp.User.Roles[0].Label)

	id, err := s.codec.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)
}

func TestLogin_BodyShapes(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.addUser(t, "ana", "Secure123", nil)

	rec := s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"login": "ana", "password": "Secure123"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	form := url.Values{"login": {"ana"}, "password": {"Secure123"}}
	req := httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = s.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{not json`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.addUser(t, "ana", "Secure123", nil)
	s.addUser(t, "off", "Secure123", func(u *identity.User) { u.Enabled = false })

	rec := s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"user": {"email": "ana", "password": "nope"}}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, map[string]any{"status": "ERROR", "message": msgInvalidLogin}, decode(t, rec))

	rec = s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"user": {"email": "off", "password": "Secure123"}}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, msgUserDisabled, decode(t, rec)["message"])

	rec = s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", `{"user": {"email": "ana"}}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 1), nil)
	s.addUser(t, "ana", "Secure123", nil)

	body := `{"user": {"email": "ana", "password": "Secure123"}}`
	assert.Equal(t, http.StatusOK, s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", body)).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", body)).Code)
}

// TestPurpose: the subrequest endpoint carries identity in headers and rejects with the JSON envelope.
func TestValidate(t *testing.T) {
	s := newTestServer(t, nil, nil)
	u := s.addUser(t, "ana", "Secure123", nil)
	raw, err := s.codec.Issue(u.ID)
	require.NoError(t, err)

	for _, target := range []string{"/api/v1/auth/validate", "/validate"} {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			req := httptest.NewRequest(method, target, nil)
			req.Header.Set(gateway.HeaderOriginalURI, "/api/v1/dashboards/3")
			req.Header.Set(gateway.HeaderOriginalMethod, "GET")
			req.Header.Set("Authorization", "Bearer "+raw)

			rec := s.do(req)
			require.Equal(t, http.StatusOK, rec.Code, target)
			assert.Equal(t, "1", rec.Header().Get(gateway.HeaderUserID))
			assert.Equal(t, "ana;ana@lemonade.org.br;Ana Souza;pt", rec.Header().Get(gateway.HeaderUserData))
			assert.Empty(t, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/validate", nil)
	req.Header.Set(gateway.HeaderOriginalURI, "/api/v1/dashboards/3")
	rec := s.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, map[string]any{"status": "ERROR", "message": gateway.MessageInvalidAuthentication}, decode(t, rec))
	assert.Empty(t, rec.Header().Get(gateway.HeaderUserID))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/validate", nil)
	req.Header.Set(gateway.HeaderOriginalURI, "/api/v1/auth/login?x=1")
	req.Header.Set(gateway.HeaderOriginalMethod, "POST")
	assert.Equal(t, http.StatusOK, s.do(req).Code)
}

func TestMe(t *testing.T) {
	s := newTestServer(t, nil, nil)
	u := s.addUser(t, "ana", "Secure123", func(u *identity.User) { u.ID = 10 })
	raw, err := s.codec.Issue(u.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary UserSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(10), summary.ID)
	assert.Equal(t, "ana", summary.Login)

	assert.Equal(t, http.StatusUnauthorized, s.do(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)).Code)

	// the fixed administrator identity has no stored row
	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set(gateway.HeaderAuthToken, proxySecret)
	assert.Equal(t, http.StatusNotFound, s.do(req).Code)
}

func TestFlushKeys(t *testing.T) {
	s := newTestServer(t, nil, nil)
	u := s.addUser(t, "ana", "Secure123", nil)
	raw, err := s.codec.Issue(u.ID)
	require.NoError(t, err)
	s.keys.Set("https://issuer.example", &token.KeySet{FetchedAt: time.Now()})

	assert.Equal(t, http.StatusUnauthorized, s.do(httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys/flush", nil)).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys/flush", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	assert.Equal(t, http.StatusForbidden, s.do(req).Code)
	assert.Equal(t, 1, s.keys.Len())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys/flush", nil)
	req.Header.Set(gateway.HeaderAuthToken, proxySecret)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["flushed"])
	assert.Equal(t, 0, s.keys.Len())
}

func TestHealthCheck(t *testing.T) {
	ok := newTestServer(t, nil, pinger{})
	assert.Equal(t, http.StatusOK, ok.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	down := newTestServer(t, nil, pinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}
