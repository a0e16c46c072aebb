package authz_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/authz"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
)

// fakeAuth maps a bearer token to a principal
type fakeAuth map[string]*identity.Principal

func (f fakeAuth) Authenticate(_ context.Context, req *gateway.Request) gateway.Verdict {
	if p, ok := f[req.BearerToken()]; ok {
		return gateway.Verdict{Status: http.StatusOK, Principal: p}
	}
	return gateway.Verdict{Status: http.StatusUnauthorized}
}

type recordingAudit struct{ events []audit.Event }

func (r *recordingAudit) Log(_ context.Context, e audit.Event) { r.events = append(r.events, e) }

func principal(id int64, perms ...string) *identity.Principal {
	role := identity.Role{ID: id, Enabled: true}
	for _, p := range perms {
		role.Permissions = append(role.Permissions, identity.Permission{Name: p, Enabled: true})
	}
	return identity.NewPrincipal(&identity.User{ID: id, Login: "u"}, []identity.Role{role}, nil)
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuthenticated(t *testing.T) {
	viewer := principal(2, "VIEW")
	g := authz.NewGuard(fakeAuth{"viewer": viewer}, nil)

	var seen *identity.Principal
	h := g.RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = authz.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid authentication"}`, rec.Body.String())

	rec = serve(h, "viewer")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Same(t, viewer, seen)
}

// TestPurpose: permission-guarded routes admit holders of every permission or ADMINISTRATOR, and audit denials.
func TestRequirePermission(t *testing.T) {
	rec := &recordingAudit{}
	g := authz.NewGuard(fakeAuth{
		"viewer": principal(2, "VIEW"),
		"editor": principal(3, "VIEW", "EDIT"),
		"admin":  principal(1, identity.PermissionAdministrator),
	}, rec)

	h := g.RequirePermission("VIEW", "EDIT")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusUnauthorized, serve(h, "nobody").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, "viewer").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, "editor").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, "admin").Code)

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.TypeAccessDenied, rec.events[0].Type)
	assert.Equal(t, "2", rec.events[0].ActorID)
}

func TestAllowed(t *testing.T) {
	assert.False(t, authz.Allowed(nil))
	assert.True(t, authz.Allowed(principal(5)))
	assert.False(t, authz.Allowed(principal(5), "X"))
	assert.True(t, authz.Allowed(principal(1, identity.PermissionAdministrator), "X", "Y"))
}
