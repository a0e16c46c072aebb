package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/identity/identitytest"
)

func newHasher() *identity.PasswordHasher {
	return identity.NewPasswordHasher(identity.HasherConfig{Algorithm: identity.AlgorithmBcrypt, BcryptCost: bcrypt.MinCost})
}

func newService(t *testing.T, store *identitytest.Store, dir identity.Directory, cfg identity.ServiceConfig) *identity.Service {
	t.Helper()
	return identity.NewService(store, store, newHasher(), dir, audit.NopLogger{}, cfg)
}

func addInternalUser(t *testing.T, store *identitytest.Store, login, password string, mutate func(*identity.User)) *identity.User {
	t.Helper()
	hash, err := newHasher().Hash(password)
	require.NoError(t, err)
	u := identity.User{
		Login:              login,
		Email:              login + "@lemonade.org.br",
		FirstName:          "Test",
		Locale:             "pt",
		Enabled:            true,
		Status:             identity.StatusEnabled,
		AuthenticationType: identity.AuthInternal,
		EncryptedPassword:  hash,
	}
	if mutate != nil {
		mutate(&u)
	}
	return store.AddUser(u)
}

// TestPurpose: local credentials succeed only with the right password and leak nothing about which half was wrong.
func TestService_Authenticate_Internal(t *testing.T) {
	store := identitytest.NewStore()
	s := newService(t, store, nil, identity.ServiceConfig{})
	ctx := context.Background()
	created := addInternalUser(t, store, "alice", "Secure123", nil)

	user, err := s.Authenticate(ctx, "alice", "Secure123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "nobody", "Secure123")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "alice", "")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

// TestPurpose: disabled or non-ENABLED users never authenticate, even with valid credentials.
func TestService_Authenticate_InactiveUsers(t *testing.T) {
	store := identitytest.NewStore()
	s := newService(t, store, nil, identity.ServiceConfig{})
	ctx := context.Background()

	addInternalUser(t, store, "disabled", "pw", func(u *identity.User) { u.Enabled = false })
	addInternalUser(t, store, "deleted", "pw", func(u *identity.User) { u.Status = identity.StatusDeleted })
	addInternalUser(t, store, "pending", "pw", func(u *identity.User) { u.Status = identity.StatusPendingApproval })

	_, err := s.Authenticate(ctx, "disabled", "pw")
	assert.ErrorIs(t, err, identity.ErrUserDisabled)

	for _, login := range []string{"deleted", "pending"} {
		_, err := s.Authenticate(ctx, login, "pw")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials, login)
	}
}

func TestService_Authenticate_UnsupportedType(t *testing.T) {
	store := identitytest.NewStore()
	s := newService(t, store, nil, identity.ServiceConfig{})
	addInternalUser(t, store, "oidc", "pw", func(u *identity.User) { u.AuthenticationType = identity.AuthOpenID })

	_, err := s.Authenticate(context.Background(), "oidc", "pw")
	assert.ErrorIs(t, err, identity.ErrUnsupportedAuthType)
}

// TestPurpose: first directory login creates exactly one LDAP user with profile fields from displayName.
func TestService_Authenticate_ProvisionsDirectoryUser(t *testing.T) {
	store := identitytest.NewStore()
	dir := &identitytest.Directory{Entries: map[string]identitytest.DirectoryAccount{
		"jdoe": {Password: "dir-pass", Entry: identity.DirectoryEntry{
			DN: "uid=jdoe,ou=People,dc=domain,dc=com", Login: "jdoe",
			Email: "jdoe@domain.com", DisplayName: "John Doe",
		}},
	}}
	s := newService(t, store, dir, identity.ServiceConfig{DefaultLocale: "en", DefaultRoleIDs: []int64{4}})
	ctx := context.Background()

	user, err := s.Authenticate(ctx, "jdoe", "dir-pass")
	require.NoError(t, err)
	assert.Equal(t, identity.AuthLDAP, user.AuthenticationType)
	assert.Equal(t, "John", user.FirstName)
	assert.Equal(t, "Doe", user.LastName)
	assert.Equal(t, "jdoe@domain.com", user.Email)
	assert.Equal(t, "en", user.Locale)
	assert.Equal(t, "LDAP User", user.Notes)
	assert.True(t, user.Active())
	assert.Equal(t, 1, store.Creates)
	assert.Equal(t, []int64{4}, store.AssignedRoles(user.ID))

	// placeholder password is not usable locally
	stored := store.User("jdoe")
	ok, _ := newHasher().Verify("dir-pass", stored.EncryptedPassword)
	assert.False(t, ok)

	// second login re-binds and does not re-create
	again, err := s.Authenticate(ctx, "jdoe", "dir-pass")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, 1, store.Creates)
	assert.Equal(t, 2, dir.Binds)

	_, err = s.Authenticate(ctx, "jdoe", "bad")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestService_Authenticate_DirectoryDisabledOrRejected(t *testing.T) {
	store := identitytest.NewStore()
	ctx := context.Background()

	_, err := newService(t, store, nil, identity.ServiceConfig{}).Authenticate(ctx, "jdoe", "pw")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	dir := &identitytest.Directory{Entries: map[string]identitytest.DirectoryAccount{}}
	_, err = newService(t, store, dir, identity.ServiceConfig{}).Authenticate(ctx, "jdoe", "pw")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	assert.Equal(t, 0, store.Creates)
}

func TestService_Authenticate_StoreFailureIsGeneric(t *testing.T) {
	store := identitytest.NewStore()
	store.Err = errors.New("connection refused")
	s := newService(t, store, nil, identity.ServiceConfig{})

	_, err := s.Authenticate(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestService_Provision_ExistingLoginUnchanged(t *testing.T) {
	store := identitytest.NewStore()
	s := newService(t, store, nil, identity.ServiceConfig{DefaultRoleIDs: []int64{2}})
	existing := addInternalUser(t, store, "carol", "pw", nil)

	got, err := s.Provision(context.Background(), &identity.User{Login: "carol", AuthenticationType: identity.AuthOpenID})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, identity.AuthInternal, got.AuthenticationType)
	assert.Empty(t, store.AssignedRoles(existing.ID))
}

func TestService_Principal(t *testing.T) {
	store := identitytest.NewStore()
	s := newService(t, store, nil, identity.ServiceConfig{})
	u := addInternalUser(t, store, "dave", "pw", nil)
	store.AddRole(identity.Role{ID: 1, Enabled: true, Permissions: []identity.Permission{{Name: identity.PermissionAdministrator, Enabled: true}}})
	store.AddRole(identity.Role{ID: 8, Enabled: true, AllUser: true})
	require.NoError(t, store.Assign(context.Background(), u.ID, []int64{1}))

	p, err := s.Principal(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "8"}, p.RoleIDs())
	assert.Equal(t, []string{identity.PermissionAdministrator}, p.PermissionNames())
}

func TestBootstrapService(t *testing.T) {
	store := identitytest.NewStore()
	b := identity.NewBootstrapService(store, store, newHasher(), audit.NopLogger{})
	ctx := context.Background()

	created, err := b.Bootstrap(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	t.Setenv(identity.EnvBootstrapAdminLogin, "admin")
	_, err = b.Bootstrap(ctx)
	assert.Error(t, err)

	t.Setenv(identity.EnvBootstrapAdminPassword, "changeme")
	created, err = b.Bootstrap(ctx)
	require.NoError(t, err)
	assert.True(t, created)

	admin := store.User("admin")
	require.NotNil(t, admin)
	assert.Equal(t, []int64{identity.AdministratorRoleID}, store.AssignedRoles(admin.ID))

	created, err = b.Bootstrap(ctx)
	require.NoError(t, err)
	assert.False(t, created)
}
