package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func perm(id int64, name string) Permission {
	return Permission{ID: id, Name: name, Enabled: true}
}

func TestNewPrincipal_MergesAllUserRoles(t *testing.T) {
	user := &User{ID: 7}
	explicit := []Role{
		{ID: 3, Name: "analyst", Enabled: true, Permissions: []Permission{perm(1, "VIEW_DASHBOARD"), perm(2, "RUN_JOB")}},
		{ID: 5, Name: "viewer", Enabled: true, AllUser: true, Permissions: []Permission{perm(1, "VIEW_DASHBOARD")}},
		{ID: 9, Name: "retired", Enabled: false, Permissions: []Permission{perm(4, "DELETE_ALL")}},
	}
	allUser := []Role{
		{ID: 5, Name: "viewer", Enabled: true, AllUser: true, Permissions: []Permission{perm(1, "VIEW_DASHBOARD")}},
		{ID: 2, Name: "everyone", Enabled: true, AllUser: true, Permissions: []Permission{perm(6, "READ_NEWS")}},
	}

	p := NewPrincipal(user, explicit, allUser)

	assert.Equal(t, []string{"2", "3", "5"}, p.RoleIDs())
	assert.Equal(t, []string{"VIEW_DASHBOARD", "RUN_JOB"}, p.PermissionNames())
	assert.True(t, p.HasPermission("RUN_JOB"))
	assert.False(t, p.HasPermission("READ_NEWS"), "implicit roles do not contribute permissions")
	assert.False(t, p.HasPermission("DELETE_ALL"), "disabled roles never count")
}

func TestPrincipal_SkipsDisabledPermissions(t *testing.T) {
	p := NewPrincipal(&User{ID: 1}, []Role{{
		ID: 1, Enabled: true,
		Permissions: []Permission{perm(1, PermissionAdministrator), {ID: 2, Name: "OFF", Enabled: false}},
	}}, nil)

	assert.Equal(t, []string{PermissionAdministrator}, p.PermissionNames())
}

func TestDirectoryEntry_Names(t *testing.T) {
	tests := []struct {
		display     string
		first, last string
	}{
		{"John Doe", "John", "Doe"},
		{"Maria da Silva Santos", "Maria", "da Silva Santos"},
		{"Cher", "Cher", ""},
		{"  Ana  Lima ", "Ana", "Lima"},
	}
	for _, tt := range tests {
		first, last := (&DirectoryEntry{DisplayName: tt.display}).Names()
		assert.Equal(t, tt.first, first, tt.display)
		assert.Equal(t, tt.last, last, tt.display)
	}
}

func TestUser_Active(t *testing.T) {
	assert.True(t, (&User{Enabled: true, Status: StatusEnabled}).Active())
	assert.False(t, (&User{Enabled: false, Status: StatusEnabled}).Active())
	assert.False(t, (&User{Enabled: true, Status: StatusDeleted}).Active())
	assert.False(t, (&User{Enabled: true, Status: StatusPendingApproval}).Active())
	assert.Equal(t, "John", (&User{FirstName: "John"}).FullName())
}
