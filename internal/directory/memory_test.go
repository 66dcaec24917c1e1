package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Principal(t *testing.T) {
	m := NewMemory()
	m.Put(Principal{UserID: "a", RoleIDs: []string{"reviewer", "reviewer", "clerk"}})

	p, err := m.Principal(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"clerk", "reviewer"}, p.RoleIDs)

	unknown, err := m.Principal(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", unknown.UserID)
	assert.Empty(t, unknown.RoleIDs)
	assert.Empty(t, unknown.ApproverIDs)
}

func TestMemory_PrincipalIsACopy(t *testing.T) {
	m := NewMemory()
	m.Put(Principal{UserID: "a", RoleIDs: []string{"reviewer"}})

	p, _ := m.Principal(context.Background(), "a")
	p.RoleIDs[0] = "admin"

	again, _ := m.Principal(context.Background(), "a")
	assert.Equal(t, []string{"reviewer"}, again.RoleIDs)
}

func TestMemory_ReverseLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(Principal{UserID: "a", RoleIDs: []string{"reviewer"}})
	m.Put(Principal{UserID: "b", RoleIDs: []string{"reviewer", "manager"}})
	m.Put(Principal{UserID: "42", ApproverIDs: []string{"p-42"}})
	m.GrantRole("c", "manager")

	tests := []struct {
		name string
		run  func() ([]string, error)
		want []string
	}{
		{"reviewers", func() ([]string, error) { return m.UsersWithRoles(ctx, []string{"reviewer"}) }, []string{"a", "b"}},
		{"managers", func() ([]string, error) { return m.UsersWithRoles(ctx, []string{"manager"}) }, []string{"b", "c"}},
		{"either role", func() ([]string, error) { return m.UsersWithRoles(ctx, []string{"reviewer", "manager"}) }, []string{"a", "b", "c"}},
		{"no roles", func() ([]string, error) { return m.UsersWithRoles(ctx, nil) }, nil},
		{"approver link", func() ([]string, error) { return m.UsersForApprovers(ctx, []string{"p-42"}) }, []string{"42"}},
		{"unlinked approver", func() ([]string, error) { return m.UsersForApprovers(ctx, []string{"p-7"}) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.run()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := `
users:
  - id: "a"
    roles: [reviewer]
  - id: "42"
    approver_ids: [p-42]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m, err := LoadSeedFile(path)
	require.NoError(t, err)

	p, err := m.Principal(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-42"}, p.ApproverIDs)

	users, err := m.UsersWithRoles(context.Background(), []string{"reviewer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, users)
}

func TestLoadSeedFile_Errors(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - roles: [x]\n"), 0644))
	_, err = LoadSeedFile(path)
	assert.ErrorContains(t, err, "user without id")
}
