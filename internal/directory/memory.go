package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML layout of a memory directory file:
//
//	users:
//	  - id: "42"
//	    roles: ["reviewer"]
//	    approver_ids: ["p-42"]
type Seed struct {
	Users []SeedUser `yaml:"users"`
}

type SeedUser struct {
	ID          string   `yaml:"id"`
	Roles       []string `yaml:"roles"`
	ApproverIDs []string `yaml:"approver_ids"`
}

// Memory is an in-process Directory.
type Memory struct {
	mu    sync.RWMutex
	users map[string]Principal
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]Principal)}
}

// LoadSeedFile builds a memory directory from a YAML seed file.
func LoadSeedFile(path string) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse directory seed %s: %w", path, err)
	}

	m := NewMemory()
	for _, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory seed %s: user without id", path)
		}
		m.Put(Principal{UserID: u.ID, RoleIDs: u.Roles, ApproverIDs: u.ApproverIDs})
	}
	return m, nil
}

// Put adds or replaces a user.
func (m *Memory) Put(p Principal) {
	p.RoleIDs = uniqueSorted(p.RoleIDs)
	p.ApproverIDs = uniqueSorted(p.ApproverIDs)

	m.mu.Lock()
	m.users[p.UserID] = p
	m.mu.Unlock()
}

// GrantRole adds a role to a user, creating the user if needed.
func (m *Memory) GrantRole(userID, roleID string) {
	m.mu.Lock()
	p := m.users[userID]
	p.UserID = userID
	p.RoleIDs = uniqueSorted(append(p.RoleIDs, roleID))
	m.users[userID] = p
	m.mu.Unlock()
}

// Principal returns the user, or a principal with no roles or approver links
// when the user is unknown.
func (m *Memory) Principal(_ context.Context, userID string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userID]
	if !ok {
		return Principal{UserID: userID}, nil
	}
	return clone(p), nil
}

func (m *Memory) UsersWithRoles(_ context.Context, roleIDs []string) ([]string, error) {
	return m.match(roleIDs, func(p Principal) []string { return p.RoleIDs }), nil
}

func (m *Memory) UsersForApprovers(_ context.Context, approverIDs []string) ([]string, error) {
	return m.match(approverIDs, func(p Principal) []string { return p.ApproverIDs }), nil
}

func (m *Memory) match(ids []string, field func(Principal) []string) []string {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for uid, p := range m.users {
		for _, v := range field(p) {
			if _, ok := want[v]; ok {
				out = append(out, uid)
				break
			}
		}
	}
	return uniqueSorted(out)
}

func clone(p Principal) Principal {
	return Principal{
		UserID:      p.UserID,
		RoleIDs:     append([]string(nil), p.RoleIDs...),
		ApproverIDs: append([]string(nil), p.ApproverIDs...),
	}
}
