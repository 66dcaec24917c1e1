// Package directory reads the user, role and approver reference data the
// assignment resolver matches against. The data is owned by another system;
// this package only reads it.
package directory

import (
	"context"
	"sort"
)

// Principal is a user as seen by eligibility checks.
type Principal struct {
	UserID string
	// RoleIDs are the roles the user holds.
	RoleIDs []string
	// ApproverIDs are the approver identities (profiles) linked to the user.
	ApproverIDs []string
}

// Directory resolves principals and reverse-maps roles and approver
// identities to users.
type Directory interface {
	Principal(ctx context.Context, userID string) (Principal, error)
	UsersWithRoles(ctx context.Context, roleIDs []string) ([]string, error)
	UsersForApprovers(ctx context.Context, approverIDs []string) ([]string, error)
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
