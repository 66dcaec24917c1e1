package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// IsEligible reports whether p may act on step: p holds one of the step's
// roles, or one of p's approver identities is listed on the step. Either
// channel is enough.
func IsEligible(step *repository.ApprovalStep, p directory.Principal) bool {
	if step == nil {
		return false
	}
	return intersects(step.Roles, p.RoleIDs) || intersects(step.Approvers, p.ApproverIDs)
}

// AssignmentResolver maps steps to the users allowed to act on them.
type AssignmentResolver struct {
	dir directory.Directory
}

func NewAssignmentResolver(dir directory.Directory) *AssignmentResolver {
	return &AssignmentResolver{dir: dir}
}

// Principal loads the user's roles and approver identities.
func (r *AssignmentResolver) Principal(ctx context.Context, userID string) (directory.Principal, error) {
	return r.dir.Principal(ctx, userID)
}

// IsEligible loads userID and checks it against step.
func (r *AssignmentResolver) IsEligible(ctx context.Context, step *repository.ApprovalStep, userID string) (bool, error) {
	p, err := r.dir.Principal(ctx, userID)
	if err != nil {
		return false, err
	}
	return IsEligible(step, p), nil
}

// EligibleActors returns every user eligible for step, sorted.
func (r *AssignmentResolver) EligibleActors(ctx context.Context, step *repository.ApprovalStep) ([]string, error) {
	if step == nil {
		return nil, nil
	}
	byRole, err := r.dir.UsersWithRoles(ctx, step.Roles)
	if err != nil {
		return nil, err
	}
	byIdentity, err := r.dir.UsersForApprovers(ctx, step.Approvers)
	if err != nil {
		return nil, err
	}
	return union(byRole, byIdentity), nil
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range sets {
		for _, v := range s {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
