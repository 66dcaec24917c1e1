package service

import (
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

var (
	// ErrNotEligible: the actor is in neither the role nor the approver set of
	// the task's step.
	ErrNotEligible = errors.New(errors.ErrCodeForbidden, "user is not eligible to act on this approval task")
	// ErrAlreadyResolved: the task was decided already. Clients should resync.
	ErrAlreadyResolved = errors.New(errors.ErrCodeConflict, "approval task is already resolved")
	// ErrReorderConflict: the stored step levels changed since the working
	// order was loaded. Discard and retry with the fresh order.
	ErrReorderConflict = errors.New(errors.ErrCodeConflict, "approval steps were reordered concurrently")
	// ErrDuplicateLevel: two steps of one action share a level.
	ErrDuplicateLevel = errors.New(errors.ErrCodeInvalidInput, "two approval steps share a level")
	// ErrNoSteps: the action has no approval chain configured.
	ErrNoSteps = errors.New(errors.ErrCodeInvalidInput, "action has no approval steps")
)
