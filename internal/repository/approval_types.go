package repository

import "time"

// ── Domain types for the approval workflow ───────────────────────────────────

// Task statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Audit events.
const (
	EventSubmitted      = "submitted"
	EventApproved       = "approved"
	EventRejected       = "rejected"
	EventStepsReordered = "steps_reordered"
	EventStepCreated    = "step_created"
	EventStepDeleted    = "step_deleted"
)

// ApprovalStep is one gate in an action's approval chain. Lower levels run
// first; levels are unique per action but may have gaps.
type ApprovalStep struct {
	ID            string    `json:"id"`
	InstitutionID string    `json:"institution_id"`
	StepName      string    `json:"step_name"`
	ActionID      string    `json:"action_id"`
	Level         int       `json:"level"`
	Roles         []string  `json:"roles"`     // role ids, any of which may act
	Approvers     []string  `json:"approvers"` // approver (profile) ids, any of which may act
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *ApprovalStep) Clone() *ApprovalStep {
	c := *s
	c.Roles = append([]string(nil), s.Roles...)
	c.Approvers = append([]string(nil), s.Approvers...)
	return &c
}

// LevelUpdate assigns a level to one step.
type LevelUpdate struct {
	StepID string `json:"step_id"`
	Level  int    `json:"level"`
}

// Task binds one object to one step of its action's chain.
type Task struct {
	ID            string    `json:"id"`
	StepID        string    `json:"step_id"`
	ActionID      string    `json:"action_id"`
	Level         int       `json:"level"`
	Status        string    `json:"status"` // pending | approved | rejected
	ObjectID      string    `json:"object_id"`
	ObjectType    string    `json:"object_type,omitempty"`
	ContentObject string    `json:"content_object"` // display string of the object under approval
	OwnerID       *string   `json:"owner_id,omitempty"`
	ApprovedBy    *string   `json:"approved_by,omitempty"`
	Comment       *string   `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with t.
func (t *Task) Clone() *Task {
	c := *t
	c.OwnerID = copyString(t.OwnerID)
	c.ApprovedBy = copyString(t.ApprovedBy)
	c.Comment = copyString(t.Comment)
	return &c
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID          string                 `json:"id"`
	TaskID      *string                `json:"task_id,omitempty"`
	ActionID    string                 `json:"action_id"`
	ObjectID    string                 `json:"object_id"`
	Event       string                 `json:"event"`
	PerformedBy string                 `json:"performed_by"`
	PerformedAt time.Time              `json:"performed_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
