package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// MemoryStore keeps steps, tasks and the audit log in process. It backs the
// "memory" store driver and the service tests. All reads return copies.
type MemoryStore struct {
	mu    sync.RWMutex
	steps map[string]*ApprovalStep
	tasks map[string]*Task
	audit []*AuditEntry
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps: make(map[string]*ApprovalStep),
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Tests use it to get distinct,
// ordered timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Steps() *MemoryStepRepository { return &MemoryStepRepository{m} }
func (m *MemoryStore) Tasks() *MemoryTaskRepository { return &MemoryTaskRepository{m} }
func (m *MemoryStore) Audit() *MemoryAuditRepository { return &MemoryAuditRepository{m} }

// ── steps ─────────────────────────────────────────────────────────────────────

type MemoryStepRepository struct{ s *MemoryStore }

func (r *MemoryStepRepository) ListByAction(_ context.Context, actionID string) ([]*ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.filterSteps(func(st *ApprovalStep) bool { return st.ActionID == actionID }), nil
}

func (r *MemoryStepRepository) ListByInstitution(_ context.Context, institutionID string) ([]*ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.s.filterSteps(func(st *ApprovalStep) bool { return st.InstitutionID == institutionID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out, nil
}

func (r *MemoryStepRepository) GetByID(_ context.Context, id string) (*ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	st, ok := r.s.steps[id]
	if !ok {
		return nil, errors.NotFound("approval_step", id)
	}
	return st.Clone(), nil
}

func (r *MemoryStepRepository) MaxLevel(_ context.Context, actionID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	level := 0
	for _, st := range r.s.steps {
		if st.ActionID == actionID {
			level = max(level, st.Level)
		}
	}
	return level, nil
}

func (r *MemoryStepRepository) Create(_ context.Context, step *ApprovalStep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, st := range r.s.steps {
		if st.ActionID == step.ActionID && st.Level == step.Level {
			return errors.New(errors.ErrCodeConflict, "an approval step already uses this level")
		}
	}
	now := r.s.now()
	step.ID = uuid.NewString()
	step.CreatedAt = now
	step.UpdatedAt = now
	r.s.steps[step.ID] = step.Clone()
	return nil
}

func (r *MemoryStepRepository) Update(_ context.Context, step *ApprovalStep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.steps[step.ID]
	if !ok {
		return errors.NotFound("approval_step", step.ID)
	}
	st.StepName = step.StepName
	st.Roles = append([]string(nil), step.Roles...)
	st.Approvers = append([]string(nil), step.Approvers...)
	st.UpdatedAt = r.s.now()
	step.UpdatedAt = st.UpdatedAt
	return nil
}

func (r *MemoryStepRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.steps[id]; !ok {
		return errors.NotFound("approval_step", id)
	}
	for _, t := range r.s.tasks {
		if t.StepID == id && t.Status == StatusPending {
			return ErrStepInUse
		}
	}
	for tid, t := range r.s.tasks {
		if t.StepID == id {
			delete(r.s.tasks, tid)
		}
	}
	delete(r.s.steps, id)
	return nil
}

func (r *MemoryStepRepository) UpdateLevels(_ context.Context, actionID string, expected map[string]int, updates []LevelUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current := make(map[string]int)
	for id, st := range r.s.steps {
		if st.ActionID == actionID {
			current[id] = st.Level
		}
	}
	if !sameLevels(current, expected) {
		return ErrLevelsChanged
	}
	for _, u := range updates {
		if _, ok := current[u.StepID]; !ok {
			return ErrLevelsChanged
		}
	}

	now := r.s.now()
	for _, u := range updates {
		st := r.s.steps[u.StepID]
		st.Level = u.Level
		st.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) filterSteps(keep func(*ApprovalStep) bool) []*ApprovalStep {
	var out []*ApprovalStep
	for _, st := range s.steps {
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ── tasks ─────────────────────────────────────────────────────────────────────

type MemoryTaskRepository struct{ s *MemoryStore }

func (r *MemoryTaskRepository) CreatePending(_ context.Context, task *Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertTask(task)
}

func (r *MemoryTaskRepository) GetByID(_ context.Context, id string) (*Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, errors.NotFound("approval_task", id)
	}
	return t.Clone(), nil
}

func (r *MemoryTaskRepository) GetPending(_ context.Context, actionID, objectID string) (*Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if t := r.s.pendingFor(actionID, objectID); t != nil {
		return t.Clone(), nil
	}
	return nil, nil
}

func (r *MemoryTaskRepository) ListPending(_ context.Context) ([]*Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Task
	for _, t := range r.s.tasks {
		if t.Status == StatusPending {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryTaskRepository) ListByObject(_ context.Context, actionID, objectID string) ([]*Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Task
	for _, t := range r.s.tasks {
		if t.ActionID == actionID && t.ObjectID == objectID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

func (r *MemoryTaskRepository) Resolve(_ context.Context, resolved *Task, next *Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[resolved.ID]
	if !ok {
		return errors.NotFound("approval_task", resolved.ID)
	}
	if t.Status != StatusPending {
		return ErrNotPending
	}
	if next != nil {
		// validate before mutating so a failure leaves nothing behind
		if other := r.s.pendingFor(next.ActionID, next.ObjectID); other != nil && other.ID != t.ID {
			return ErrPendingExists
		}
	}

	t.Status = resolved.Status
	t.ApprovedBy = copyString(resolved.ApprovedBy)
	t.Comment = copyString(resolved.Comment)
	t.UpdatedAt = r.s.now()
	resolved.UpdatedAt = t.UpdatedAt

	if next == nil {
		return nil
	}
	return r.s.insertTask(next)
}

// insertTask stores task as pending; caller holds the write lock.
func (s *MemoryStore) insertTask(task *Task) error {
	if s.pendingFor(task.ActionID, task.ObjectID) != nil {
		return ErrPendingExists
	}
	now := s.now()
	task.ID = uuid.NewString()
	task.Status = StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) pendingFor(actionID, objectID string) *Task {
	for _, t := range s.tasks {
		if t.ActionID == actionID && t.ObjectID == objectID && t.Status == StatusPending {
			return t
		}
	}
	return nil
}

// ── audit ─────────────────────────────────────────────────────────────────────

type MemoryAuditRepository struct{ s *MemoryStore }

func (r *MemoryAuditRepository) Append(_ context.Context, entry *AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.PerformedAt = r.s.now()
	c := *entry
	c.TaskID = copyString(entry.TaskID)
	r.s.audit = append(r.s.audit, &c)
	return nil
}

func (r *MemoryAuditRepository) ListByObject(_ context.Context, actionID, objectID string) ([]*AuditEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range r.s.audit {
		if e.ActionID == actionID && e.ObjectID == objectID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
