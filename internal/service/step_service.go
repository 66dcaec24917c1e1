package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/tracing"
)

// Direction of a step move.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// workingOrder is the in-memory order of one action's steps. baseline holds
// the levels as last read from or written to the store.
type workingOrder struct {
	steps    []*repository.ApprovalStep
	baseline map[string]int
	dirty    bool
}

// StepService owns approval steps: CRUD plus move/commit reordering.
//
// Moves only touch the working order. CommitOrder writes it in one batch; a
// failed commit keeps the working order dirty so it can be retried or
// discarded. Calls for the same action are serialized; a commit also fails
// with ErrReorderConflict when the stored levels moved away from the
// baseline.
type StepService struct {
	repo     StepRepository
	audit    AuditRepository
	registry *registry.Registry
	locks    *KeyedMutex
	watchers []StepWatcher
	log      zerolog.Logger

	mu     sync.Mutex
	orders map[string]*workingOrder
}

// NewStepService creates a new StepService.
func NewStepService(repo StepRepository, audit AuditRepository, reg *registry.Registry, log zerolog.Logger) *StepService {
	return &StepService{
		repo:     repo,
		audit:    audit,
		registry: reg,
		locks:    NewKeyedMutex(),
		log:      log,
		orders:   make(map[string]*workingOrder),
	}
}

// AddWatcher registers w for later eligibility changes. Not safe to call
// while requests are being served.
func (s *StepService) AddWatcher(w StepWatcher) {
	s.watchers = append(s.watchers, w)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// ListSteps returns the steps of an action ordered by level. While the action
// has uncommitted moves the working order is returned.
func (s *StepService) ListSteps(ctx context.Context, actionID string) ([]*repository.ApprovalStep, error) {
	if _, err := s.registry.Get(actionID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(actionID)
	defer unlock()

	wo, err := s.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return cloneSteps(wo.steps), nil
}

// ListInstitutionSteps returns every persisted step of an institution.
func (s *StepService) ListInstitutionSteps(ctx context.Context, institutionID string) ([]*repository.ApprovalStep, error) {
	if institutionID == "" {
		return nil, errors.InvalidInput("institution_id", "is required")
	}
	return s.repo.ListByInstitution(ctx, institutionID)
}

// GetStep returns one persisted step.
func (s *StepService) GetStep(ctx context.Context, id string) (*repository.ApprovalStep, error) {
	return s.repo.GetByID(ctx, id)
}

// IsDirty reports whether the action has uncommitted moves.
func (s *StepService) IsDirty(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.orders[actionID]
	return ok && wo.dirty
}

// ── Reordering ────────────────────────────────────────────────────────────────

// MoveStepUp swaps the level of the step at index with the one before it.
func (s *StepService) MoveStepUp(ctx context.Context, actionID string, index int) ([]*repository.ApprovalStep, error) {
	return s.move(ctx, actionID, index, Up)
}

// MoveStepDown swaps the level of the step at index with the one after it.
func (s *StepService) MoveStepDown(ctx context.Context, actionID string, index int) ([]*repository.ApprovalStep, error) {
	return s.move(ctx, actionID, index, Down)
}

// MoveStep dispatches on dir.
func (s *StepService) MoveStep(ctx context.Context, actionID string, index int, dir Direction) ([]*repository.ApprovalStep, error) {
	switch dir {
	case Up, Down:
		return s.move(ctx, actionID, index, dir)
	default:
		return nil, errors.InvalidInput("direction", fmt.Sprintf("must be %q or %q", Up, Down))
	}
}

func (s *StepService) move(ctx context.Context, actionID string, index int, dir Direction) ([]*repository.ApprovalStep, error) {
	if _, err := s.registry.Get(actionID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(actionID)
	defer unlock()

	wo, err := s.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(wo.steps) {
		return nil, errors.InvalidInput("index", fmt.Sprintf("%d is out of range for %d steps", index, len(wo.steps)))
	}

	other := index - 1
	if dir == Down {
		other = index + 1
	}
	if other < 0 || other >= len(wo.steps) {
		return cloneSteps(wo.steps), nil
	}

	a, b := wo.steps[index], wo.steps[other]
	if a.Level == b.Level {
		return nil, ErrDuplicateLevel
	}
	a.Level, b.Level = b.Level, a.Level
	sortByLevel(wo.steps)
	wo.dirty = true

	s.log.Debug().
		Str("action_id", actionID).
		Str("step_id", a.ID).
		Str("direction", string(dir)).
		Int("level", a.Level).
		Msg("Approval step moved")

	return cloneSteps(wo.steps), nil
}

// CommitOrder persists the working order of an action. It does nothing when
// there are no uncommitted moves.
func (s *StepService) CommitOrder(ctx context.Context, actionID, performedBy string) (steps []*repository.ApprovalStep, err error) {
	if _, err := s.registry.Get(actionID); err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "StepService.CommitOrder", attribute.String("action.id", actionID))
	defer func() { tracing.End(span, err) }()

	unlock := s.locks.Lock(actionID)
	defer unlock()

	s.mu.Lock()
	wo, ok := s.orders[actionID]
	s.mu.Unlock()
	if !ok || !wo.dirty {
		fresh, err := s.load(ctx, actionID)
		if err != nil {
			return nil, err
		}
		return cloneSteps(fresh.steps), nil
	}

	updates := make([]repository.LevelUpdate, 0, len(wo.steps))
	seen := make(map[int]struct{}, len(wo.steps))
	for _, st := range wo.steps {
		if _, dup := seen[st.Level]; dup {
			return nil, ErrDuplicateLevel
		}
		seen[st.Level] = struct{}{}
		updates = append(updates, repository.LevelUpdate{StepID: st.ID, Level: st.Level})
	}

	if err := s.repo.UpdateLevels(ctx, actionID, wo.baseline, updates); err != nil {
		s.log.Warn().Err(err).Str("action_id", actionID).Msg("Approval step order commit failed")
		if errors.Is(err, repository.ErrLevelsChanged) {
			return nil, ErrReorderConflict
		}
		return nil, err
	}

	order := make([]string, 0, len(wo.steps))
	for _, st := range wo.steps {
		wo.baseline[st.ID] = st.Level
		order = append(order, fmt.Sprintf("%s:%d", st.ID, st.Level))
	}
	wo.dirty = false

	s.appendAudit(ctx, &repository.AuditEntry{
		ActionID:    actionID,
		Event:       repository.EventStepsReordered,
		PerformedBy: performedBy,
		Metadata:    map[string]interface{}{"order": strings.Join(order, ",")},
	})

	s.log.Info().
		Str("action_id", actionID).
		Int("steps", len(wo.steps)).
		Msg("Approval step order committed")

	return cloneSteps(wo.steps), nil
}

// DiscardOrder drops uncommitted moves and returns the persisted order.
func (s *StepService) DiscardOrder(ctx context.Context, actionID string) ([]*repository.ApprovalStep, error) {
	if _, err := s.registry.Get(actionID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(actionID)
	defer unlock()

	s.mu.Lock()
	delete(s.orders, actionID)
	s.mu.Unlock()

	wo, err := s.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return cloneSteps(wo.steps), nil
}

// load returns the working order, reading the store unless there are
// uncommitted moves. Caller holds the action lock.
func (s *StepService) load(ctx context.Context, actionID string) (*workingOrder, error) {
	s.mu.Lock()
	wo, ok := s.orders[actionID]
	s.mu.Unlock()
	if ok && wo.dirty {
		return wo, nil
	}

	steps, err := s.repo.ListByAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	sortByLevel(steps)
	wo = &workingOrder{steps: steps, baseline: make(map[string]int, len(steps))}
	for _, st := range steps {
		wo.baseline[st.ID] = st.Level
	}

	s.mu.Lock()
	s.orders[actionID] = wo
	s.mu.Unlock()
	return wo, nil
}

// ── Step CRUD ─────────────────────────────────────────────────────────────────

// CreateStepInput describes a new step. Level 0 appends after the current
// highest level of the action.
type CreateStepInput struct {
	InstitutionID string
	StepName      string
	ActionID      string
	Level         int
	Roles         []string
	Approvers     []string
	CreatedBy     string
}

// CreateStep adds a step to an action's chain.
func (s *StepService) CreateStep(ctx context.Context, in CreateStepInput) (*repository.ApprovalStep, error) {
	if _, err := s.registry.Get(in.ActionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.StepName) == "" {
		return nil, errors.InvalidInput("step_name", "is required")
	}
	if in.Level < 0 {
		return nil, errors.InvalidInput("level", "must be positive")
	}
	if len(in.Roles) == 0 && len(in.Approvers) == 0 {
		return nil, errors.InvalidInput("roles", "a step needs at least one role or approver")
	}

	unlock := s.locks.Lock(in.ActionID)
	defer unlock()

	s.mu.Lock()
	wo := s.orders[in.ActionID]
	s.mu.Unlock()

	level := in.Level
	if level == 0 {
		stored, err := s.repo.MaxLevel(ctx, in.ActionID)
		if err != nil {
			return nil, err
		}
		level = stored
		if wo != nil {
			for _, st := range wo.steps {
				level = max(level, st.Level)
			}
		}
		level++
	} else if wo != nil {
		for _, st := range wo.steps {
			if st.Level == level {
				return nil, errors.New(errors.ErrCodeConflict, "an approval step already uses this level")
			}
		}
	}

	step := &repository.ApprovalStep{
		InstitutionID: in.InstitutionID,
		StepName:      strings.TrimSpace(in.StepName),
		ActionID:      in.ActionID,
		Level:         level,
		Roles:         dedupe(in.Roles),
		Approvers:     dedupe(in.Approvers),
	}
	if err := s.repo.Create(ctx, step); err != nil {
		return nil, err
	}

	if wo != nil {
		wo.steps = append(wo.steps, step.Clone())
		sortByLevel(wo.steps)
		wo.baseline[step.ID] = step.Level
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ActionID:    step.ActionID,
		Event:       repository.EventStepCreated,
		PerformedBy: in.CreatedBy,
		Metadata:    map[string]interface{}{"step_id": step.ID, "level": step.Level},
	})

	s.log.Info().
		Str("action_id", step.ActionID).
		Str("step_id", step.ID).
		Int("level", step.Level).
		Msg("Approval step created")

	return step, nil
}

// UpdateStepInput changes the non-nil fields of a step.
type UpdateStepInput struct {
	StepName  *string
	Roles     *[]string
	Approvers *[]string
	UpdatedBy string
}

// UpdateStep edits the name and eligible actors of a step. Levels change only
// through reordering.
func (s *StepService) UpdateStep(ctx context.Context, id string, in UpdateStepInput) (*repository.ApprovalStep, error) {
	step, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(step.ActionID)
	defer unlock()

	before := step.Clone()
	if in.StepName != nil {
		name := strings.TrimSpace(*in.StepName)
		if name == "" {
			return nil, errors.InvalidInput("step_name", "is required")
		}
		step.StepName = name
	}
	if in.Roles != nil {
		step.Roles = dedupe(*in.Roles)
	}
	if in.Approvers != nil {
		step.Approvers = dedupe(*in.Approvers)
	}
	if len(step.Roles) == 0 && len(step.Approvers) == 0 {
		return nil, errors.InvalidInput("roles", "a step needs at least one role or approver")
	}

	if err := s.repo.Update(ctx, step); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if wo, ok := s.orders[step.ActionID]; ok {
		for _, st := range wo.steps {
			if st.ID == step.ID {
				st.StepName = step.StepName
				st.Roles = append([]string(nil), step.Roles...)
				st.Approvers = append([]string(nil), step.Approvers...)
				st.UpdatedAt = step.UpdatedAt
			}
		}
	}
	s.mu.Unlock()

	if !sameStrings(before.Roles, step.Roles) || !sameStrings(before.Approvers, step.Approvers) {
		for _, w := range s.watchers {
			w.StepChanged(ctx, before, step.Clone(), in.UpdatedBy)
		}
	}
	return step, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DeleteStep removes a step. Remaining levels are not renumbered.
func (s *StepService) DeleteStep(ctx context.Context, id, deletedBy string) error {
	step, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(step.ActionID)
	defer unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	if wo, ok := s.orders[step.ActionID]; ok {
		kept := wo.steps[:0]
		for _, st := range wo.steps {
			if st.ID != id {
				kept = append(kept, st)
			}
		}
		wo.steps = kept
		delete(wo.baseline, id)
	}
	s.mu.Unlock()

	s.appendAudit(ctx, &repository.AuditEntry{
		ActionID:    step.ActionID,
		Event:       repository.EventStepDeleted,
		PerformedBy: deletedBy,
		Metadata:    map[string]interface{}{"step_id": id, "level": step.Level},
	})

	s.log.Info().
		Str("action_id", step.ActionID).
		Str("step_id", id).
		Msg("Approval step deleted")

	return nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *StepService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("action_id", entry.ActionID).
			Str("event", entry.Event).
			Msg("Failed to write audit log entry")
	}
}

func sortByLevel(steps []*repository.ApprovalStep) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Level < steps[j].Level })
}

func cloneSteps(steps []*repository.ApprovalStep) []*repository.ApprovalStep {
	out := make([]*repository.ApprovalStep, len(steps))
	for i, st := range steps {
		out[i] = st.Clone()
	}
	return out
}

func dedupe(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
