package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/tracing"
)

// Decision is an approver's verdict on a task.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Event kinds passed to notifiers.
const (
	EventTaskCreated  = "task_created"
	EventTaskApproved = "task_approved"
	EventTaskRejected = "task_rejected"

	// EventTaskReassigned means the eligible actors of a pending task's step changed.
	EventTaskReassigned = "task_reassigned"
)

// TaskView is a task as shown to an eligible user: joined with its step and
// action, and already categorised.
type TaskView struct {
	ID            string    `json:"id"`
	StepID        string    `json:"step_id"`
	StepName      string    `json:"step_name"`
	ActionID      string    `json:"action_id"`
	ActionCode    string    `json:"action_code"`
	ActionLabel   string    `json:"action_label"`
	Level         int       `json:"level"`
	Status        string    `json:"status"`
	ObjectID      string    `json:"object_id"`
	ObjectType    string    `json:"object_type,omitempty"`
	ContentObject string    `json:"content_object"`
	Category      string    `json:"category"`
	UpdatedAt     time.Time `json:"updated_at"`
	ApprovedBy    string    `json:"approved_by,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

// TaskEvent describes one persisted state change.
type TaskEvent struct {
	Kind    string
	Task    TaskView
	Next    *TaskView
	ActorID string
	// Recipients are the users whose pending set changed.
	Recipients []string
	// OwnerID is set when the chain ended and has an owner to tell.
	OwnerID  string
	Terminal bool
}

// DecisionResult is what Decide returns.
type DecisionResult struct {
	Task     *repository.Task
	Next     *repository.Task
	Terminal bool
	// Outcome is the chain status once Terminal: approved or rejected.
	Outcome string
}

// SubmitInput starts an approval chain for an object.
type SubmitInput struct {
	// ActionID accepts an action id or code.
	ActionID      string
	ObjectID      string
	ObjectType    string
	ContentObject string
	OwnerID       string
}

// TaskService runs the per-object approval chain. Task status is written
// only here: Submit creates the first task, Decide resolves the current one
// and creates the next.
type TaskService struct {
	tasks     TaskRepository
	steps     StepRepository
	audit     AuditRepository
	registry  *registry.Registry
	resolver  *AssignmentResolver
	notifiers []Notifier
	taskLocks *KeyedMutex
	objLocks  *KeyedMutex
	log       zerolog.Logger
}

// NewTaskService creates a new TaskService.
func NewTaskService(
	tasks TaskRepository,
	steps StepRepository,
	audit AuditRepository,
	reg *registry.Registry,
	resolver *AssignmentResolver,
	log zerolog.Logger,
) *TaskService {
	return &TaskService{
		tasks:     tasks,
		steps:     steps,
		audit:     audit,
		registry:  reg,
		resolver:  resolver,
		taskLocks: NewKeyedMutex(),
		objLocks:  NewKeyedMutex(),
		log:       log,
	}
}

// AddNotifier registers n for every later state change. Not safe to call
// while requests are being served.
func (s *TaskService) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit activates a task at the lowest-level step of the action.
func (s *TaskService) Submit(ctx context.Context, in SubmitInput) (task *repository.Task, err error) {
	action, err := s.registry.Resolve(in.ActionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ObjectID) == "" {
		return nil, errors.InvalidInput("object_id", "is required")
	}

	ctx, span := tracing.Start(ctx, "TaskService.Submit",
		attribute.String("action.id", action.ID),
		attribute.String("object.id", in.ObjectID))
	defer func() { tracing.End(span, err) }()

	unlock := s.objLocks.Lock(action.ID + "/" + in.ObjectID)
	defer unlock()

	existing, err := s.tasks.GetPending(ctx, action.ID, in.ObjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, repository.ErrPendingExists
	}

	steps, err := s.steps.ListByAction(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	sortByLevel(steps)
	first := steps[0]

	task = &repository.Task{
		StepID:        first.ID,
		ActionID:      action.ID,
		Level:         first.Level,
		ObjectID:      in.ObjectID,
		ObjectType:    in.ObjectType,
		ContentObject: in.ContentObject,
	}
	if in.OwnerID != "" {
		owner := in.OwnerID
		task.OwnerID = &owner
	}
	if err := s.tasks.CreatePending(ctx, task); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		TaskID:      &task.ID,
		ActionID:    action.ID,
		ObjectID:    task.ObjectID,
		Event:       repository.EventSubmitted,
		PerformedBy: in.OwnerID,
		Metadata:    map[string]interface{}{"step_id": first.ID, "level": first.Level},
	})

	s.log.Info().
		Str("task_id", task.ID).
		Str("action", action.Code).
		Str("object_id", task.ObjectID).
		Int("level", task.Level).
		Msg("Approval task created")

	recipients, err := s.resolver.EligibleActors(ctx, first)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("Could not resolve eligible actors")
	}
	s.notify(ctx, TaskEvent{
		Kind:       EventTaskCreated,
		Task:       s.view(task, first, action),
		ActorID:    in.OwnerID,
		Recipients: recipients,
	})

	return task, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide records actorID's decision on a pending task. Approval activates the
// next step, if any; rejection ends the chain. Concurrent calls for one task
// are serialized and every caller after the first gets ErrAlreadyResolved.
func (s *TaskService) Decide(
	ctx context.Context,
	taskID, actorID string,
	decision Decision,
	comment string,
) (result *DecisionResult, err error) {
	if decision != Approve && decision != Reject {
		return nil, errors.InvalidInput("decision", fmt.Sprintf("must be %q or %q", Approve, Reject))
	}
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}

	ctx, span := tracing.Start(ctx, "TaskService.Decide",
		attribute.String("task.id", taskID),
		attribute.String("decision", string(decision)))
	defer func() { tracing.End(span, err) }()

	unlock := s.taskLocks.Lock(taskID)
	defer unlock()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step, err := s.steps.GetByID(ctx, task.StepID)
	if err != nil {
		return nil, err
	}

	principal, err := s.resolver.Principal(ctx, actorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve actor")
	}
	if !IsEligible(step, principal) {
		return nil, ErrNotEligible
	}
	if task.Status != repository.StatusPending {
		return nil, ErrAlreadyResolved
	}

	resolved := task.Clone()
	resolved.ApprovedBy = &actorID
	if comment != "" {
		resolved.Comment = &comment
	}

	var next *repository.Task
	var nextStep *repository.ApprovalStep
	if decision == Approve {
		resolved.Status = repository.StatusApproved
		nextStep, err = s.nextStep(ctx, step)
		if err != nil {
			return nil, err
		}
		if nextStep != nil {
			next = &repository.Task{
				StepID:        nextStep.ID,
				ActionID:      task.ActionID,
				Level:         nextStep.Level,
				ObjectID:      task.ObjectID,
				ObjectType:    task.ObjectType,
				ContentObject: task.ContentObject,
				OwnerID:       task.OwnerID,
			}
		}
	} else {
		resolved.Status = repository.StatusRejected
	}

	if err := s.tasks.Resolve(ctx, resolved, next); err != nil {
		if errors.Is(err, repository.ErrNotPending) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}

	result = &DecisionResult{Task: resolved, Next: next, Terminal: next == nil}
	if result.Terminal {
		result.Outcome = resolved.Status
	}

	event := repository.EventApproved
	if decision == Reject {
		event = repository.EventRejected
	}
	meta := map[string]interface{}{"step_id": step.ID, "level": step.Level}
	if comment != "" {
		meta["comment"] = comment
	}
	if next != nil {
		meta["next_task_id"] = next.ID
		meta["next_level"] = next.Level
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		TaskID:      &resolved.ID,
		ActionID:    resolved.ActionID,
		ObjectID:    resolved.ObjectID,
		Event:       event,
		PerformedBy: actorID,
		Metadata:    meta,
	})

	s.log.Info().
		Str("task_id", resolved.ID).
		Str("actor_id", actorID).
		Str("status", resolved.Status).
		Bool("terminal", result.Terminal).
		Msg("Approval task decided")

	s.notifyDecision(ctx, result, step, nextStep, actorID)
	return result, nil
}

// nextStep returns the step with the lowest level above current, or nil.
func (s *TaskService) nextStep(ctx context.Context, current *repository.ApprovalStep) (*repository.ApprovalStep, error) {
	steps, err := s.steps.ListByAction(ctx, current.ActionID)
	if err != nil {
		return nil, err
	}
	var next *repository.ApprovalStep
	for _, st := range steps {
		if st.ID == current.ID || st.Level <= current.Level {
			continue
		}
		if next == nil || st.Level < next.Level {
			next = st
		}
	}
	return next, nil
}

func (s *TaskService) notifyDecision(
	ctx context.Context,
	result *DecisionResult,
	step, nextStep *repository.ApprovalStep,
	actorID string,
) {
	action := s.action(result.Task.ActionID)

	recipients, err := s.resolver.EligibleActors(ctx, step)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", result.Task.ID).Msg("Could not resolve eligible actors")
	}

	kind := EventTaskApproved
	if result.Task.Status == repository.StatusRejected {
		kind = EventTaskRejected
	}
	ev := TaskEvent{
		Kind:     kind,
		Task:     s.view(result.Task, step, action),
		ActorID:  actorID,
		Terminal: result.Terminal,
	}
	if result.Next != nil {
		nextActors, err := s.resolver.EligibleActors(ctx, nextStep)
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", result.Next.ID).Msg("Could not resolve eligible actors")
		}
		recipients = union(recipients, nextActors)
		v := s.view(result.Next, nextStep, action)
		ev.Next = &v
	}
	if result.Terminal && result.Task.OwnerID != nil {
		ev.OwnerID = *result.Task.OwnerID
	}
	ev.Recipients = recipients
	s.notify(ctx, ev)
}

// StepChanged implements StepWatcher. Every pending task of the step is
// announced to the users who were eligible before the edit and those who
// are eligible after it.
func (s *TaskService) StepChanged(ctx context.Context, before, after *repository.ApprovalStep, actorID string) {
	pending, err := s.tasks.ListPending(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("step_id", after.ID).Msg("Could not list pending tasks after step change")
		return
	}
	var affected []*repository.Task
	for _, t := range pending {
		if t.StepID == after.ID {
			affected = append(affected, t)
		}
	}
	if len(affected) == 0 {
		return
	}

	was, err := s.resolver.EligibleActors(ctx, before)
	if err != nil {
		s.log.Warn().Err(err).Str("step_id", before.ID).Msg("Could not resolve eligible actors")
	}
	now, err := s.resolver.EligibleActors(ctx, after)
	if err != nil {
		s.log.Warn().Err(err).Str("step_id", after.ID).Msg("Could not resolve eligible actors")
	}
	recipients := union(was, now)
	if len(recipients) == 0 {
		return
	}

	action := s.action(after.ActionID)
	for _, t := range affected {
		s.notify(ctx, TaskEvent{
			Kind:       EventTaskReassigned,
			Task:       s.view(t, after, action),
			ActorID:    actorID,
			Recipients: recipients,
		})
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetTask returns one task.
func (s *TaskService) GetTask(ctx context.Context, id string) (*repository.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// PendingForUser returns every pending task userID may decide, ordered by
// updated_at then id.
func (s *TaskService) PendingForUser(ctx context.Context, userID string) ([]TaskView, error) {
	principal, err := s.resolver.Principal(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve user")
	}
	pending, err := s.tasks.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	stepsByAction := make(map[string]map[string]*repository.ApprovalStep)
	views := make([]TaskView, 0)
	for _, t := range pending {
		byID, ok := stepsByAction[t.ActionID]
		if !ok {
			list, err := s.steps.ListByAction(ctx, t.ActionID)
			if err != nil {
				return nil, err
			}
			byID = make(map[string]*repository.ApprovalStep, len(list))
			for _, st := range list {
				byID[st.ID] = st
			}
			stepsByAction[t.ActionID] = byID
		}
		step := byID[t.StepID]
		if !IsEligible(step, principal) {
			continue
		}
		views = append(views, s.view(t, step, s.action(t.ActionID)))
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].UpdatedAt.Equal(views[j].UpdatedAt) {
			return views[i].UpdatedAt.Before(views[j].UpdatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

// ListObjectTasks returns the chain of tasks an object went through.
func (s *TaskService) ListObjectTasks(ctx context.Context, actionRef, objectID string) ([]TaskView, error) {
	action, err := s.registry.Resolve(actionRef)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByObject(ctx, action.ID, objectID)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		step, err := s.steps.GetByID(ctx, t.StepID)
		if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, err
		}
		views = append(views, s.view(t, step, action))
	}
	return views, nil
}

// History returns the audit trail of an object under an action.
func (s *TaskService) History(ctx context.Context, actionRef, objectID string) ([]*repository.AuditEntry, error) {
	action, err := s.registry.Resolve(actionRef)
	if err != nil {
		return nil, err
	}
	return s.audit.ListByObject(ctx, action.ID, objectID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *TaskService) view(t *repository.Task, step *repository.ApprovalStep, action registry.Action) TaskView {
	v := TaskView{
		ID:            t.ID,
		StepID:        t.StepID,
		ActionID:      t.ActionID,
		ActionCode:    action.Code,
		ActionLabel:   action.Label,
		Level:         t.Level,
		Status:        t.Status,
		ObjectID:      t.ObjectID,
		ObjectType:    t.ObjectType,
		ContentObject: t.ContentObject,
		Category:      CategoryOf(action.Code),
		UpdatedAt:     t.UpdatedAt,
	}
	if step != nil {
		v.StepName = step.StepName
	}
	if t.ApprovedBy != nil {
		v.ApprovedBy = *t.ApprovedBy
	}
	if t.Comment != nil {
		v.Comment = *t.Comment
	}
	return v
}

// action looks up the catalog entry, falling back to the bare id for actions
// removed from the catalog after their tasks were created.
func (s *TaskService) action(id string) registry.Action {
	a, err := s.registry.Get(id)
	if err != nil {
		return registry.Action{ID: id, Code: id, Label: id}
	}
	return a
}

func (s *TaskService) notify(ctx context.Context, ev TaskEvent) {
	for _, n := range s.notifiers {
		n.Notify(ctx, ev)
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *TaskService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("object_id", entry.ObjectID).
			Str("event", entry.Event).
			Msg("Failed to write audit log entry")
	}
}
