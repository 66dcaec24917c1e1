package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// StepRepository persists approval steps. Implemented by
// repository.ApprovalStepsRepository and repository.MemoryStepRepository.
type StepRepository interface {
	ListByAction(ctx context.Context, actionID string) ([]*repository.ApprovalStep, error)
	ListByInstitution(ctx context.Context, institutionID string) ([]*repository.ApprovalStep, error)
	GetByID(ctx context.Context, id string) (*repository.ApprovalStep, error)
	MaxLevel(ctx context.Context, actionID string) (int, error)
	Create(ctx context.Context, step *repository.ApprovalStep) error
	Update(ctx context.Context, step *repository.ApprovalStep) error
	Delete(ctx context.Context, id string) error
	UpdateLevels(ctx context.Context, actionID string, expected map[string]int, updates []repository.LevelUpdate) error
}

// TaskRepository persists approval tasks.
type TaskRepository interface {
	CreatePending(ctx context.Context, task *repository.Task) error
	GetByID(ctx context.Context, id string) (*repository.Task, error)
	GetPending(ctx context.Context, actionID, objectID string) (*repository.Task, error)
	ListPending(ctx context.Context) ([]*repository.Task, error)
	ListByObject(ctx context.Context, actionID, objectID string) ([]*repository.Task, error)
	Resolve(ctx context.Context, resolved, next *repository.Task) error
}

// AuditRepository appends to and reads the audit trail.
type AuditRepository interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByObject(ctx context.Context, actionID, objectID string) ([]*repository.AuditEntry, error)
}

// Notifier receives task state changes after they are persisted. Notify must
// not block for long; failures are the notifier's to log.
type Notifier interface {
	Notify(ctx context.Context, event TaskEvent)
}

// StepWatcher is told when an edit changes who may act on a step.
type StepWatcher interface {
	StepChanged(ctx context.Context, before, after *repository.ApprovalStep, actorID string)
}
