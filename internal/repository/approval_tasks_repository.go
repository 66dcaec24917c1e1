package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApprovalTasksRepository stores approval tasks in Postgres. A task's status
// moves out of pending exactly once, through Resolve.
type ApprovalTasksRepository struct {
	db *database.DB
}

// NewApprovalTasksRepository creates a new ApprovalTasksRepository.
func NewApprovalTasksRepository(db *database.DB) *ApprovalTasksRepository {
	return &ApprovalTasksRepository{db: db}
}

const taskColumns = `
	id, step_id, action_id, level, status,
	object_id, object_type, content_object,
	owner_id, approved_by, comment,
	created_at, updated_at
`

const insertTask = `
	INSERT INTO approval_tasks
	    (step_id, action_id, level, status,
	     object_id, object_type, content_object, owner_id)
	VALUES ($1, $2, $3, 'pending',
	        $4, $5, $6, $7)
	RETURNING id, status, created_at, updated_at
`

// CreatePending inserts a pending task. The partial unique index on
// (action_id, object_id) turns a second active task into ErrPendingExists.
func (r *ApprovalTasksRepository) CreatePending(ctx context.Context, task *Task) error {
	return r.insert(ctx, r.db.Pool, task)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *ApprovalTasksRepository) insert(ctx context.Context, q queryRower, task *Task) error {
	err := q.QueryRow(ctx, insertTask,
		task.StepID,
		task.ActionID,
		task.Level,
		task.ObjectID,
		task.ObjectType,
		task.ContentObject,
		task.OwnerID,
	).Scan(&task.ID, &task.Status, &task.CreatedAt, &task.UpdatedAt)
	switch pgCode(err) {
	case pgUniqueViolation:
		return ErrPendingExists
	case pgForeignKeyViolation:
		return errors.NotFound("approval_step", task.StepID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval task")
	}
	return nil
}

// GetByID returns one task.
func (r *ApprovalTasksRepository) GetByID(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM approval_tasks WHERE id = $1`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows || pgCode(err) == pgInvalidText {
		return nil, errors.NotFound("approval_task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval task")
	}
	return task, nil
}

// GetPending returns the active task of an object under an action, or nil.
func (r *ApprovalTasksRepository) GetPending(ctx context.Context, actionID, objectID string) (*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE action_id = $1 AND object_id = $2 AND status = 'pending'
	`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, actionID, objectID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approval task")
	}
	return task, nil
}

// ListPending returns every pending task, oldest update first.
func (r *ApprovalTasksRepository) ListPending(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE status = 'pending'
		ORDER BY updated_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approval tasks")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByObject returns the chain of tasks an object went through under an
// action, in level order.
func (r *ApprovalTasksRepository) ListByObject(ctx context.Context, actionID, objectID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE action_id = $1 AND object_id = $2
		ORDER BY created_at ASC, level ASC
	`

	rows, err := r.db.Query(ctx, query, actionID, objectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list object approval tasks")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Resolve records a decision on a pending task and, when next is non-nil,
// activates next in the same transaction. If the task is no longer pending
// nothing is written and ErrNotPending is returned.
func (r *ApprovalTasksRepository) Resolve(ctx context.Context, resolved *Task, next *Task) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_tasks
			SET status      = $2,
			    approved_by = $3,
			    comment     = $4,
			    updated_at  = NOW()
			WHERE id = $1
			  AND status = 'pending'
			RETURNING updated_at
		`

		err := tx.QueryRow(ctx, query,
			resolved.ID,
			resolved.Status,
			resolved.ApprovedBy,
			resolved.Comment,
		).Scan(&resolved.UpdatedAt)
		if err == pgx.ErrNoRows {
			return ErrNotPending
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approval task")
		}

		if next == nil {
			return nil
		}
		return r.insert(ctx, tx, next)
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type taskScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalTasksRepository) scanTask(row taskScanner) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID,
		&t.StepID,
		&t.ActionID,
		&t.Level,
		&t.Status,
		&t.ObjectID,
		&t.ObjectType,
		&t.ContentObject,
		&t.OwnerID,
		&t.ApprovedBy,
		&t.Comment,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ApprovalTasksRepository) scanRows(rows pgx.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval tasks")
	}
	return tasks, nil
}
