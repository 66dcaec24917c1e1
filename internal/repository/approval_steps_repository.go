package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApprovalStepsRepository stores approval steps in Postgres.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, institution_id, step_name, action_id, level,
	roles, approvers, created_at, updated_at
`

// ListByAction returns all steps of an action ordered by level.
func (r *ApprovalStepsRepository) ListByAction(ctx context.Context, actionID string) ([]*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE action_id = $1
		ORDER BY level ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, actionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByInstitution returns every step configured by an institution.
func (r *ApprovalStepsRepository) ListByInstitution(ctx context.Context, institutionID string) ([]*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE institution_id = $1
		ORDER BY action_id ASC, level ASC
	`

	rows, err := r.db.Query(ctx, query, institutionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list institution approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByID returns one step.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, id string) (*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows || pgCode(err) == pgInvalidText {
		return nil, errors.NotFound("approval_step", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval step")
	}
	return step, nil
}

// MaxLevel returns the highest level used by an action, or 0.
func (r *ApprovalStepsRepository) MaxLevel(ctx context.Context, actionID string) (int, error) {
	var level int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(level), 0) FROM approval_steps WHERE action_id = $1`, actionID,
	).Scan(&level)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read max step level")
	}
	return level, nil
}

// Create inserts a step at step.Level.
func (r *ApprovalStepsRepository) Create(ctx context.Context, step *ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (institution_id, step_name, action_id, level, roles, approvers)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.InstitutionID,
		step.StepName,
		step.ActionID,
		step.Level,
		nonNil(step.Roles),
		nonNil(step.Approvers),
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if pgCode(err) == pgUniqueViolation {
		return errors.New(errors.ErrCodeConflict, "an approval step already uses this level")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
	}
	return nil
}

// Update rewrites the name and eligible actors of a step. Levels only change
// through UpdateLevels.
func (r *ApprovalStepsRepository) Update(ctx context.Context, step *ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET step_name  = $2,
		    roles      = $3,
		    approvers  = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.ID,
		step.StepName,
		nonNil(step.Roles),
		nonNil(step.Approvers),
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows || pgCode(err) == pgInvalidText {
		return errors.NotFound("approval_step", step.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	return nil
}

// Delete removes a step together with its resolved tasks. Remaining levels
// are left as they are. A step with a pending task is not deleted.
func (r *ApprovalStepsRepository) Delete(ctx context.Context, id string) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// the row lock holds off task inserts that reference this step
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM approval_steps WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		switch {
		case err == pgx.ErrNoRows || pgCode(err) == pgInvalidText:
			return errors.NotFound("approval_step", id)
		case err != nil:
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval step")
		}

		var pending bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_tasks WHERE step_id = $1 AND status = 'pending')`, id,
		).Scan(&pending); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check pending tasks")
		}
		if pending {
			return ErrStepInUse
		}

		if _, err := tx.Exec(ctx, `DELETE FROM approval_steps WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval step")
		}
		return nil
	})
	return err
}

// UpdateLevels writes the given levels for an action in one transaction.
// expected is the step id → level map the caller derived its order from; if
// the stored rows differ, nothing is written and ErrLevelsChanged is returned.
func (r *ApprovalStepsRepository) UpdateLevels(
	ctx context.Context,
	actionID string,
	expected map[string]int,
	updates []LevelUpdate,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, level FROM approval_steps WHERE action_id = $1 FOR UPDATE`, actionID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval steps")
		}
		current := make(map[string]int)
		for rows.Next() {
			var id string
			var level int
			if err := rows.Scan(&id, &level); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step level")
			}
			current[id] = level
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read step levels")
		}

		if !sameLevels(current, expected) {
			return ErrLevelsChanged
		}

		// Move every row above any final value first so the unique
		// (action_id, level) constraint holds after each statement.
		offset := 0
		for _, l := range current {
			offset = max(offset, l)
		}
		for _, u := range updates {
			offset = max(offset, u.Level)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE approval_steps SET level = level + $2 WHERE action_id = $1`, actionID, offset,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to shift step levels")
		}

		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(`
				UPDATE approval_steps
				SET level = $2, updated_at = NOW()
				WHERE id = $1 AND action_id = $3
			`, u.StepID, u.Level, actionID)
		}
		br := tx.SendBatch(ctx, batch)
		for range updates {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to write step level")
			}
			if tag.RowsAffected() != 1 {
				br.Close()
				return ErrLevelsChanged
			}
		}
		return br.Close()
	})
}

func sameLevels(current, expected map[string]int) bool {
	if len(current) != len(expected) {
		return false
	}
	for id, l := range expected {
		if cur, ok := current[id]; !ok || cur != l {
			return false
		}
	}
	return true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalStepsRepository) scanStep(row stepScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.InstitutionID,
		&s.StepName,
		&s.ActionID,
		&s.Level,
		&s.Roles,
		&s.Approvers,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ApprovalStepsRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval steps")
	}
	return steps, nil
}
