package repository

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

var (
	// ErrLevelsChanged is returned by UpdateLevels when the stored levels no
	// longer match the caller's baseline.
	ErrLevelsChanged = errors.New(errors.ErrCodeConflict, "step levels changed since they were read")
	// ErrNotPending is returned by Resolve when the task was already decided.
	ErrNotPending = errors.New(errors.ErrCodeConflict, "task is not pending")
	// ErrPendingExists is returned when an object already has an active task
	// for the action.
	ErrPendingExists = errors.New(errors.ErrCodeConflict, "object already has a pending task for this action")
	// ErrStepInUse is returned by Delete while a pending task sits on the step.
	ErrStepInUse = errors.New(errors.ErrCodeConflict, "approval step has a pending task and cannot be deleted")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
