package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func tickingClock() func() time.Time {
	t := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newStore() *MemoryStore {
	s := NewMemoryStore()
	s.SetClock(tickingClock())
	return s
}

func createStep(t *testing.T, r *MemoryStepRepository, action string, level int) *ApprovalStep {
	t.Helper()
	st := &ApprovalStep{StepName: "step", ActionID: action, Level: level, InstitutionID: "inst"}
	require.NoError(t, r.Create(context.Background(), st))
	return st
}

func TestMemorySteps_CreateAndList(t *testing.T) {
	ctx := context.Background()
	steps := newStore().Steps()

	b := createStep(t, steps, "1", 5)
	a := createStep(t, steps, "1", 2)
	createStep(t, steps, "2", 1)

	list, err := steps.ListByAction(ctx, "1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	maxLevel, err := steps.MaxLevel(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 5, maxLevel)

	err = steps.Create(ctx, &ApprovalStep{ActionID: "1", Level: 2})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestMemorySteps_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	steps := newStore().Steps()
	st := createStep(t, steps, "1", 1)

	got, err := steps.GetByID(ctx, st.ID)
	require.NoError(t, err)
	got.Level = 99
	got.Roles = append(got.Roles, "admin")

	again, err := steps.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Level)
	assert.Empty(t, again.Roles)
}

func TestMemorySteps_UpdateLevels(t *testing.T) {
	ctx := context.Background()
	steps := newStore().Steps()
	a := createStep(t, steps, "1", 1)
	b := createStep(t, steps, "1", 2)

	baseline := map[string]int{a.ID: 1, b.ID: 2}
	swap := []LevelUpdate{{StepID: a.ID, Level: 2}, {StepID: b.ID, Level: 1}}

	t.Run("stale baseline", func(t *testing.T) {
		err := steps.UpdateLevels(ctx, "1", map[string]int{a.ID: 1}, swap)
		assert.ErrorIs(t, err, ErrLevelsChanged)
	})

	t.Run("applies", func(t *testing.T) {
		require.NoError(t, steps.UpdateLevels(ctx, "1", baseline, swap))
		list, _ := steps.ListByAction(ctx, "1")
		assert.Equal(t, b.ID, list[0].ID)
		assert.Equal(t, a.ID, list[1].ID)
	})

	t.Run("second writer with old baseline loses", func(t *testing.T) {
		err := steps.UpdateLevels(ctx, "1", baseline, swap)
		assert.ErrorIs(t, err, ErrLevelsChanged)
	})
}

func TestMemorySteps_DeleteKeepsLevels(t *testing.T) {
	ctx := context.Background()
	steps := newStore().Steps()
	createStep(t, steps, "1", 1)
	mid := createStep(t, steps, "1", 2)
	createStep(t, steps, "1", 3)

	require.NoError(t, steps.Delete(ctx, mid.ID))
	list, _ := steps.ListByAction(ctx, "1")
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Level)
	assert.Equal(t, 3, list[1].Level)

	err := steps.Delete(ctx, mid.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestMemorySteps_DeleteWithTasks(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	st := createStep(t, store.Steps(), "1", 1)
	task := &Task{StepID: st.ID, ActionID: "1", Level: 1, ObjectID: "obj"}
	require.NoError(t, store.Tasks().CreatePending(ctx, task))

	err := store.Steps().Delete(ctx, st.ID)
	assert.ErrorIs(t, err, ErrStepInUse)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	actor := "a"
	resolved := task.Clone()
	resolved.Status = StatusApproved
	resolved.ApprovedBy = &actor
	require.NoError(t, store.Tasks().Resolve(ctx, resolved, nil))

	// only resolved tasks left: the step goes and takes them along
	require.NoError(t, store.Steps().Delete(ctx, st.ID))
	_, err = store.Tasks().GetByID(ctx, task.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestMemoryTasks_OnePendingPerObject(t *testing.T) {
	ctx := context.Background()
	tasks := newStore().Tasks()

	first := &Task{StepID: "s1", ActionID: "1", Level: 1, ObjectID: "obj"}
	require.NoError(t, tasks.CreatePending(ctx, first))
	assert.Equal(t, StatusPending, first.Status)

	err := tasks.CreatePending(ctx, &Task{StepID: "s1", ActionID: "1", Level: 1, ObjectID: "obj"})
	assert.ErrorIs(t, err, ErrPendingExists)

	// same object under another action is independent
	assert.NoError(t, tasks.CreatePending(ctx, &Task{StepID: "s9", ActionID: "2", Level: 1, ObjectID: "obj"}))
}

func TestMemoryTasks_Resolve(t *testing.T) {
	ctx := context.Background()
	tasks := newStore().Tasks()

	first := &Task{StepID: "s1", ActionID: "1", Level: 1, ObjectID: "obj"}
	require.NoError(t, tasks.CreatePending(ctx, first))

	actor := "a"
	resolved := first.Clone()
	resolved.Status = StatusApproved
	resolved.ApprovedBy = &actor
	next := &Task{StepID: "s2", ActionID: "1", Level: 2, ObjectID: "obj"}
	require.NoError(t, tasks.Resolve(ctx, resolved, next))
	assert.NotEmpty(t, next.ID)

	pending, err := tasks.GetPending(ctx, "1", "obj")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, next.ID, pending.ID)

	stored, err := tasks.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, "a", *stored.ApprovedBy)

	again := first.Clone()
	again.Status = StatusRejected
	assert.ErrorIs(t, tasks.Resolve(ctx, again, nil), ErrNotPending)

	history, err := tasks.ListByObject(ctx, "1", "obj")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Level)
	assert.Equal(t, 2, history[1].Level)
}

func TestMemoryTasks_ListPendingOrder(t *testing.T) {
	ctx := context.Background()
	tasks := newStore().Tasks()

	var ids []string
	for _, obj := range []string{"c", "a", "b"} {
		task := &Task{StepID: "s1", ActionID: "1", Level: 1, ObjectID: obj}
		require.NoError(t, tasks.CreatePending(ctx, task))
		ids = append(ids, task.ID)
	}

	list, err := tasks.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := range ids {
		assert.Equal(t, ids[i], list[i].ID)
	}
}

func TestMemoryAudit(t *testing.T) {
	ctx := context.Background()
	audit := newStore().Audit()

	require.NoError(t, audit.Append(ctx, &AuditEntry{ActionID: "1", ObjectID: "obj", Event: EventSubmitted}))
	require.NoError(t, audit.Append(ctx, &AuditEntry{ActionID: "1", ObjectID: "obj", Event: EventApproved}))
	require.NoError(t, audit.Append(ctx, &AuditEntry{ActionID: "1", ObjectID: "other", Event: EventSubmitted}))

	entries, err := audit.ListByObject(ctx, "1", "obj")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventSubmitted, entries[0].Event)
	assert.Equal(t, EventApproved, entries[1].Event)
	assert.True(t, entries[0].PerformedAt.Before(entries[1].PerformedAt))
}
