package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const productApproval = "1"

type fixture struct {
	store    *repository.MemoryStore
	dir      *directory.Memory
	reg      *registry.Registry
	resolver *AssignmentResolver
	steps    *StepService
	tasks    *TaskService
	events   *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	store.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})

	dir := directory.NewMemory()
	reg := registry.New(registry.DefaultActions)
	resolver := NewAssignmentResolver(dir)
	events := &recordingNotifier{}

	tasks := NewTaskService(store.Tasks(), store.Steps(), store.Audit(), reg, resolver, zerolog.Nop())
	tasks.AddNotifier(events)
	steps := NewStepService(store.Steps(), store.Audit(), reg, zerolog.Nop())
	steps.AddWatcher(tasks)

	return &fixture{
		store:    store,
		dir:      dir,
		reg:      reg,
		resolver: resolver,
		steps:    steps,
		tasks:    tasks,
		events:   events,
	}
}

func (f *fixture) addStep(t *testing.T, action, name string, roles, approvers []string) *repository.ApprovalStep {
	t.Helper()
	st, err := f.steps.CreateStep(context.Background(), CreateStepInput{
		InstitutionID: "inst-1",
		StepName:      name,
		ActionID:      action,
		Roles:         roles,
		Approvers:     approvers,
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) submit(t *testing.T, action, objectID string) *repository.Task {
	t.Helper()
	task, err := f.tasks.Submit(context.Background(), SubmitInput{
		ActionID:      action,
		ObjectID:      objectID,
		ObjectType:    "product",
		ContentObject: "Product " + objectID,
		OwnerID:       "owner",
	})
	require.NoError(t, err)
	return task
}

func levels(steps []*repository.ApprovalStep) []int {
	out := make([]int, len(steps))
	for i, st := range steps {
		out[i] = st.Level
	}
	return out
}

func ids(steps []*repository.ApprovalStep) []string {
	out := make([]string, len(steps))
	for i, st := range steps {
		out[i] = st.ID
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (r *recordingNotifier) Notify(_ context.Context, ev TaskEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskEvent(nil), r.events...)
}

// countingStepRepo counts and optionally fails UpdateLevels.
type countingStepRepo struct {
	StepRepository
	mu      sync.Mutex
	calls   int
	failErr error
}

func (c *countingStepRepo) UpdateLevels(ctx context.Context, actionID string, expected map[string]int, updates []repository.LevelUpdate) error {
	c.mu.Lock()
	c.calls++
	err := c.failErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.StepRepository.UpdateLevels(ctx, actionID, expected, updates)
}

func (c *countingStepRepo) setFail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

func (c *countingStepRepo) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fixedStepRepo serves a fixed list of steps, used to model data the store
// should never contain.
type fixedStepRepo struct {
	StepRepository
	steps []*repository.ApprovalStep
}

func (f *fixedStepRepo) ListByAction(context.Context, string) ([]*repository.ApprovalStep, error) {
	out := make([]*repository.ApprovalStep, len(f.steps))
	for i, st := range f.steps {
		out[i] = st.Clone()
	}
	return out, nil
}
