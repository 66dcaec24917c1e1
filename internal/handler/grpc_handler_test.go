package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	apperrors "github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rpc"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type grpcEnv struct {
	tokens *auth.Manager
	lis    *bufconn.Listener
	steps  *service.StepService
}

func newGRPCEnv(t *testing.T) *grpcEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	dir := directory.NewMemory()
	dir.Put(directory.Principal{UserID: "clerk", RoleIDs: []string{"r-clerk"}})

	reg := registry.New(registry.DefaultActions)
	log := zerolog.Nop()
	steps := service.NewStepService(store.Steps(), store.Audit(), reg, log)
	tasks := service.NewTaskService(store.Tasks(), store.Steps(), store.Audit(), reg, service.NewAssignmentResolver(dir), log)
	tokens := auth.NewManager("grpc-secret", "approvals-test", time.Minute, time.Hour)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(middleware.UnaryAuth(tokens)))
	rpc.RegisterWorkflowServiceServer(srv, NewGRPCHandler(steps, tasks, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return &grpcEnv{tokens: tokens, lis: lis, steps: steps}
}

func (e *grpcEnv) dial(t *testing.T, userID string) *client.WorkflowGRPCClient {
	t.Helper()
	var token client.TokenFunc
	if userID != "" {
		pair, err := e.tokens.Issue(userID)
		require.NoError(t, err)
		token = func() string { return pair.AccessToken }
	}
	c, err := client.NewWorkflowGRPCClient("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPC_RequiresToken(t *testing.T) {
	env := newGRPCEnv(t)
	_, err := env.dial(t, "").ListTasks(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_StepOrderAndDecision(t *testing.T) {
	env := newGRPCEnv(t)
	ctx := context.Background()
	for _, st := range []struct{ name, role string }{{"Clerk", "r-clerk"}, {"Manager", "r-manager"}} {
		_, err := env.steps.CreateStep(ctx, service.CreateStepInput{
			InstitutionID: "inst-1",
			StepName:      st.name,
			ActionID:      "1",
			Roles:         []string{st.role},
		})
		require.NoError(t, err)
	}

	admin := env.dial(t, "admin")
	moved, err := admin.MoveStep(ctx, "1", 1, "up")
	require.NoError(t, err)
	assert.True(t, moved.Dirty)
	require.Len(t, moved.Steps, 2)
	assert.Equal(t, "Manager", moved.Steps[0].StepName)

	committed, err := admin.CommitOrder(ctx, "1")
	require.NoError(t, err)
	assert.False(t, committed.Dirty)

	// swap back so the clerk acts first
	_, err = admin.MoveStep(ctx, "1", 1, "up")
	require.NoError(t, err)
	_, err = admin.CommitOrder(ctx, "1")
	require.NoError(t, err)

	listed, err := admin.ListSteps(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Clerk", listed.Steps[0].StepName)
	assert.Equal(t, 1, listed.Steps[0].Level)

	owner := env.dial(t, "owner")
	submitted, err := owner.Submit(ctx, rpc.SubmitRequest{ActionID: "1", ObjectID: "p-7", ContentObject: "Widget"})
	require.NoError(t, err)
	require.NotNil(t, submitted.Task)

	clerk := env.dial(t, "clerk")
	pending, err := clerk.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending.Tasks, 1)
	assert.Equal(t, submitted.Task.ID, pending.Tasks[0].ID)

	_, err = owner.Decide(ctx, submitted.Task.ID, "approve", "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	decided, err := clerk.Decide(ctx, submitted.Task.ID, "approve", "looks fine")
	require.NoError(t, err)
	assert.False(t, decided.Terminal)
	require.NotNil(t, decided.Next)
	assert.Equal(t, 2, decided.Next.Level)

	_, err = clerk.Decide(ctx, submitted.Task.ID, "approve", "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_InvalidInput(t *testing.T) {
	env := newGRPCEnv(t)
	admin := env.dial(t, "admin")

	_, err := admin.MoveStep(context.Background(), "1", 0, "sideways")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = admin.ListSteps(context.Background(), "404")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{apperrors.NotFound("task", "t1"), codes.NotFound},
		{apperrors.InvalidInput("level", "must be positive"), codes.InvalidArgument},
		{service.ErrNotEligible, codes.PermissionDenied},
		{service.ErrAlreadyResolved, codes.FailedPrecondition},
		{service.ErrReorderConflict, codes.Aborted},
		{apperrors.New(apperrors.ErrCodeUnauthorized, "no"), codes.Unauthenticated},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
