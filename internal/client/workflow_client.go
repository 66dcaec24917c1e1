package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/rpc"
)

// WorkflowGRPCClient wraps the WorkflowService gRPC client.
type WorkflowGRPCClient struct {
	client rpc.WorkflowServiceClient
	conn   *grpc.ClientConn
}

// NewWorkflowGRPCClient dials the approvals gRPC service. A nil token falls
// back to forwarding the incoming request metadata.
func NewWorkflowGRPCClient(addr string, token TokenFunc, opts ...grpc.DialOption) (*WorkflowGRPCClient, error) {
	interceptors := []grpc.UnaryClientInterceptor{forwardMetadata}
	if token != nil {
		interceptors = append(interceptors, bearerToken(token))
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(interceptors...),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &WorkflowGRPCClient{
		client: rpc.NewWorkflowServiceClient(conn),
		conn:   conn,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *WorkflowGRPCClient) Close() error {
	return c.conn.Close()
}

func (c *WorkflowGRPCClient) call(ctx context.Context, method string, req, resp any) error {
	in, err := rpc.Encode(req)
	if err != nil {
		return err
	}
	var out *structpb.Struct
	if out, err = c.client.Invoke(ctx, method, in); err != nil {
		return err
	}
	return rpc.Decode(out, resp)
}

// ListTasks returns the caller's pending tasks.
func (c *WorkflowGRPCClient) ListTasks(ctx context.Context) (*rpc.ListTasksResponse, error) {
	var resp rpc.ListTasksResponse
	if err := c.call(ctx, rpc.MethodListTasks, rpc.ListTasksRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit starts an approval chain for an object owned by the caller.
func (c *WorkflowGRPCClient) Submit(ctx context.Context, req rpc.SubmitRequest) (*rpc.TaskResponse, error) {
	var resp rpc.TaskResponse
	if err := c.call(ctx, rpc.MethodSubmit, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decide approves or rejects a task as the caller.
func (c *WorkflowGRPCClient) Decide(ctx context.Context, taskID, decision, comment string) (*rpc.DecideResponse, error) {
	var resp rpc.DecideResponse
	req := rpc.DecideRequest{TaskID: taskID, Decision: decision, Comment: comment}
	if err := c.call(ctx, rpc.MethodDecide, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSteps returns an action's steps in level order.
func (c *WorkflowGRPCClient) ListSteps(ctx context.Context, actionID string) (*rpc.StepsResponse, error) {
	var resp rpc.StepsResponse
	if err := c.call(ctx, rpc.MethodListSteps, rpc.ListStepsRequest{ActionID: actionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MoveStep moves the step at index one place up or down.
func (c *WorkflowGRPCClient) MoveStep(ctx context.Context, actionID string, index int, direction string) (*rpc.StepsResponse, error) {
	var resp rpc.StepsResponse
	req := rpc.MoveStepRequest{ActionID: actionID, Index: index, Direction: direction}
	if err := c.call(ctx, rpc.MethodMoveStep, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CommitOrder persists the moved order.
func (c *WorkflowGRPCClient) CommitOrder(ctx context.Context, actionID string) (*rpc.StepsResponse, error) {
	var resp rpc.StepsResponse
	if err := c.call(ctx, rpc.MethodCommitOrder, rpc.CommitOrderRequest{ActionID: actionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
