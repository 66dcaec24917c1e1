// Package rpc declares the approvals.v1.WorkflowService gRPC contract.
//
// Messages travel as google.protobuf.Struct so the service needs no generated
// code; the Go request and response types in messages.go describe their
// shape and convert through protojson.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.WorkflowService"

// Method names.
const (
	MethodListTasks   = "ListTasks"
	MethodSubmit      = "Submit"
	MethodDecide      = "Decide"
	MethodListSteps   = "ListSteps"
	MethodMoveStep    = "MoveStep"
	MethodCommitOrder = "CommitOrder"
)

// FullMethod returns "/approvals.v1.WorkflowService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// WorkflowServiceServer is implemented by the gRPC handler.
type WorkflowServiceServer interface {
	ListTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSteps(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CommitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes WorkflowService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodListTasks, Handler: unaryHandler(MethodListTasks, WorkflowServiceServer.ListTasks)},
		{MethodName: MethodSubmit, Handler: unaryHandler(MethodSubmit, WorkflowServiceServer.Submit)},
		{MethodName: MethodDecide, Handler: unaryHandler(MethodDecide, WorkflowServiceServer.Decide)},
		{MethodName: MethodListSteps, Handler: unaryHandler(MethodListSteps, WorkflowServiceServer.ListSteps)},
		{MethodName: MethodMoveStep, Handler: unaryHandler(MethodMoveStep, WorkflowServiceServer.MoveStep)},
		{MethodName: MethodCommitOrder, Handler: unaryHandler(MethodCommitOrder, WorkflowServiceServer.CommitOrder)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/workflow.proto",
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// WorkflowServiceClient is the client side of WorkflowService.
type WorkflowServiceClient interface {
	Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type workflowServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkflowServiceClient wraps a connection.
func NewWorkflowServiceClient(cc grpc.ClientConnInterface) WorkflowServiceClient {
	return &workflowServiceClient{cc: cc}
}

func (c *workflowServiceClient) Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
