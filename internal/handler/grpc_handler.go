package handler

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/rpc"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	steps  *service.StepService
	tasks  *service.TaskService
	logger zerolog.Logger
}

var _ rpc.WorkflowServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(steps *service.StepService, tasks *service.TaskService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		steps:  steps,
		tasks:  tasks,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the authenticated user ID from context, or returns empty string.
func userID(ctx context.Context) string {
	id, _ := auth.UserIDFrom(ctx)
	return id
}

func decodeRequest(in *structpb.Struct, v any) error {
	if err := rpc.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := rpc.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ListTasks returns the caller's pending tasks
func (h *GRPCHandler) ListTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tasks, err := h.tasks.PendingForUser(ctx, userID(ctx))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tasks")
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.ListTasksResponse{Tasks: tasks})
}

// Submit starts an approval chain owned by the caller
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.SubmitRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("action_id", req.ActionID).
		Str("object_id", req.ObjectID).
		Msg("gRPC Submit called")

	task, err := h.tasks.Submit(ctx, service.SubmitInput{
		ActionID:      req.ActionID,
		ObjectID:      req.ObjectID,
		ObjectType:    req.ObjectType,
		ContentObject: req.ContentObject,
		OwnerID:       userID(ctx),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to submit object for approval")
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.TaskResponse{Task: task})
}

// Decide approves or rejects a task as the caller
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.DecideRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("task_id", req.TaskID).
		Str("decision", req.Decision).
		Msg("gRPC Decide called")

	res, err := h.tasks.Decide(context.WithoutCancel(ctx), req.TaskID, userID(ctx), service.Decision(req.Decision), req.Comment)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", req.TaskID).Msg("Failed to decide task")
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.DecideResponse{
		Task:     res.Task,
		Next:     res.Next,
		Terminal: res.Terminal,
		Outcome:  res.Outcome,
	})
}

// ListSteps returns an action's steps in level order
func (h *GRPCHandler) ListSteps(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.ListStepsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	steps, err := h.steps.ListSteps(ctx, req.ActionID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.StepsResponse{Steps: steps, Dirty: h.steps.IsDirty(req.ActionID)})
}

// MoveStep moves one step up or down in the working order
func (h *GRPCHandler) MoveStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.MoveStepRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	steps, err := h.steps.MoveStep(ctx, req.ActionID, req.Index, service.Direction(req.Direction))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.StepsResponse{Steps: steps, Dirty: h.steps.IsDirty(req.ActionID)})
}

// CommitOrder persists the working order
func (h *GRPCHandler) CommitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.CommitOrderRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().Str("action_id", req.ActionID).Msg("gRPC CommitOrder called")

	steps, err := h.steps.CommitOrder(context.WithoutCancel(ctx), req.ActionID, userID(ctx))
	if err != nil {
		h.logger.Error().Err(err).Str("action_id", req.ActionID).Msg("Failed to commit step order")
		return nil, mapErrorToGRPC(err)
	}
	return encodeResponse(rpc.StepsResponse{Steps: steps, Dirty: h.steps.IsDirty(req.ActionID)})
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, service.ErrReorderConflict) {
		return status.Error(codes.Aborted, err.Error())
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
