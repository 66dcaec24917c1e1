package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type ListTasksRequest struct{}

type ListTasksResponse struct {
	Tasks []service.TaskView `json:"tasks"`
}

type SubmitRequest struct {
	ActionID      string `json:"action_id"`
	ObjectID      string `json:"object_id"`
	ObjectType    string `json:"object_type,omitempty"`
	ContentObject string `json:"content_object"`
}

type TaskResponse struct {
	Task *repository.Task `json:"task"`
}

type DecideRequest struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

type DecideResponse struct {
	Task     *repository.Task `json:"task"`
	Next     *repository.Task `json:"next,omitempty"`
	Terminal bool             `json:"terminal"`
	Outcome  string           `json:"outcome,omitempty"`
}

type ListStepsRequest struct {
	ActionID string `json:"action_id"`
}

type MoveStepRequest struct {
	ActionID  string `json:"action_id"`
	Index     int    `json:"index"`
	Direction string `json:"direction"`
}

type CommitOrderRequest struct {
	ActionID string `json:"action_id"`
}

// StepsResponse carries an action's steps and whether they include
// uncommitted moves.
type StepsResponse struct {
	Steps []*repository.ApprovalStep `json:"steps"`
	Dirty bool                       `json:"dirty"`
}

// Encode converts a message into a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from a Struct. A nil Struct decodes as an empty object.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
