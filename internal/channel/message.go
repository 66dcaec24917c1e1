package channel

import "github.com/pesio-ai/be-plt-approvals/internal/service"

// Message types on the task channel.
const (
	TypeFetchTasks   = "fetch_tasks"
	TypeInitialTasks = "initial_tasks"
	TypeTasksData    = "tasks_data"
	TypeTasksUpdate  = "tasks_update"
	TypeNotification = "notification"
)

// Message is a task set push, or a client request when only Type is set.
// Tasks is never null on the wire for server pushes.
type Message struct {
	Type  string             `json:"type"`
	Tasks []service.TaskView `json:"tasks"`
}

// Notification is a human-readable nudge, optionally about one task.
type Notification struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Task    *service.TaskView `json:"task,omitempty"`
}

func taskMessage(typ string, tasks []service.TaskView) Message {
	if tasks == nil {
		tasks = []service.TaskView{}
	}
	return Message{Type: typ, Tasks: tasks}
}
