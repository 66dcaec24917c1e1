package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// Publisher is the part of *nats.Conn the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval task events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<event kind>
// Event kinds: task_created, task_approved, task_rejected
//
// Publishing is non-fatal: errors are logged and never reach the caller, so
// a broker outage never interrupts an approval.
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActionID     string                 `json:"action_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil pub disables it.
func NewNotificationPublisher(pub Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.workflow"
	}
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(_ context.Context, ev service.TaskEvent) {
	if p == nil || p.pub == nil {
		return
	}
	recipients := ev.Recipients
	if ev.Terminal && ev.OwnerID != "" {
		recipients = append(append([]string(nil), recipients...), ev.OwnerID)
	}
	if len(recipients) == 0 {
		return
	}

	payload := map[string]interface{}{
		"object_id":      ev.Task.ObjectID,
		"content_object": ev.Task.ContentObject,
		"step_name":      ev.Task.StepName,
		"level":          ev.Task.Level,
		"status":         ev.Task.Status,
		"terminal":       ev.Terminal,
	}
	if ev.Next != nil {
		payload["next_task_id"] = ev.Next.ID
		payload["next_level"] = ev.Next.Level
	}
	if ev.OwnerID != "" {
		payload["owner_id"] = ev.OwnerID
	}

	event := &NotificationEvent{
		EventType:    ev.Kind,
		ActionID:     ev.Task.ActionID,
		ActorID:      ev.ActorID,
		Recipients:   recipients,
		ResourceType: "approval_task",
		ResourceID:   ev.Task.ID,
		IsActionable: !ev.Terminal,
		Severity:     "info",
		Category:     ev.Task.Category,
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.Kind).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, ev.Kind)
	if err := p.pub.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("task_id", ev.Task.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("task_id", ev.Task.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
