package session

import (
	"context"
	"fmt"

	"zapdesk/internal/queue"
)

// Job types carried on the session-related queues.
const (
	JobSessionCommand  = "session_command"
	JobInboundMessage  = "inbound_message"
	JobOutgoingMessage = "send_text"
)

// Command actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)

// Command is a desired-state transition for one session. The Manager
// publishes commands; the Reconciler converges protocol state to them.
type Command struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId,omitempty"`
}

// CommandPublisher delivers commands to the reconciler.
type CommandPublisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// Enqueuer is the part of the queue dispatcher the session layer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload interface{}) (queue.Job, error)
}

// OutgoingMessage is the payload of an outgoing send job.
type OutgoingMessage struct {
	SessionID  string `json:"sessionId"`
	To         string `json:"to"`
	Text       string `json:"text"`
	SenderName string `json:"senderName,omitempty"`
}

// QueueCommands is a CommandPublisher that goes through the durable control
// queue, so commands survive a restart between publish and reconcile.
type QueueCommands struct {
	jobs Enqueuer
}

func NewQueueCommands(jobs Enqueuer) *QueueCommands {
	return &QueueCommands{jobs: jobs}
}

func (q *QueueCommands) Publish(ctx context.Context, cmd Command) error {
	_, err := q.jobs.Enqueue(ctx, queue.Control, JobSessionCommand, cmd)
	return err
}

// ControlHandler feeds control-queue jobs into the reconciler.
func ControlHandler(r *Reconciler) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var cmd Command
		if err := job.Decode(&cmd); err != nil {
			return queue.Permanent(fmt.Errorf("decode session command: %w", err))
		}
		return r.Publish(ctx, cmd)
	}
}
