// Package queue runs durable at-least-once job queues: jobs are published to
// a Broker, pulled by Dispatcher workers, retried with backoff on failure and
// dead-lettered once the attempt budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known queues.
const (
	Incoming = "incoming"
	Outgoing = "outgoing"
	Control  = "control"
)

// DeadQueue names the dead-letter queue of queue.
func DeadQueue(queue string) string {
	return queue + ".dead"
}

// Job is one unit of queued work. Attempt counts failed attempts so far.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	NotBefore  time.Time       `json:"notBefore,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// Delay returns how long job must still wait before it may run.
func (j Job) Delay(now time.Time) time.Duration {
	if j.NotBefore.IsZero() {
		return 0
	}
	if d := j.NotBefore.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Delivery is a job pulled from a broker. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Job  Job
	Ack  func() error
	Nack func(requeue bool) error
}

// Broker is the queue substrate.
type Broker interface {
	// Publish makes job available to consumers of queue. A job whose
	// NotBefore lies in the future is held by the broker until then.
	Publish(ctx context.Context, queue string, job Job) error
	// Consume streams deliveries until ctx is done; prefetch bounds unacked deliveries.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	Close() error
}
