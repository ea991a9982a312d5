package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBrokerClosed = errors.New("broker closed")

// MemoryBroker keeps jobs in process memory. Nothing survives a restart; it
// serves tests and single-process development without RabbitMQ.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	timers map[*time.Timer]struct{}
	closed bool
}

type memQueue struct {
	mu     sync.Mutex
	items  []Job
	signal chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue), timers: make(map[*time.Timer]struct{})}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (q *memQueue) push(job Job) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return job, true
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q := b.queue(queue)
	wait := job.Delay(time.Now())
	if wait == 0 {
		q.push(job)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		b.mu.Lock()
		_, pending := b.timers[t]
		delete(b.timers, t)
		b.mu.Unlock()
		if pending {
			q.push(job)
		}
	})
	b.timers[t] = struct{}{}
	return nil
}

// Delayed returns the number of jobs waiting for their NotBefore.
func (b *MemoryBroker) Delayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, _ int) (<-chan Delivery, error) {
	q := b.queue(queue)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			job, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.signal:
					continue
				}
			}
			d := Delivery{
				Job: job,
				Ack: func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						q.push(job)
					}
					return nil
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				q.push(job)
				return
			}
		}
	}()
	return out, nil
}

// Len returns the number of jobs waiting in queue.
func (b *MemoryBroker) Len(queue string) int {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops jobs still waiting for their NotBefore.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
		delete(b.timers, t)
	}
	return nil
}
