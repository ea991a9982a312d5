package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"zapdesk/internal/apperr"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// DeadLetterSink archives jobs that exhausted their attempts.
type DeadLetterSink interface {
	ArchiveDeadLetter(ctx context.Context, queue, id string, body []byte) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm)
}

// Options tunes a Dispatcher.
type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	// KeepDead bounds the in-memory list of recent dead letters.
	KeepDead int
	Sink     DeadLetterSink
}

// QueueStats counts outcomes per queue since process start.
type QueueStats struct {
	Queue        string `json:"queue"`
	Workers      int    `json:"workers"`
	InFlight     int64  `json:"inFlight"`
	Processed    int64  `json:"processed"`
	Failed       int64  `json:"failed"`
	Retried      int64  `json:"retried"`
	DeadLettered int64  `json:"deadLettered"`
}

type registration struct {
	queue   string
	workers int
	handler Handler
}

// Dispatcher pulls jobs from a Broker and runs registered handlers with
// retry and dead-letter handling.
type Dispatcher struct {
	broker      Broker
	maxAttempts int
	backoff     time.Duration
	keepDead    int
	sink        DeadLetterSink

	mu    sync.RWMutex
	regs  map[string]registration
	stats map[string]*QueueStats
	dead  []Job
}

func NewDispatcher(broker Broker, opts Options) (*Dispatcher, error) {
	if broker == nil {
		return nil, fmt.Errorf("dispatcher requires a broker")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.KeepDead <= 0 {
		opts.KeepDead = 100
	}
	d := &Dispatcher{
		broker:      broker,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		keepDead:    opts.KeepDead,
		sink:        opts.Sink,
		regs:        make(map[string]registration),
		stats:       make(map[string]*QueueStats),
	}
	log.Info().
		Int("maxAttempts", d.maxAttempts).
		Dur("retryBackoff", d.backoff).
		Msg("Queue dispatcher initialized")
	return d, nil
}

// Register attaches handler to queue with the given number of workers.
// It must be called before Run.
func (d *Dispatcher) Register(queue string, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[queue] = registration{queue: queue, workers: workers, handler: handler}
	d.statsLocked(queue).Workers = workers
}

func (d *Dispatcher) statsLocked(queue string) *QueueStats {
	s, ok := d.stats[queue]
	if !ok {
		s = &QueueStats{Queue: queue}
		d.stats[queue] = s
	}
	return s
}

func (d *Dispatcher) count(queue string, fn func(*QueueStats)) {
	d.mu.Lock()
	fn(d.statsLocked(queue))
	d.mu.Unlock()
}

// Enqueue publishes a new job carrying payload marshalled as JSON.
func (d *Dispatcher) Enqueue(ctx context.Context, queue, jobType string, payload interface{}) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.broker.Publish(ctx, queue, job); err != nil {
		return Job{}, fmt.Errorf("enqueue %s on %s: %w", jobType, queue, err)
	}
	log.Debug().Str("queue", queue).Str("jobId", job.ID).Str("jobType", jobType).Msg("Job enqueued")
	return job, nil
}

// Run consumes every registered queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.RLock()
	regs := make([]registration, 0, len(d.regs))
	for _, r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		deliveries, err := d.broker.Consume(ctx, reg.queue, reg.workers)
		if err != nil {
			return fmt.Errorf("consume %s: %w", reg.queue, err)
		}
		for i := 0; i < reg.workers; i++ {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case del, ok := <-deliveries:
						if !ok {
							return nil
						}
						d.process(ctx, reg, del)
					}
				}
			})
		}
		log.Info().Str("queue", reg.queue).Int("workers", reg.workers).Msg("Queue workers started")
	}
	return g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, reg registration, del Delivery) {
	job := del.Job
	job.Queue = reg.queue

	// Brokers hold delayed jobs; one that still arrives early goes back
	// rather than occupying this worker.
	if wait := job.Delay(time.Now()); wait > 0 {
		if err := d.broker.Publish(ctx, reg.queue, job); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("Could not defer early job, requeueing")
			del.Nack(true)
			return
		}
		del.Ack()
		log.Debug().Str("queue", reg.queue).Str("jobId", job.ID).Dur("wait", wait).Msg("Job deferred until notBefore")
		return
	}

	d.count(reg.queue, func(s *QueueStats) { s.InFlight++ })
	err := d.invoke(ctx, reg.handler, job)
	d.count(reg.queue, func(s *QueueStats) { s.InFlight-- })

	if err == nil {
		d.count(reg.queue, func(s *QueueStats) { s.Processed++ })
		if ackErr := del.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Str("jobId", job.ID).Msg("Failed to ack job")
		}
		return
	}

	d.count(reg.queue, func(s *QueueStats) { s.Failed++ })
	job.Attempt++
	job.LastError = err.Error()

	if job.Attempt >= d.maxAttempts || IsPermanent(err) {
		d.deadLetter(ctx, job)
		del.Ack()
		return
	}

	job.NotBefore = time.Now().Add(d.backoff * time.Duration(1<<(job.Attempt-1)))
	if pubErr := d.broker.Publish(ctx, reg.queue, job); pubErr != nil {
		log.Error().Err(pubErr).Str("jobId", job.ID).Msg("Could not republish job, requeueing original")
		del.Nack(true)
		return
	}
	d.count(reg.queue, func(s *QueueStats) { s.Retried++ })
	del.Ack()

	log.Warn().
		Err(err).
		Str("queue", reg.queue).
		Str("jobId", job.ID).
		Int("attemptCount", job.Attempt).
		Int("maxAttempts", d.maxAttempts).
		Time("notBefore", job.NotBefore).
		Msg("Job failed, will retry")
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (d *Dispatcher) deadLetter(ctx context.Context, job Job) {
	log.Error().
		Str("queue", job.Queue).
		Str("jobId", job.ID).
		Int("attemptCount", job.Attempt).
		Str("lastError", job.LastError).
		Msg("Job failed permanently, dead-lettering")

	if err := d.broker.Publish(ctx, DeadQueue(job.Queue), job); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("Could not publish dead letter")
	}
	if d.sink != nil {
		body, _ := json.Marshal(job)
		if err := d.sink.ArchiveDeadLetter(ctx, job.Queue, job.ID, body); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("Could not archive dead letter")
		}
	}

	d.mu.Lock()
	d.statsLocked(job.Queue).DeadLettered++
	d.dead = append(d.dead, job)
	if len(d.dead) > d.keepDead {
		d.dead = d.dead[len(d.dead)-d.keepDead:]
	}
	d.mu.Unlock()
}

// Stats returns a snapshot of per-queue counters.
func (d *Dispatcher) Stats() []QueueStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]QueueStats, 0, len(d.stats))
	for _, s := range d.stats {
		out = append(out, *s)
	}
	return out
}

// DeadLetters returns up to limit of the most recent dead letters, newest first.
func (d *Dispatcher) DeadLetters(limit int) []Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 || limit > len(d.dead) {
		limit = len(d.dead)
	}
	out := make([]Job, 0, limit)
	for i := len(d.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.dead[i])
	}
	return out
}

// Retry re-enqueues a dead letter by id with a fresh attempt budget.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (Job, error) {
	d.mu.Lock()
	idx := -1
	for i, j := range d.dead {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return Job{}, apperr.NotFound("queue.Retry", "dead letter %s not found", jobID)
	}
	job := d.dead[idx]
	d.dead = append(d.dead[:idx], d.dead[idx+1:]...)
	d.mu.Unlock()

	job.Attempt = 0
	job.NotBefore = time.Time{}
	job.LastError = ""
	if err := d.broker.Publish(ctx, job.Queue, job); err != nil {
		d.mu.Lock()
		d.dead = append(d.dead, job)
		d.mu.Unlock()
		return Job{}, fmt.Errorf("re-enqueue %s: %w", jobID, err)
	}
	log.Info().Str("queue", job.Queue).Str("jobId", job.ID).Msg("Dead letter re-enqueued")
	return job, nil
}
