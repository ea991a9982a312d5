package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitBroker stores jobs in durable RabbitMQ queues named "{prefix}_{queue}".
type RabbitBroker struct {
	conn   *amqp.Connection
	prefix string

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// DialRabbitMQ connects to url. The connection is shared with the broadcaster.
func DialRabbitMQ(url string) (*amqp.Connection, error) {
	if url == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is not set")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	log.Info().Msg("RabbitMQ connection established")
	return conn, nil
}

// NewRabbitBroker opens the publishing channel on conn.
func NewRabbitBroker(conn *amqp.Connection, prefix string) (*RabbitBroker, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection cannot be nil")
	}
	if prefix == "" {
		prefix = "zapdesk"
	}
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	log.Info().Str("prefix", prefix).Msg("RabbitMQ broker ready")
	return &RabbitBroker{conn: conn, prefix: prefix, pub: pub, declared: make(map[string]bool)}, nil
}

// QueueName returns the physical queue name for queue.
func (b *RabbitBroker) QueueName(queue string) string {
	return b.prefix + "_" + queue
}

func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

// DelayQueueName returns the holding queue for jobs of queue delayed by d.
// Each distinct delay gets its own queue so a long wait never sits in front
// of a shorter one.
func (b *RabbitBroker) DelayQueueName(queue string, d time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", b.QueueName(queue), d.Milliseconds())
}

// declareDelay declares a queue whose messages expire after d and are then
// dead-lettered into target through the default exchange.
func declareDelay(ch *amqp.Channel, name, target string, d time.Duration) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             d.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	})
	return err
}

// delayBucket rounds a wait up to whole seconds so retries share a few
// holding queues.
func delayBucket(wait time.Duration) time.Duration {
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

func (b *RabbitBroker) Publish(ctx context.Context, queue string, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	name := b.QueueName(queue)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Declare queue (idempotent), once per process.
	if !b.declared[name] {
		if err := declare(b.pub, name); err != nil {
			log.Error().Err(err).Str("queue", name).Msg("Could not declare RabbitMQ queue")
			return fmt.Errorf("declare %s: %w", name, err)
		}
		b.declared[name] = true
	}

	if wait := job.Delay(time.Now()); wait > 0 {
		bucket := delayBucket(wait)
		target := name
		name = b.DelayQueueName(queue, bucket)
		if !b.declared[name] {
			if err := declareDelay(b.pub, name, target, bucket); err != nil {
				log.Error().Err(err).Str("queue", name).Msg("Could not declare RabbitMQ delay queue")
				return fmt.Errorf("declare %s: %w", name, err)
			}
			b.declared[name] = true
		}
	}

	err = b.pub.PublishWithContext(ctx,
		"",    // exchange (default)
		name,  // routing key = queue
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Type:         job.Type,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", name).Str("jobId", job.ID).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	log.Debug().Str("queue", name).Str("jobId", job.ID).Msg("Published job to RabbitMQ")
	return nil
}

// Consume opens a dedicated channel so that QoS applies to this consumer only.
func (b *RabbitBroker) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	name := b.QueueName(queue)
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open consumer channel for %s: %w", name, err)
	}
	if err := declare(ch, name); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare %s: %w", name, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set QoS on %s: %w", name, err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Warn().Str("queue", name).Msg("RabbitMQ delivery channel closed")
					return
				}
				var job Job
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					log.Error().Err(err).Str("queue", name).Str("messageId", msg.MessageId).Msg("Dropping undecodable job")
					msg.Nack(false, false)
					continue
				}
				d := Delivery{
					Job:  job,
					Ack:  func() error { return msg.Ack(false) },
					Nack: func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()

	log.Info().Str("queue", name).Int("prefetch", prefetch).Msg("Consuming RabbitMQ queue")
	return out, nil
}

func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.Close()
}
