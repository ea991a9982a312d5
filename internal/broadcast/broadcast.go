// Package broadcast fans state changes out to live operator UIs.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Broadcaster publishes an event on a channel. Delivery is best-effort:
// implementations log failures and callers never branch on them.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload interface{})
}

func TenantChannel(tenantID string) string   { return "tenant-" + tenantID }
func UserChannel(userID string) string       { return "user-" + userID }
func SessionChannel(sessionID string) string { return "session-" + sessionID }

// Envelope is the wire form of one broadcast.
type Envelope struct {
	Channel   string      `json:"channel"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RabbitBroadcaster publishes envelopes to a durable topic exchange, routed by channel.
type RabbitBroadcaster struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewRabbitBroadcaster declares the exchange on its own channel of conn.
func NewRabbitBroadcaster(conn *amqp.Connection, exchange string) (*RabbitBroadcaster, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection cannot be nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open broadcast channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("could not declare broadcast exchange %s: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("Broadcast exchange ready")
	return &RabbitBroadcaster{ch: ch, exchange: exchange}, nil
}

func (b *RabbitBroadcaster) Broadcast(ctx context.Context, channel, event string, payload interface{}) {
	body, err := json.Marshal(Envelope{Channel: channel, Event: event, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("event", event).Msg("Failed to marshal broadcast")
		return
	}

	b.mu.Lock()
	err = b.ch.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Type:        event,
		Body:        body,
	})
	b.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("event", event).Msg("Could not publish broadcast")
		return
	}
	log.Debug().Str("channel", channel).Str("event", event).Msg("Broadcast published")
}

func (b *RabbitBroadcaster) Close() error {
	return b.ch.Close()
}

// LogBroadcaster only logs. It is used when no RabbitMQ URL is configured.
type LogBroadcaster struct{}

func (LogBroadcaster) Broadcast(_ context.Context, channel, event string, payload interface{}) {
	log.Info().Str("channel", channel).Str("event", event).Interface("payload", payload).Msg("Broadcast")
}
