// Package protocol is the boundary between session lifecycle management and
// the chat-protocol implementation. Drivers open live connections and report
// everything that happens on them as Events.
package protocol

import (
	"context"
	"time"
)

// KeyStore is the credential and key persistence a driver consumes.
type KeyStore interface {
	LoadCredential(ctx context.Context, sessionID string) ([]byte, error)
	SaveCredential(ctx context.Context, sessionID string, blob []byte) error
	GetKeys(ctx context.Context, sessionID, keyType string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, sessionID string, updates map[string]map[string][]byte) error
	ListKeys(ctx context.Context, sessionID, keyType string) (map[string][]byte, error)
	Clear(ctx context.Context, sessionID string) error
}

// EventKind enumerates what a driver can report.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is a single driver report for one session.
type Event struct {
	SessionID string
	Kind      EventKind
	QR        string
	Phone     string
	// LoggedOut is set on disconnects where the credentials are no longer valid.
	LoggedOut bool
	Err       error
	Message   *InboundMessage
}

// InboundMessage is a text message received on a session.
type InboundMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	TenantID  string    `json:"tenantId,omitempty"`
	From      string    `json:"from"`
	Chat      string    `json:"chat"`
	PushName  string    `json:"pushName,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenRequest carries what a driver needs to establish one connection.
type OpenRequest struct {
	SessionID string
	Keys      KeyStore
	// Emit must not block; the receiver queues events.
	Emit func(Event)
}

// Conn is a live protocol connection.
type Conn interface {
	SendText(ctx context.Context, to, text string) (string, error)
	Close() error
}

// Driver opens protocol connections.
type Driver interface {
	Open(ctx context.Context, req OpenRequest) (Conn, error)
}
