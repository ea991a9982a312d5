// Package session owns the lifecycle of tenant messaging sessions. The
// Manager is the control plane: it records desired state and publishes
// commands. The Reconciler is the data plane: a single goroutine that owns
// every live protocol connection and converges it to the desired state.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/models"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
)

// Manager is the session control plane. None of its methods wait on the protocol.
type Manager struct {
	store    *Store
	keys     protocol.KeyStore
	qr       *QRCache
	bc       broadcast.Broadcaster
	commands CommandPublisher
	jobs     Enqueuer
}

func NewManager(store *Store, keys protocol.KeyStore, qr *QRCache, bc broadcast.Broadcaster, commands CommandPublisher, jobs Enqueuer) (*Manager, error) {
	if store == nil || keys == nil || qr == nil || bc == nil || commands == nil || jobs == nil {
		return nil, fmt.Errorf("session manager: all dependencies are required")
	}
	return &Manager{store: store, keys: keys, qr: qr, bc: bc, commands: commands, jobs: jobs}, nil
}

// Connect records that sessionID should be connected and hands the dial to the reconciler.
func (m *Manager) Connect(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	const op = "session.Connect"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || tenantID == "" {
		return nil, apperr.Validation(op, "session id and tenant id are required")
	}
	if IsTombstoned(sessionID) {
		return nil, apperr.Validation(op, "session %s is deleted", sessionID)
	}

	if _, err := m.store.Ensure(ctx, sessionID, tenantID); err != nil {
		return nil, err
	}
	if _, err := m.store.Apply(ctx, sessionID, Update{Status: statusPtr(models.SessionConnecting), ClearError: true}); err != nil {
		return nil, err
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.bc.Broadcast(ctx, broadcast.TenantChannel(tenantID), "session.connecting", sess)

	if err := m.commands.Publish(ctx, Command{Action: ActionConnect, SessionID: sessionID, TenantID: tenantID}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Could not publish connect command")
		return nil, fmt.Errorf("publish connect for %s: %w", sessionID, err)
	}

	log.Info().Str("sessionId", sessionID).Str("tenantId", tenantID).Msg("Session connect requested")
	return sess, nil
}

// Disconnect marks the session DISCONNECTED. The stored status alone stops
// any reconnect; the command only closes a live connection sooner.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := m.store.Apply(ctx, sessionID, StatusUpdate(models.SessionDisconnected)); err != nil {
		return err
	}
	m.qr.Delete(sessionID)

	if err := m.commands.Publish(ctx, Command{Action: ActionDisconnect, SessionID: sessionID, TenantID: sess.TenantID}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Could not publish disconnect command, status already persisted")
	}
	m.bc.Broadcast(ctx, broadcast.TenantChannel(sess.TenantID), "session.disconnected", map[string]string{"sessionId": sessionID})

	log.Info().Str("sessionId", sessionID).Msg("Session disconnected")
	return nil
}

// Tombstone retires a session for good and returns its tombstoned id.
func (m *Manager) Tombstone(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	newID, err := m.store.Tombstone(ctx, sessionID, time.Now())
	if err != nil {
		return "", err
	}
	m.qr.Delete(sessionID)

	if err := m.keys.Clear(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Could not clear credentials of deleted session")
	}
	if err := m.commands.Publish(ctx, Command{Action: ActionDisconnect, SessionID: sessionID, TenantID: sess.TenantID}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Could not publish disconnect for deleted session")
	}
	m.bc.Broadcast(ctx, broadcast.TenantChannel(sess.TenantID), "session.deleted", map[string]string{"sessionId": sessionID, "tombstone": newID})

	log.Info().Str("sessionId", sessionID).Str("tombstone", newID).Msg("Session tombstoned")
	return newID, nil
}

// Recover re-issues Connect for every session persisted as CONNECTED. It is
// called once at boot, when no connection is live.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	sessions, err := m.store.ListByStatus(ctx, models.SessionConnected)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, s := range sessions {
		if IsTombstoned(s.SessionID) {
			continue
		}
		if _, err := m.Connect(ctx, s.SessionID, s.TenantID); err != nil {
			log.Error().Err(err).Str("sessionId", s.SessionID).Msg("Could not recover session")
			continue
		}
		recovered++
	}
	log.Info().Int("found", len(sessions)).Int("recovered", recovered).Msg("Session recovery finished")
	return recovered, nil
}

// QRCode returns the cached QR code for the session, if still fresh.
func (m *Manager) QRCode(sessionID string) (string, bool) {
	return m.qr.Get(sessionID)
}

// Get returns the persisted session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.Get(ctx, sessionID)
}

// SendMessage enqueues a text message; delivery happens on the outgoing queue.
func (m *Manager) SendMessage(ctx context.Context, sessionID, to, text, senderName string) (queue.Job, error) {
	const op = "session.SendMessage"
	if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
		return queue.Job{}, apperr.Validation(op, "recipient and text are required")
	}
	if IsTombstoned(sessionID) {
		return queue.Job{}, apperr.Validation(op, "session %s is deleted", sessionID)
	}
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		return queue.Job{}, err
	}
	job, err := m.jobs.Enqueue(ctx, queue.Outgoing, JobOutgoingMessage, OutgoingMessage{
		SessionID:  sessionID,
		To:         to,
		Text:       text,
		SenderName: senderName,
	})
	if err != nil {
		return queue.Job{}, err
	}
	log.Debug().Str("sessionId", sessionID).Str("jobId", job.ID).Msg("Outgoing message enqueued")
	return job, nil
}

func statusPtr(s models.SessionStatus) *models.SessionStatus { return &s }
