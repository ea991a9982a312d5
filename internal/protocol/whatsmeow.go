package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"zapdesk/internal/apperr"
)

// WhatsmeowDriver opens WhatsApp multi-device connections.
//
// The device row (noise and identity keys, account) lives in whatsmeow's
// container. Signal key material (identities, sessions, pre-keys, sender
// keys, app state sync keys) is read and written through the session's
// KeyStore. The credential blob stored per session is the paired device
// JID, which selects the device row on the next open.
type WhatsmeowDriver struct {
	container *sqlstore.Container
}

// NewWhatsmeowDriver opens (and upgrades) the whatsmeow device container.
func NewWhatsmeowDriver(ctx context.Context, dialect, dsn string) (*WhatsmeowDriver, error) {
	if dialect == "" || dsn == "" {
		return nil, fmt.Errorf("whatsmeow store dialect and DSN are required")
	}
	container, err := sqlstore.New(ctx, dialect, dsn, newWALogger("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsmeow store: %w", err)
	}
	log.Info().Str("dialect", dialect).Msg("Whatsmeow device store ready")
	return &WhatsmeowDriver{container: container}, nil
}

// Open loads the paired device for the session, or a fresh one that will
// emit QR codes until it is paired.
func (d *WhatsmeowDriver) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	if req.Keys == nil || req.Emit == nil {
		return nil, fmt.Errorf("open %s: key store and emit callback are required", req.SessionID)
	}

	blob, err := req.Keys.LoadCredential(ctx, req.SessionID)
	if err != nil {
		// Treated as unpaired; a new QR pairing restores the session.
		log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("Could not load credentials, starting unpaired")
	}

	var device *store.Device
	if len(blob) > 0 {
		jid, err := types.ParseJID(string(blob))
		if err != nil {
			log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("Stored device JID is invalid, starting unpaired")
		} else if existing, err := d.container.GetDevice(ctx, jid); err != nil {
			return nil, fmt.Errorf("load device for %s: %w", req.SessionID, err)
		} else if existing != nil {
			device = existing
		}
	}
	paired := device != nil
	if !paired {
		device = d.container.NewDevice()
		// Marked initialised so saving the device on pairing keeps the key
		// stores below instead of swapping in the container's own.
		device.LIDs = d.container.LIDMap
		device.Initialized = true
	}
	newSignalStore(req.Keys, req.SessionID).attach(device)

	client := whatsmeow.NewClient(device, newWALogger(req.SessionID))
	// Reconnects are owned by the session reconciler.
	client.EnableAutoReconnect = false
	if !paired {
		client.PrePairCallback = func(jid types.JID, _, _ string) bool {
			d.attachDeviceStores(device, jid)
			return true
		}
	}

	conn := &waConn{sessionID: req.SessionID, client: client, keys: req.Keys, emit: req.Emit}
	client.AddEventHandler(conn.handleEvent)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		conn.cancelQR = cancel
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("get QR channel for %s: %w", req.SessionID, err)
		}
		go conn.forwardQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		conn.stopQR()
		return nil, fmt.Errorf("connect %s: %w", req.SessionID, err)
	}

	log.Info().Str("sessionId", req.SessionID).Bool("paired", client.Store.ID != nil).Msg("Whatsmeow client connecting")
	return conn, nil
}

// attachDeviceStores gives a newly paired device the container-backed stores
// for everything that is not key material.
func (d *WhatsmeowDriver) attachDeviceStores(device *store.Device, jid types.JID) {
	inner := sqlstore.NewSQLStore(d.container, jid)
	device.AppState = inner
	device.Contacts = inner
	device.ChatSettings = inner
	device.MsgSecrets = inner
	device.PrivacyTokens = inner
	device.EventBuffer = inner
}

type waConn struct {
	sessionID string
	client    *whatsmeow.Client
	keys      KeyStore
	emit      func(Event)

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

func (c *waConn) stopQR() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
}

func (c *waConn) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(Event{SessionID: c.sessionID, Kind: EventQR, QR: item.Code})
		case "success":
			log.Info().Str("sessionId", c.sessionID).Msg("QR pairing succeeded")
		case "timeout":
			c.emit(Event{SessionID: c.sessionID, Kind: EventDisconnected, Err: errors.New("QR pairing timed out")})
		default:
			if item.Error != nil {
				log.Warn().Err(item.Error).Str("sessionId", c.sessionID).Str("qrEvent", item.Event).Msg("QR channel error")
			}
		}
	}
}

func (c *waConn) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		ctx := context.Background()
		if err := c.keys.SaveCredential(ctx, c.sessionID, []byte(evt.ID.String())); err != nil {
			log.Error().Err(err).Str("sessionId", c.sessionID).Msg("Failed to persist paired device")
		}
	case *events.Connected:
		c.stopQR()
		phone := ""
		if c.client.Store.ID != nil {
			phone = c.client.Store.ID.User
		}
		c.emit(Event{SessionID: c.sessionID, Kind: EventConnected, Phone: phone})
	case *events.Disconnected:
		c.emit(Event{SessionID: c.sessionID, Kind: EventDisconnected, Err: errors.New("connection lost")})
	case *events.StreamReplaced:
		c.emit(Event{SessionID: c.sessionID, Kind: EventDisconnected, Err: errors.New("stream replaced by another client")})
	case *events.LoggedOut:
		c.emit(Event{SessionID: c.sessionID, Kind: EventDisconnected, LoggedOut: true, Err: fmt.Errorf("logged out: %v", evt.Reason)})
	case *events.Message:
		if evt.Info.IsFromMe {
			return
		}
		text := evt.Message.GetConversation()
		if text == "" {
			text = evt.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			log.Debug().Str("sessionId", c.sessionID).Str("messageId", evt.Info.ID).Msg("Ignoring non-text message")
			return
		}
		c.emit(Event{
			SessionID: c.sessionID,
			Kind:      EventMessage,
			Message: &InboundMessage{
				ID:        evt.Info.ID,
				SessionID: c.sessionID,
				From:      evt.Info.Sender.ToNonAD().User,
				Chat:      evt.Info.Chat.String(),
				PushName:  evt.Info.PushName,
				Text:      text,
				Timestamp: evt.Info.Timestamp,
			},
		})
	}
}

// SendText sends a plain text message. to is a phone number or a full JID.
func (c *waConn) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid.String(), err)
	}
	return resp.ID, nil
}

func (c *waConn) Close() error {
	c.stopQR()
	c.client.RemoveEventHandlers()
	c.client.Disconnect()
	return nil
}

// ParseRecipient turns a phone number or JID string into a JID.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, apperr.Validation("protocol.ParseRecipient", "invalid recipient %q: %v", to, err)
		}
		return jid, nil
	}
	digits := strings.TrimLeft(to, "+")
	if digits == "" {
		return types.JID{}, apperr.Validation("protocol.ParseRecipient", "invalid recipient %q", to)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, apperr.Validation("protocol.ParseRecipient", "invalid recipient %q", to)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// waLogger routes whatsmeow's logging into zerolog.
type waLogger struct {
	l zerolog.Logger
}

func newWALogger(module string) waLog.Logger {
	return &waLogger{l: log.With().Str("component", "whatsmeow").Str("module", module).Logger()}
}

func (w *waLogger) Warnf(msg string, args ...interface{})  { w.l.Warn().Msgf(msg, args...) }
func (w *waLogger) Errorf(msg string, args ...interface{}) { w.l.Error().Msgf(msg, args...) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.l.Info().Msgf(msg, args...) }
func (w *waLogger) Debugf(msg string, args ...interface{}) { w.l.Debug().Msgf(msg, args...) }
func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{l: w.l.With().Str("sub", module).Logger()}
}
