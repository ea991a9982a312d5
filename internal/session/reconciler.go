package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/models"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
)

// ReconcilerOptions tunes a Reconciler.
type ReconcilerOptions struct {
	// RetryDelay is the wait before the single reconnect attempt after an unexpected drop.
	RetryDelay time.Duration
	// OnQR is called from the run loop for every QR code; it must not block.
	OnQR func(sessionID, code string)
}

type handle struct {
	gen      uint64
	tenantID string
	conn     protocol.Conn
	// connected and phone mirror the last Connected event on conn.
	connected bool
	phone     string
}

type pendingRetry struct {
	timer    *time.Timer
	seq      uint64
	tenantID string
}

// run loop messages
type (
	dialResult struct {
		sessionID string
		tenantID  string
		gen       uint64
		conn      protocol.Conn
		skip      string
		err       error
	}
	driverEvent struct {
		gen      uint64
		external bool
		ev       protocol.Event
	}
	retryFire struct {
		sessionID string
		seq       uint64
	}
	connQuery struct {
		sessionID string
		reply     chan protocol.Conn
	}
)

// Reconciler owns every live protocol connection. All of its state is
// touched only by the Run goroutine; other goroutines talk to it through
// the inbox. Status writes go through one FIFO writer so they are applied
// in the order the events happened.
type Reconciler struct {
	driver     protocol.Driver
	store      *Store
	keys       protocol.KeyStore
	qr         *QRCache
	bc         broadcast.Broadcaster
	jobs       Enqueuer
	retryDelay time.Duration
	onQR       func(sessionID, code string)

	inbox  chan interface{}
	writes chan func(context.Context)
	done   chan struct{}

	handles  map[string]*handle
	retries  map[string]*pendingRetry
	gen      uint64
	retrySeq uint64
}

func NewReconciler(driver protocol.Driver, store *Store, keys protocol.KeyStore, qr *QRCache, bc broadcast.Broadcaster, jobs Enqueuer, opts ReconcilerOptions) (*Reconciler, error) {
	if driver == nil || store == nil || keys == nil || qr == nil || bc == nil || jobs == nil {
		return nil, fmt.Errorf("session reconciler: all dependencies are required")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Reconciler{
		driver:     driver,
		store:      store,
		keys:       keys,
		qr:         qr,
		bc:         bc,
		jobs:       jobs,
		retryDelay: opts.RetryDelay,
		onQR:       opts.OnQR,
		inbox:      make(chan interface{}, 256),
		writes:     make(chan func(context.Context), 1024),
		done:       make(chan struct{}),
		handles:    make(map[string]*handle),
		retries:    make(map[string]*pendingRetry),
	}, nil
}

var errStopped = errors.New("session reconciler stopped")

func (r *Reconciler) post(msg interface{}) {
	select {
	case r.inbox <- msg:
	case <-r.done:
	}
}

func (r *Reconciler) postCtx(ctx context.Context, msg interface{}) error {
	select {
	case r.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errStopped
	}
}

// Publish implements CommandPublisher for in-process use.
func (r *Reconciler) Publish(ctx context.Context, cmd Command) error {
	if cmd.SessionID == "" {
		return apperr.Validation("session.Publish", "command without session id")
	}
	return r.postCtx(ctx, cmd)
}

// Report injects an event observed by an out-of-process protocol worker.
func (r *Reconciler) Report(ctx context.Context, ev protocol.Event) error {
	if ev.SessionID == "" {
		return apperr.Validation("session.Report", "event without session id")
	}
	return r.postCtx(ctx, driverEvent{external: true, ev: ev})
}

// Send delivers text over the live connection of sessionID.
func (r *Reconciler) Send(ctx context.Context, sessionID, to, text string) (string, error) {
	conn, err := r.conn(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if conn == nil {
		return "", apperr.Connection("session.Send", "session %s is not connected", sessionID)
	}
	id, err := conn.SendText(ctx, to, text)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return "", err
		}
		return "", apperr.Wrap(apperr.KindConnection, "session.Send", err)
	}
	return id, nil
}

// IsLive reports whether sessionID has an open connection.
func (r *Reconciler) IsLive(ctx context.Context, sessionID string) bool {
	conn, err := r.conn(ctx, sessionID)
	return err == nil && conn != nil
}

func (r *Reconciler) conn(ctx context.Context, sessionID string) (protocol.Conn, error) {
	reply := make(chan protocol.Conn, 1)
	if err := r.postCtx(ctx, connQuery{sessionID: sessionID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case c := <-reply:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, errStopped
	}
}

// Run processes commands and events until ctx is done, then closes every connection.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.done)

	writerDone := make(chan struct{})
	go r.writeLoop(ctx, writerDone)

	log.Info().Dur("retryDelay", r.retryDelay).Msg("Session reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			<-writerDone
			log.Info().Msg("Session reconciler stopped")
			return nil
		case msg := <-r.inbox:
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Reconciler) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.writes:
			w(ctx)
		}
	}
}

func (r *Reconciler) write(ctx context.Context, w func(context.Context)) {
	select {
	case r.writes <- w:
	case <-ctx.Done():
	}
}

func (r *Reconciler) dispatch(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case Command:
		switch m.Action {
		case ActionConnect:
			r.connect(ctx, m.SessionID, m.TenantID)
		case ActionDisconnect:
			r.disconnect(m.SessionID)
		default:
			log.Warn().Str("action", m.Action).Str("sessionId", m.SessionID).Msg("Unknown session command")
		}
	case dialResult:
		r.onDialResult(ctx, m)
	case driverEvent:
		r.onEvent(ctx, m)
	case retryFire:
		r.onRetry(ctx, m)
	case connQuery:
		var c protocol.Conn
		if h := r.handles[m.sessionID]; h != nil {
			c = h.conn
		}
		m.reply <- c
	}
}

func (r *Reconciler) connect(ctx context.Context, sessionID, tenantID string) {
	r.cancelRetry(sessionID)
	if h, ok := r.handles[sessionID]; ok {
		if tenantID != "" {
			h.tenantID = tenantID
		}
		// A repeated connect has already moved the stored row back to
		// CONNECTING; put back what the live connection last reported.
		switch code, hasQR := r.qr.Get(sessionID); {
		case h.connected:
			r.markConnected(ctx, sessionID, h.tenantID, h.phone)
		case hasQR:
			r.markQR(ctx, sessionID, h.tenantID, code)
		}
		log.Debug().Str("sessionId", sessionID).Bool("connected", h.connected).Msg("Session already live or dialing")
		return
	}
	r.startDial(ctx, sessionID, tenantID)
}

func (r *Reconciler) markConnected(ctx context.Context, sessionID, tenantID, phone string) {
	r.write(ctx, func(wctx context.Context) {
		now := time.Now().UTC()
		u := Update{
			Status:          statusPtr(models.SessionConnected),
			LastConnectedAt: &now,
			ClearError:      true,
			OnlyIfActive:    true,
		}
		if phone != "" {
			u.PhoneNumber = &phone
		}
		r.applyAndBroadcast(wctx, sessionID, tenantID, u, "session.connected",
			map[string]string{"sessionId": sessionID, "phoneNumber": phone})
	})
}

func (r *Reconciler) markQR(ctx context.Context, sessionID, tenantID, code string) {
	r.write(ctx, func(wctx context.Context) {
		r.applyAndBroadcast(wctx, sessionID, tenantID, Update{
			Status:       statusPtr(models.SessionQRRequired),
			OnlyIfActive: true,
		}, "session.qr", map[string]string{"sessionId": sessionID, "qr": code})
	})
}

func (r *Reconciler) startDial(ctx context.Context, sessionID, tenantID string) {
	r.gen++
	gen := r.gen
	r.handles[sessionID] = &handle{gen: gen, tenantID: tenantID}
	go r.dial(ctx, sessionID, gen)
}

// dial runs off the loop. It re-reads the stored session first: a session
// that was deleted, tombstoned or disconnected meanwhile is not dialed.
func (r *Reconciler) dial(ctx context.Context, sessionID string, gen uint64) {
	res := dialResult{sessionID: sessionID, gen: gen}

	sess, err := r.store.Get(ctx, sessionID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		res.skip = "session no longer exists"
	case err != nil:
		res.err = err
	case IsTombstoned(sess.SessionID):
		res.skip = "session is deleted"
	case sess.Status == models.SessionDisconnected:
		res.skip = "session was disconnected"
	default:
		res.tenantID = sess.TenantID
		res.conn, res.err = r.driver.Open(ctx, protocol.OpenRequest{
			SessionID: sessionID,
			Keys:      r.keys,
			Emit: func(ev protocol.Event) {
				ev.SessionID = sessionID
				r.post(driverEvent{gen: gen, ev: ev})
			},
		})
	}
	r.post(res)
}

func (r *Reconciler) onDialResult(ctx context.Context, res dialResult) {
	h := r.handles[res.sessionID]
	if h == nil || h.gen != res.gen {
		if res.conn != nil {
			go res.conn.Close()
		}
		return
	}
	if h.tenantID == "" {
		h.tenantID = res.tenantID
	}

	if res.skip != "" {
		delete(r.handles, res.sessionID)
		log.Info().Str("sessionId", res.sessionID).Str("reason", res.skip).Msg("Dial skipped")
		return
	}
	if res.err != nil {
		delete(r.handles, res.sessionID)
		log.Error().Err(res.err).Str("sessionId", res.sessionID).Msg("Could not open protocol connection")
		sessionID, tenantID, msg := res.sessionID, h.tenantID, res.err.Error()
		r.write(ctx, func(wctx context.Context) {
			r.applyAndBroadcast(wctx, sessionID, tenantID, Update{
				Status:       statusPtr(models.SessionError),
				ErrorMessage: &msg,
				OnlyIfActive: true,
			}, "session.error", map[string]string{"sessionId": sessionID, "error": msg})
		})
		return
	}
	h.conn = res.conn
	log.Info().Str("sessionId", res.sessionID).Msg("Protocol connection opened")
}

func (r *Reconciler) onEvent(ctx context.Context, de driverEvent) {
	ev := de.ev
	sessionID := ev.SessionID
	h := r.handles[sessionID]
	if !de.external && (h == nil || h.gen != de.gen) {
		log.Debug().Str("sessionId", sessionID).Str("kind", string(ev.Kind)).Msg("Dropping event from a stale connection")
		return
	}
	tenantID := ""
	if h != nil {
		tenantID = h.tenantID
	}

	switch ev.Kind {
	case protocol.EventQR:
		r.qr.Set(sessionID, ev.QR)
		if r.onQR != nil {
			r.onQR(sessionID, ev.QR)
		}
		r.markQR(ctx, sessionID, tenantID, ev.QR)

	case protocol.EventConnected:
		r.cancelRetry(sessionID)
		r.qr.Delete(sessionID)
		if h != nil {
			h.connected = true
			h.phone = ev.Phone
		}
		r.markConnected(ctx, sessionID, tenantID, ev.Phone)

	case protocol.EventDisconnected:
		if h != nil {
			delete(r.handles, sessionID)
			if h.conn != nil {
				go h.conn.Close()
			}
		}
		msg := "connection closed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}

		if ev.LoggedOut {
			r.cancelRetry(sessionID)
			r.qr.Delete(sessionID)
			log.Warn().Str("sessionId", sessionID).Str("reason", msg).Msg("Session logged out, credentials cleared")
			r.write(ctx, func(wctx context.Context) {
				if err := r.keys.Clear(wctx, sessionID); err != nil {
					log.Error().Err(err).Str("sessionId", sessionID).Msg("Could not clear credentials after logout")
				}
				r.applyAndBroadcast(wctx, sessionID, tenantID, Update{
					Status:       statusPtr(models.SessionQRRequired),
					ErrorMessage: &msg,
					OnlyIfActive: true,
				}, "session.logged_out", map[string]string{"sessionId": sessionID, "error": msg})
			})
			return
		}

		r.scheduleRetry(sessionID, tenantID)
		r.write(ctx, func(wctx context.Context) {
			r.applyAndBroadcast(wctx, sessionID, tenantID, Update{
				Status:       statusPtr(models.SessionConnecting),
				ErrorMessage: &msg,
				OnlyIfActive: true,
			}, "session.reconnecting", map[string]string{"sessionId": sessionID, "error": msg})
		})

	case protocol.EventMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		msg.SessionID = sessionID
		r.write(ctx, func(wctx context.Context) {
			if msg.TenantID == "" {
				msg.TenantID = r.tenantOf(wctx, sessionID, tenantID)
			}
			if _, err := r.jobs.Enqueue(wctx, queue.Incoming, JobInboundMessage, msg); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Str("messageId", msg.ID).Msg("Could not enqueue inbound message")
			}
			now := time.Now().UTC()
			if _, err := r.store.Apply(wctx, sessionID, Update{LastSyncAt: &now, OnlyIfActive: true}); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("Could not update lastSyncAt")
			}
		})
	}
}

// applyAndBroadcast is the worker side of the single update path. Store
// errors are logged and leave the last written status in place.
func (r *Reconciler) applyAndBroadcast(ctx context.Context, sessionID, tenantID string, u Update, event string, payload interface{}) {
	applied, err := r.store.Apply(ctx, sessionID, u)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Str("event", event).Msg("Could not persist session status")
		return
	}
	if !applied {
		log.Debug().Str("sessionId", sessionID).Str("event", event).Msg("Status write skipped, session disconnected or gone")
		return
	}
	tenantID = r.tenantOf(ctx, sessionID, tenantID)
	if tenantID != "" {
		r.bc.Broadcast(ctx, broadcast.TenantChannel(tenantID), event, payload)
	}
	r.bc.Broadcast(ctx, broadcast.SessionChannel(sessionID), event, payload)
}

func (r *Reconciler) tenantOf(ctx context.Context, sessionID, known string) string {
	if known != "" {
		return known
	}
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return sess.TenantID
}

func (r *Reconciler) scheduleRetry(sessionID, tenantID string) {
	r.cancelRetry(sessionID)
	r.retrySeq++
	seq := r.retrySeq
	t := time.AfterFunc(r.retryDelay, func() {
		r.post(retryFire{sessionID: sessionID, seq: seq})
	})
	r.retries[sessionID] = &pendingRetry{timer: t, seq: seq, tenantID: tenantID}
	log.Info().Str("sessionId", sessionID).Dur("delay", r.retryDelay).Msg("Reconnect scheduled")
}

func (r *Reconciler) cancelRetry(sessionID string) {
	if p := r.retries[sessionID]; p != nil {
		p.timer.Stop()
		delete(r.retries, sessionID)
	}
}

func (r *Reconciler) onRetry(ctx context.Context, rf retryFire) {
	p := r.retries[rf.sessionID]
	if p == nil || p.seq != rf.seq {
		return
	}
	delete(r.retries, rf.sessionID)
	if _, live := r.handles[rf.sessionID]; live {
		return
	}
	log.Info().Str("sessionId", rf.sessionID).Msg("Retrying connection")
	r.startDial(ctx, rf.sessionID, p.tenantID)
}

func (r *Reconciler) disconnect(sessionID string) {
	r.cancelRetry(sessionID)
	r.qr.Delete(sessionID)
	h := r.handles[sessionID]
	if h == nil {
		return
	}
	delete(r.handles, sessionID)
	if h.conn != nil {
		go h.conn.Close()
	}
	log.Info().Str("sessionId", sessionID).Msg("Protocol connection closed on request")
}

func (r *Reconciler) shutdown() {
	for id := range r.retries {
		r.cancelRetry(id)
	}
	for id, h := range r.handles {
		if h.conn != nil {
			if err := h.conn.Close(); err != nil {
				log.Warn().Err(err).Str("sessionId", id).Msg("Error closing connection on shutdown")
			}
		}
		delete(r.handles, id)
	}
}
