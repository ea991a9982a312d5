package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"zapdesk/internal/broadcast"
	"zapdesk/internal/db"
	"zapdesk/internal/models"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	closed bool
}

func (c *fakeConn) SendText(_ context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+":"+text)
	return fmt.Sprintf("msg-%d", len(c.sent)), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDriver struct {
	mu      sync.Mutex
	opens   map[string]int
	emit    map[string]func(protocol.Event)
	conns   map[string]*fakeConn
	openErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		opens: make(map[string]int),
		emit:  make(map[string]func(protocol.Event)),
		conns: make(map[string]*fakeConn),
	}
}

func (d *fakeDriver) Open(_ context.Context, req protocol.OpenRequest) (protocol.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens[req.SessionID]++
	if d.openErr != nil {
		return nil, d.openErr
	}
	c := &fakeConn{}
	d.emit[req.SessionID] = req.Emit
	d.conns[req.SessionID] = c
	return c, nil
}

func (d *fakeDriver) openCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[sessionID]
}

func (d *fakeDriver) conn(sessionID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[sessionID]
}

// send emits ev through the callback of the latest connection of sessionID.
func (d *fakeDriver) send(t *testing.T, sessionID string, ev protocol.Event) {
	t.Helper()
	d.mu.Lock()
	emit := d.emit[sessionID]
	d.mu.Unlock()
	if emit == nil {
		t.Fatalf("no connection opened for %s", sessionID)
	}
	emit(ev)
}

type memKeys struct {
	mu      sync.Mutex
	creds   map[string][]byte
	cleared []string
}

func newMemKeys() *memKeys { return &memKeys{creds: make(map[string][]byte)} }

func (k *memKeys) LoadCredential(_ context.Context, id string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.creds[id], nil
}

func (k *memKeys) SaveCredential(_ context.Context, id string, blob []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.creds[id] = blob
	return nil
}

func (k *memKeys) GetKeys(context.Context, string, string, []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (k *memKeys) SetKeys(context.Context, string, map[string]map[string][]byte) error { return nil }

func (k *memKeys) ListKeys(context.Context, string, string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (k *memKeys) Clear(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.creds, id)
	k.cleared = append(k.cleared, id)
	return nil
}

func (k *memKeys) wasCleared(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.cleared {
		if c == id {
			return true
		}
	}
	return false
}

const testRetryDelay = 40 * time.Millisecond

type harness struct {
	store  *Store
	mgr    *Manager
	rec    *Reconciler
	driver *fakeDriver
	keys   *memKeys
	bc     *broadcast.Recorder
	broker *queue.MemoryBroker
	qr     *QRCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := NewStore(db.OpenTest(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := &harness{
		store:  store,
		driver: newFakeDriver(),
		keys:   newMemKeys(),
		bc:     broadcast.NewRecorder(1000, nil),
		broker: queue.NewMemoryBroker(),
		qr:     NewQRCache(time.Minute),
	}
	disp, err := queue.NewDispatcher(h.broker, queue.Options{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	h.rec, err = NewReconciler(h.driver, store, h.keys, h.qr, h.bc, disp, ReconcilerOptions{RetryDelay: testRetryDelay})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	h.mgr, err = NewManager(store, h.keys, h.qr, h.bc, h.rec, disp)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.rec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T, sessionID string) models.SessionStatus {
	t.Helper()
	s, err := h.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get(%s): %v", sessionID, err)
	}
	return s.Status
}

func (h *harness) waitStatus(t *testing.T, sessionID string, want models.SessionStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to be %s", sessionID, want), func() bool {
		s, err := h.store.Get(context.Background(), sessionID)
		return err == nil && s.Status == want
	})
}

// connectLive drives sessionID to CONNECTED with the given phone.
func (h *harness) connectLive(t *testing.T, sessionID, phone string) {
	t.Helper()
	if _, err := h.mgr.Connect(context.Background(), sessionID, "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "dial", func() bool { return h.driver.conn(sessionID) != nil })
	h.driver.send(t, sessionID, protocol.Event{Kind: protocol.EventConnected, Phone: phone})
	h.waitStatus(t, sessionID, models.SessionConnected)
	waitFor(t, "live handle", func() bool { return h.rec.IsLive(context.Background(), sessionID) })
}

func TestConnectQRThenConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.mgr.Connect(ctx, "s1", "t1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Status != models.SessionConnecting {
		t.Errorf("status after Connect = %s, want CONNECTING", sess.Status)
	}
	if len(h.bc.Find(broadcast.TenantChannel("t1"), "session.connecting")) != 1 {
		t.Errorf("session.connecting was not broadcast to the tenant")
	}

	waitFor(t, "dial", func() bool { return h.driver.conn("s1") != nil })
	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventQR, QR: "2@abc"})
	h.waitStatus(t, "s1", models.SessionQRRequired)
	if code, ok := h.mgr.QRCode("s1"); !ok || code != "2@abc" {
		t.Errorf("QRCode = %q, %v; want 2@abc, true", code, ok)
	}
	waitFor(t, "session.qr broadcast", func() bool {
		return len(h.bc.Find(broadcast.TenantChannel("t1"), "session.qr")) == 1
	})

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventConnected, Phone: "51999888777"})
	h.waitStatus(t, "s1", models.SessionConnected)

	got, _ := h.store.Get(ctx, "s1")
	if got.PhoneNumber == nil || *got.PhoneNumber != "51999888777" {
		t.Errorf("phoneNumber = %v, want 51999888777", got.PhoneNumber)
	}
	if got.LastConnectedAt == nil {
		t.Error("lastConnectedAt was not set")
	}
	if got.ErrorMessage != nil {
		t.Errorf("errorMessage = %q, want nil", *got.ErrorMessage)
	}
	if _, ok := h.mgr.QRCode("s1"); ok {
		t.Error("QR code still cached after connecting")
	}
}

func TestRepeatedConnectKeepsLiveSessionConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connectLive(t, "s1", "51999")

	if _, err := h.mgr.Connect(ctx, "s1", "t1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	h.waitStatus(t, "s1", models.SessionConnected)

	if n := h.driver.openCount("s1"); n != 1 {
		t.Errorf("driver opened %d times, want 1", n)
	}
	if !h.rec.IsLive(ctx, "s1") {
		t.Error("connection dropped by a repeated connect")
	}
	got, _ := h.store.Get(ctx, "s1")
	if got.PhoneNumber == nil || *got.PhoneNumber != "51999" {
		t.Errorf("phoneNumber = %v, want 51999", got.PhoneNumber)
	}
	connected, err := h.store.ListByStatus(ctx, models.SessionConnected)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(connected) != 1 {
		t.Fatalf("ListByStatus(CONNECTED) = %d sessions, want 1 so recovery finds it", len(connected))
	}
}

func TestRepeatedConnectWhilePairingRestoresQR(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.Connect(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "dial", func() bool { return h.driver.conn("s1") != nil })
	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventQR, QR: "2@abc"})
	h.waitStatus(t, "s1", models.SessionQRRequired)

	if _, err := h.mgr.Connect(ctx, "s1", "t1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	h.waitStatus(t, "s1", models.SessionQRRequired)
	if n := h.driver.openCount("s1"); n != 1 {
		t.Errorf("driver opened %d times, want 1", n)
	}
}

func TestConnectRejectsTenantMismatchAndTombstones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.Connect(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := h.mgr.Connect(ctx, "s1", "t2"); err == nil {
		t.Error("Connect with another tenant succeeded")
	}
	if _, err := h.mgr.Connect(ctx, TombstonePrefix+"1-s1", "t1"); err == nil {
		t.Error("Connect with a tombstoned id succeeded")
	}
	if _, err := h.mgr.Connect(ctx, "", "t1"); err == nil {
		t.Error("Connect without id succeeded")
	}
}

func TestUnexpectedDropRetriesOnce(t *testing.T) {
	h := newHarness(t)
	h.connectLive(t, "s1", "51999")
	first := h.driver.conn("s1")

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventDisconnected, Err: errors.New("stream error")})
	h.waitStatus(t, "s1", models.SessionConnecting)
	waitFor(t, "old connection closed", first.isClosed)

	waitFor(t, "redial", func() bool { return h.driver.openCount("s1") == 2 })
	got, _ := h.store.Get(context.Background(), "s1")
	if got.ErrorMessage == nil || *got.ErrorMessage != "stream error" {
		t.Errorf("errorMessage = %v, want stream error", got.ErrorMessage)
	}

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventConnected, Phone: "51999"})
	h.waitStatus(t, "s1", models.SessionConnected)
}

func TestTombstoneSuppressesPendingRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connectLive(t, "s1", "51999")

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventDisconnected, Err: errors.New("dropped")})
	h.waitStatus(t, "s1", models.SessionConnecting)

	newID, err := h.store.Tombstone(ctx, "s1", time.Now())
	if err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	time.Sleep(4 * testRetryDelay)

	if n := h.driver.openCount("s1"); n != 1 {
		t.Errorf("driver opened %d times, want 1", n)
	}
	if st := h.status(t, newID); st != models.SessionDisconnected {
		t.Errorf("tombstoned status = %s, want DISCONNECTED", st)
	}
	if _, err := h.store.Get(ctx, "s1"); err == nil {
		t.Error("original id still resolves after tombstoning")
	}
}

func TestDisconnectWinsOverLateEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connectLive(t, "s1", "51999")
	conn := h.driver.conn("s1")

	if err := h.mgr.Disconnect(ctx, "s1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, "connection closed", conn.isClosed)

	// A report from the closed connection must not revive the session.
	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventConnected, Phone: "51999"})
	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventDisconnected, Err: errors.New("late")})
	time.Sleep(4 * testRetryDelay)

	if st := h.status(t, "s1"); st != models.SessionDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", st)
	}
	if n := h.driver.openCount("s1"); n != 1 {
		t.Errorf("driver opened %d times, want 1", n)
	}
	if len(h.bc.Find(broadcast.TenantChannel("t1"), "session.disconnected")) != 1 {
		t.Error("session.disconnected was not broadcast")
	}
}

func TestExternalReportIgnoredAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Ensure(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := h.rec.Report(ctx, protocol.Event{SessionID: "s1", Kind: protocol.EventConnected, Phone: "51"}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	time.Sleep(4 * testRetryDelay)
	if st := h.status(t, "s1"); st != models.SessionDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", st)
	}
}

func TestLoggedOutClearsCredentials(t *testing.T) {
	h := newHarness(t)
	h.connectLive(t, "s1", "51999")

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventDisconnected, LoggedOut: true, Err: errors.New("logged out")})
	h.waitStatus(t, "s1", models.SessionQRRequired)
	waitFor(t, "credentials cleared", func() bool { return h.keys.wasCleared("s1") })

	time.Sleep(4 * testRetryDelay)
	if n := h.driver.openCount("s1"); n != 1 {
		t.Errorf("driver opened %d times after logout, want 1", n)
	}
}

func TestOpenFailureMarksError(t *testing.T) {
	h := newHarness(t)
	h.driver.openErr = errors.New("store unavailable")

	if _, err := h.mgr.Connect(context.Background(), "s1", "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitStatus(t, "s1", models.SessionError)
	got, _ := h.store.Get(context.Background(), "s1")
	if got.ErrorMessage == nil || *got.ErrorMessage != "store unavailable" {
		t.Errorf("errorMessage = %v, want store unavailable", got.ErrorMessage)
	}
	waitFor(t, "session.error broadcast", func() bool {
		return len(h.bc.Find(broadcast.TenantChannel("t1"), "session.error")) == 1
	})
}

func TestRecoverReconnectsConnectedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed := map[string]models.SessionStatus{
		"s1": models.SessionConnected,
		"s2": models.SessionConnected,
		"s3": models.SessionDisconnected,
	}
	for id, st := range seed {
		if _, err := h.store.Ensure(ctx, id, "t1"); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if _, err := h.store.Apply(ctx, id, StatusUpdate(st)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	n, err := h.mgr.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("Recover = %d, want 2", n)
	}
	waitFor(t, "both dials", func() bool {
		return h.driver.openCount("s1") == 1 && h.driver.openCount("s2") == 1
	})
	if h.driver.openCount("s3") != 0 {
		t.Error("disconnected session was dialed")
	}
}

func TestInboundMessageIsQueued(t *testing.T) {
	h := newHarness(t)
	h.connectLive(t, "s1", "51999")

	h.driver.send(t, "s1", protocol.Event{Kind: protocol.EventMessage, Message: &protocol.InboundMessage{
		ID: "m1", From: "51888", Chat: "51888@s.whatsapp.net", Text: "hola",
	}})
	waitFor(t, "incoming job", func() bool { return h.broker.Len(queue.Incoming) == 1 })
	waitFor(t, "lastSyncAt", func() bool {
		s, err := h.store.Get(context.Background(), "s1")
		return err == nil && s.LastSyncAt != nil
	})
}

func TestSendRequiresLiveConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.rec.Send(ctx, "nope", "51888", "hi"); err == nil {
		t.Fatal("Send on an unknown session succeeded")
	}

	h.connectLive(t, "s1", "51999")
	id, err := h.rec.Send(ctx, "s1", "51888", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Error("Send returned an empty message id")
	}
	if c := h.driver.conn("s1"); len(c.sent) != 1 || c.sent[0] != "51888:hi" {
		t.Errorf("sent = %v", c.sent)
	}
}

func TestManagerSendMessageEnqueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.SendMessage(ctx, "s1", "51888", "hi", ""); err == nil {
		t.Error("SendMessage on an unknown session succeeded")
	}
	if _, err := h.store.Ensure(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := h.mgr.SendMessage(ctx, "s1", "", "hi", ""); err == nil {
		t.Error("SendMessage without recipient succeeded")
	}
	job, err := h.mgr.SendMessage(ctx, "s1", "51888", "hi", "Ana")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	var out OutgoingMessage
	if err := job.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.SenderName != "Ana" || out.To != "51888" {
		t.Errorf("payload = %+v", out)
	}
	if h.broker.Len(queue.Outgoing) != 1 {
		t.Errorf("outgoing queue length = %d, want 1", h.broker.Len(queue.Outgoing))
	}
}

func TestManagerTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connectLive(t, "s1", "51999")
	conn := h.driver.conn("s1")

	newID, err := h.mgr.Tombstone(ctx, "s1")
	if err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	if !IsTombstoned(newID) {
		t.Errorf("new id %q has no tombstone prefix", newID)
	}
	if !h.keys.wasCleared("s1") {
		t.Error("credentials were not cleared")
	}
	waitFor(t, "connection closed", conn.isClosed)
	if _, err := h.mgr.Connect(ctx, newID, "t1"); err == nil {
		t.Error("Connect on a tombstoned id succeeded")
	}
}

func TestControlQueueDrivesReconciler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	disp, err := queue.NewDispatcher(h.broker, queue.Options{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	disp.Register(queue.Control, 1, ControlHandler(h.rec))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mgr, err := NewManager(h.store, h.keys, h.qr, h.bc, NewQueueCommands(disp), disp)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.Connect(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "dial through the control queue", func() bool { return h.driver.openCount("s1") == 1 })
}

func TestQRCacheExpires(t *testing.T) {
	c := NewQRCache(20 * time.Millisecond)
	c.Set("s1", "code")
	if got, ok := c.Get("s1"); !ok || got != "code" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("s1"); ok {
		t.Error("QR code still served after its TTL")
	}
}

func TestStoreApplyOnlyIfActive(t *testing.T) {
	store, err := NewStore(db.OpenTest(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Ensure(ctx, "s1", "t1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	tests := []struct {
		name    string
		update  Update
		applied bool
		want    models.SessionStatus
	}{
		{"guarded write on disconnected row", Update{Status: statusPtr(models.SessionConnected), OnlyIfActive: true}, false, models.SessionDisconnected},
		{"unguarded write", StatusUpdate(models.SessionConnecting), true, models.SessionConnecting},
		{"guarded write on active row", Update{Status: statusPtr(models.SessionConnected), OnlyIfActive: true}, true, models.SessionConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := store.Apply(ctx, "s1", tt.update)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if applied != tt.applied {
				t.Errorf("applied = %v, want %v", applied, tt.applied)
			}
			s, _ := store.Get(ctx, "s1")
			if s.Status != tt.want {
				t.Errorf("status = %s, want %s", s.Status, tt.want)
			}
		})
	}

	if applied, err := store.Apply(ctx, "missing", StatusUpdate(models.SessionConnected)); err != nil || applied {
		t.Errorf("Apply on missing row = %v, %v; want false, nil", applied, err)
	}
}
