package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/db"
	"zapdesk/internal/models"
	"zapdesk/internal/payflow"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
	"zapdesk/internal/session"
	"zapdesk/internal/transfer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) Send(_ context.Context, sessionID, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, sessionID+"|"+to+"|"+text)
	return "wamid-1", nil
}

// recordingEnqueuer keeps jobs in memory instead of publishing them.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Job
	// failNext makes the next Enqueue call fail.
	failNext error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, queueName, jobType string, payload interface{}) (queue.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return queue.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failNext; err != nil {
		e.failNext = nil
		return queue.Job{}, err
	}
	job := queue.Job{ID: "job", Queue: queueName, Type: jobType, Payload: raw, EnqueuedAt: time.Now()}
	e.jobs = append(e.jobs, job)
	return job, nil
}

func (e *recordingEnqueuer) replies(t *testing.T) []session.OutgoingMessage {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []session.OutgoingMessage
	for _, j := range e.jobs {
		var m session.OutgoingMessage
		if err := j.Decode(&m); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type fixture struct {
	h      *Handlers
	db     *gorm.DB
	jobs   *recordingEnqueuer
	sender *fakeSender
	rec    *broadcast.Recorder
	states *StateStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := db.OpenTest(t)
	for _, r := range []interface{}{
		&models.Tenant{ID: "t1", Name: "Acme"},
		&models.Product{ID: "p1", TenantID: "t1", Name: "MATPASS 01", AmountCents: 6000, Currency: "PEN", Active: true},
	} {
		if err := gdb.Create(r).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	catalog, _ := payflow.NewCatalog(gdb)
	links, _ := payflow.NewLinkGenerator(gdb, "", "https://pay.test")
	flow, err := payflow.NewService(payflow.NewEngine(nil), catalog, links)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rec := broadcast.NewRecorder(100, nil)
	contacts, err := transfer.NewCoordinator(gdb, rec, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	states, _ := NewStateStore(gdb)
	f := &fixture{db: gdb, jobs: &recordingEnqueuer{}, sender: &fakeSender{}, rec: rec, states: states}
	f.h, err = NewHandlers(flow, contacts, states, f.jobs, f.sender, rec)
	if err != nil {
		t.Fatalf("NewHandlers: %v", err)
	}
	return f
}

func inbound(t *testing.T, id, text string) queue.Job {
	t.Helper()
	raw, err := json.Marshal(protocol.InboundMessage{
		ID: id, SessionID: "s1", TenantID: "t1", From: "51999", Chat: "51999@s.whatsapp.net", PushName: "Luz", Text: text,
	})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: "job-" + id, Queue: queue.Incoming, Type: session.JobInboundMessage, Payload: raw}
}

func TestIncomingStartsPaymentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.h.Incoming(ctx, inbound(t, "m1", "Dame un link de pago")); err != nil {
		t.Fatalf("Incoming: %v", err)
	}

	replies := f.jobs.replies(t)
	if len(replies) != 1 || replies[0].To != "51999@s.whatsapp.net" || !strings.Contains(replies[0].Text, "1. MATPASS 01 - S/ 60.00") {
		t.Fatalf("replies = %+v", replies)
	}
	state, err := f.states.Load(ctx, "s1", "51999@s.whatsapp.net")
	if err != nil || state == nil || state.Stage != payflow.StageAwaitingProduct {
		t.Fatalf("state = %+v, %v", state, err)
	}

	var contact models.Contact
	if err := f.db.Where("tenant_id = ? AND phone = ?", "t1", "51999").First(&contact).Error; err != nil {
		t.Fatalf("contact not created: %v", err)
	}
	if contact.SessionStatus != models.ContactSessionOpen || contact.Name != "Luz" {
		t.Errorf("contact = %+v", contact)
	}

	events := f.rec.Find(broadcast.TenantChannel("t1"), "message.received")
	if len(events) != 1 {
		t.Fatalf("message.received broadcasts = %d", len(events))
	}
	if got := events[0].Payload.(MessageReceived); !got.Handled || got.ContactID != contact.ID {
		t.Errorf("payload = %+v", got)
	}
}

func TestIncomingWithoutIntentHandsOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.h.Incoming(ctx, inbound(t, "m1", "hola, ¿a qué hora abren?")); err != nil {
		t.Fatalf("Incoming: %v", err)
	}
	if n := len(f.jobs.replies(t)); n != 0 {
		t.Errorf("replies = %d, want 0", n)
	}
	if state, _ := f.states.Load(ctx, "s1", "51999@s.whatsapp.net"); state != nil {
		t.Errorf("state saved for an unhandled message: %+v", state)
	}
	events := f.rec.Find(broadcast.TenantChannel("t1"), "message.received")
	if len(events) != 1 || !events[0].Payload.(MessageReceived).ShouldUseAI {
		t.Errorf("events = %+v", events)
	}
}

func TestIncomingCompletesSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs := []string{"quiero pagar", "1", "Luz Quispe", "luz@example.com", "confirmar"}
	for i, text := range msgs {
		if err := f.h.Incoming(ctx, inbound(t, string(rune('a'+i)), text)); err != nil {
			t.Fatalf("Incoming(%q): %v", text, err)
		}
	}
	if n := len(f.jobs.replies(t)); n != len(msgs)-1 {
		t.Errorf("replies = %d, want %d (no reply for a fresh link)", n, len(msgs)-1)
	}
	state, _ := f.states.Load(ctx, "s1", "51999@s.whatsapp.net")
	if state == nil || state.Stage != payflow.StageCompleted || !strings.HasPrefix(state.LinkURL, "https://pay.test/pay/") {
		t.Errorf("state = %+v", state)
	}
}

func TestIncomingSkipsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := inbound(t, "m1", "quiero pagar")

	for i := 0; i < 2; i++ {
		if err := f.h.Incoming(ctx, job); err != nil {
			t.Fatalf("Incoming #%d: %v", i, err)
		}
	}
	if n := len(f.jobs.replies(t)); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestIncomingRetryAfterFailedEnqueueResendsReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := "51999@s.whatsapp.net"

	if err := f.h.Incoming(ctx, inbound(t, "m1", "Dame un link de pago")); err != nil {
		t.Fatalf("Incoming m1: %v", err)
	}

	f.jobs.mu.Lock()
	f.jobs.failNext = errors.New("broker unavailable")
	f.jobs.mu.Unlock()
	job := inbound(t, "m2", "1")
	if err := f.h.Incoming(ctx, job); err == nil {
		t.Fatal("Incoming should fail when the reply cannot be queued")
	}

	// The dispatcher redelivers the same job.
	if err := f.h.Incoming(ctx, job); err != nil {
		t.Fatalf("Incoming retry: %v", err)
	}

	state, err := f.states.Load(ctx, "s1", chat)
	if err != nil || state == nil || state.Stage != payflow.StageAwaitingName {
		t.Fatalf("state after retry = %+v, %v; want awaiting_name", state, err)
	}
	replies := f.jobs.replies(t)
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}
	if !strings.Contains(replies[1].Text, "MATPASS 01") || strings.Contains(replies[1].Text, "1. MATPASS 01") {
		t.Errorf("retry reply = %q, want the product confirmation", replies[1].Text)
	}

	// A further redelivery after success changes nothing.
	f.h.seen.Flush()
	if err := f.h.Incoming(ctx, job); err != nil {
		t.Fatalf("Incoming redelivery: %v", err)
	}
	if n := len(f.jobs.replies(t)); n != 2 {
		t.Errorf("replies after redelivery = %d, want 2", n)
	}
	if n := len(f.rec.Find(broadcast.TenantChannel("t1"), "message.received")); n != 2 {
		t.Errorf("message.received broadcasts = %d, want 2", n)
	}
	if state, _ := f.states.Load(ctx, "s1", chat); state == nil || state.Stage != payflow.StageAwaitingName {
		t.Errorf("state after redelivery = %+v, want awaiting_name", state)
	}
}

func TestIncomingRejectsIncompleteMessages(t *testing.T) {
	f := newFixture(t)
	raw, _ := json.Marshal(protocol.InboundMessage{ID: "m1", SessionID: "s1", Chat: "51999@s.whatsapp.net", Text: "hola"})

	err := f.h.Incoming(context.Background(), queue.Job{ID: "j", Payload: raw})
	if !queue.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	err = f.h.Incoming(context.Background(), queue.Job{ID: "j", Payload: []byte("{")})
	if !queue.IsPermanent(err) {
		t.Errorf("undecodable payload err = %v, want permanent", err)
	}
}

func outgoing(t *testing.T, m session.OutgoingMessage) queue.Job {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: "out-1", Queue: queue.Outgoing, Type: session.JobOutgoingMessage, Payload: raw}
}

func TestOutgoingSends(t *testing.T) {
	f := newFixture(t)
	job := outgoing(t, session.OutgoingMessage{SessionID: "s1", To: "51999", Text: "hola", SenderName: "Ana"})

	if err := f.h.Outgoing(context.Background(), job); err != nil {
		t.Fatalf("Outgoing: %v", err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "s1|51999|*Ana*:\nhola" {
		t.Errorf("sent = %q", f.sender.sent)
	}
	if len(f.rec.Find(broadcast.SessionChannel("s1"), "message.sent")) != 1 {
		t.Error("message.sent was not broadcast")
	}
}

func TestOutgoingErrors(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		permanent bool
	}{
		{"not connected", apperr.Connection("session.Send", "session s1 is not connected"), false},
		{"bad recipient", apperr.Validation("protocol.ParseRecipient", "invalid recipient"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sender.err = tt.sendErr
			err := f.h.Outgoing(context.Background(), outgoing(t, session.OutgoingMessage{SessionID: "s1", To: "x", Text: "hola"}))
			if err == nil {
				t.Fatal("Outgoing succeeded")
			}
			if queue.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", queue.IsPermanent(err), tt.permanent)
			}
			if len(f.rec.Find(broadcast.SessionChannel("s1"), "message.sent")) != 0 {
				t.Error("message.sent broadcast for a failed send")
			}
		})
	}
}

func TestFormatOutgoing(t *testing.T) {
	if got := FormatOutgoing("", "hola"); got != "hola" {
		t.Errorf("no sender = %q", got)
	}
	if got := FormatOutgoing(" Ana ", "hola"); got != "*Ana*:\nhola" {
		t.Errorf("with sender = %q", got)
	}
}
