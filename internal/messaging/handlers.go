// Package messaging holds the queue handlers for inbound and outbound chat
// messages.
package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/models"
	"zapdesk/internal/payflow"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
	"zapdesk/internal/session"
)

// FlowService runs one step of the payment dialogue.
type FlowService interface {
	Handle(ctx context.Context, req payflow.Request) (payflow.Response, error)
}

// Contacts finds contacts and opens their sessions.
type Contacts interface {
	EnsureContact(ctx context.Context, tenantID, phone, name string) (*models.Contact, error)
	OpenSession(ctx context.Context, contactID string) (*models.Contact, error)
}

// Sender delivers text over a live session.
type Sender interface {
	Send(ctx context.Context, sessionID, to, text string) (string, error)
}

const chatLockStripes = 64

// Handlers processes the incoming and outgoing queues.
type Handlers struct {
	flow     FlowService
	contacts Contacts
	states   *StateStore
	jobs     session.Enqueuer
	sender   Sender
	bc       broadcast.Broadcaster

	// Inbound ids fully handled by this process. The stored conversation is
	// the authority; this only short-circuits recent redeliveries.
	seen *cache.Cache
	// Chats hash onto a fixed set of locks; processing of one chat never interleaves.
	chatLocks [chatLockStripes]sync.Mutex
}

func NewHandlers(flow FlowService, contacts Contacts, states *StateStore, jobs session.Enqueuer, sender Sender, bc broadcast.Broadcaster) (*Handlers, error) {
	if flow == nil || contacts == nil || states == nil || jobs == nil || sender == nil || bc == nil {
		return nil, fmt.Errorf("messaging handlers: all dependencies are required")
	}
	return &Handlers{
		flow:     flow,
		contacts: contacts,
		states:   states,
		jobs:     jobs,
		sender:   sender,
		bc:       bc,
		seen:     cache.New(30*time.Minute, 10*time.Minute),
	}, nil
}

func (h *Handlers) chatLock(sessionID, chatID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(sessionID))
	f.Write([]byte{0})
	f.Write([]byte(chatID))
	return &h.chatLocks[f.Sum32()%chatLockStripes]
}

// MessageReceived is broadcast for every inbound message.
type MessageReceived struct {
	Message     protocol.InboundMessage `json:"message"`
	ContactID   string                  `json:"contactId"`
	Handled     bool                    `json:"handled"`
	ShouldUseAI bool                    `json:"shouldUseAI"`
	Reply       string                  `json:"reply,omitempty"`
}

// Incoming handles one inbound message job.
func (h *Handlers) Incoming(ctx context.Context, job queue.Job) error {
	var msg protocol.InboundMessage
	if err := job.Decode(&msg); err != nil {
		return queue.Permanent(fmt.Errorf("decode inbound message: %w", err))
	}
	if msg.SessionID == "" || msg.Chat == "" || msg.TenantID == "" {
		return queue.Permanent(fmt.Errorf("inbound message %s lacks session, chat or tenant", msg.ID))
	}
	if msg.ID != "" {
		if _, dup := h.seen.Get(msg.ID); dup {
			log.Debug().Str("messageId", msg.ID).Msg("Duplicate inbound message skipped")
			return nil
		}
	}

	phone := msg.From
	if phone == "" {
		phone = strings.SplitN(msg.Chat, "@", 2)[0]
	}
	contact, err := h.contacts.EnsureContact(ctx, msg.TenantID, phone, msg.PushName)
	if err != nil {
		return err
	}
	if contact.SessionStatus != models.ContactSessionOpen {
		if contact, err = h.contacts.OpenSession(ctx, contact.ID); err != nil {
			return err
		}
	}

	conv, fresh, err := h.process(ctx, msg)
	if err != nil {
		return err
	}
	if msg.ID != "" {
		h.seen.SetDefault(msg.ID, struct{}{})
	}
	if !fresh {
		log.Debug().Str("messageId", msg.ID).Msg("Redelivered inbound message already answered")
		return nil
	}

	h.bc.Broadcast(ctx, broadcast.TenantChannel(msg.TenantID), "message.received", MessageReceived{
		Message:     msg,
		ContactID:   contact.ID,
		Handled:     conv.LastHandled,
		ShouldUseAI: conv.LastShouldUseAI,
		Reply:       conv.LastReply,
	})
	log.Info().
		Str("sessionId", msg.SessionID).
		Str("messageId", msg.ID).
		Str("contactId", contact.ID).
		Bool("handled", conv.LastHandled).
		Bool("shouldUseAI", conv.LastShouldUseAI).
		Msg("Inbound message processed")
	return nil
}

// process steps the dialogue for msg and queues its reply, holding the chat
// lock throughout. The outcome is recorded before the reply is queued; a
// redelivery of the same message queues the recorded reply if that had not
// happened yet and otherwise does nothing. fresh is false when the message
// had already been fully handled.
func (h *Handlers) process(ctx context.Context, msg protocol.InboundMessage) (conv Conversation, fresh bool, err error) {
	mu := h.chatLock(msg.SessionID, msg.Chat)
	mu.Lock()
	defer mu.Unlock()

	conv, err = h.states.Get(ctx, msg.SessionID, msg.Chat)
	if err != nil {
		return Conversation{}, false, err
	}

	if conv.Processed(msg.ID) {
		if conv.ReplyQueued {
			return conv, false, nil
		}
		log.Info().Str("messageId", msg.ID).Msg("Re-sending recorded reply for redelivered message")
	} else {
		resp, err := h.flow.Handle(ctx, payflow.Request{
			Message:   msg.Text,
			SessionID: msg.SessionID,
			TenantID:  msg.TenantID,
			Context:   conv.Context,
		})
		if err != nil {
			return Conversation{}, false, err
		}
		if resp.UpdatedPaymentContext != nil {
			conv.Context = resp.UpdatedPaymentContext
		}
		conv.LastMessageID = msg.ID
		conv.LastReply = resp.Response
		conv.LastHandled = resp.Handled
		conv.LastShouldUseAI = resp.ShouldUseAI
		conv.ReplyQueued = resp.Response == ""
		if err := h.states.Record(ctx, msg.SessionID, msg.Chat, conv); err != nil {
			return Conversation{}, false, err
		}
	}

	if conv.ReplyQueued {
		return conv, true, nil
	}
	_, err = h.jobs.Enqueue(ctx, queue.Outgoing, session.JobOutgoingMessage, session.OutgoingMessage{
		SessionID: msg.SessionID,
		To:        msg.Chat,
		Text:      conv.LastReply,
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("enqueue reply to %s: %w", msg.Chat, err)
	}
	conv.ReplyQueued = true
	if msg.ID != "" {
		if err := h.states.MarkReplyQueued(ctx, msg.SessionID, msg.Chat, msg.ID); err != nil {
			// The reply is queued; a redelivery may queue it once more.
			log.Error().Err(err).Str("messageId", msg.ID).Msg("Could not record queued reply")
		}
	}
	return conv, true, nil
}

// FormatOutgoing prefixes text with the operator name, when there is one.
func FormatOutgoing(senderName, text string) string {
	senderName = strings.TrimSpace(senderName)
	if senderName == "" {
		return text
	}
	return "*" + senderName + "*:\n" + text
}

// Outgoing handles one send job. A session that is not connected fails the
// job so the dispatcher retries it.
func (h *Handlers) Outgoing(ctx context.Context, job queue.Job) error {
	var out session.OutgoingMessage
	if err := job.Decode(&out); err != nil {
		return queue.Permanent(fmt.Errorf("decode outgoing message: %w", err))
	}
	if out.SessionID == "" || out.To == "" || out.Text == "" {
		return queue.Permanent(fmt.Errorf("outgoing job %s lacks session, recipient or text", job.ID))
	}

	id, err := h.sender.Send(ctx, out.SessionID, out.To, FormatOutgoing(out.SenderName, out.Text))
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return queue.Permanent(err)
		}
		return err
	}

	h.bc.Broadcast(ctx, broadcast.SessionChannel(out.SessionID), "message.sent", map[string]interface{}{
		"sessionId": out.SessionID,
		"to":        out.To,
		"messageId": id,
		"jobId":     job.ID,
		"attempt":   job.Attempt,
	})
	log.Info().Str("sessionId", out.SessionID).Str("messageId", id).Str("jobId", job.ID).Msg("Outgoing message sent")
	return nil
}
