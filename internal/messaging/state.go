package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"zapdesk/internal/models"
	"zapdesk/internal/payflow"
)

// StateStore persists the payment-flow context of each chat together with
// the outcome of the last inbound message processed on it.
type StateStore struct {
	db *gorm.DB
}

func NewStateStore(db *gorm.DB) (*StateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("state store requires a database")
	}
	return &StateStore{db: db}, nil
}

// Conversation is the stored state of one chat.
type Conversation struct {
	// Context is nil when the chat has no dialogue in progress.
	Context *payflow.Context

	LastMessageID   string
	LastReply       string
	LastHandled     bool
	LastShouldUseAI bool
	// ReplyQueued is set once LastReply has been handed to the outgoing queue.
	ReplyQueued bool
}

// Processed reports whether messageID is the message already recorded.
func (c Conversation) Processed(messageID string) bool {
	return messageID != "" && c.LastMessageID == messageID
}

// Get returns the stored conversation. A chat without a row yields the zero value.
func (s *StateStore) Get(ctx context.Context, sessionID, chatID string) (Conversation, error) {
	var row models.ConversationState
	err := s.db.WithContext(ctx).Where("session_id = ? AND chat_id = ?", sessionID, chatID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, nil
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation state %s/%s: %w", sessionID, chatID, err)
	}
	return Conversation{
		Context:         decodeContext(row.Context),
		LastMessageID:   row.LastMessageID,
		LastReply:       row.LastReply,
		LastHandled:     row.LastHandled,
		LastShouldUseAI: row.LastShouldUseAI,
		ReplyQueued:     row.ReplyQueued,
	}, nil
}

func decodeContext(raw datatypes.JSON) *payflow.Context {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var c payflow.Context
	if err := json.Unmarshal(raw, &c); err != nil {
		// A corrupt context restarts the dialogue.
		return nil
	}
	return &c
}

// Load returns the stored context, or nil when the chat has none.
func (s *StateStore) Load(ctx context.Context, sessionID, chatID string) (*payflow.Context, error) {
	conv, err := s.Get(ctx, sessionID, chatID)
	if err != nil {
		return nil, err
	}
	return conv.Context, nil
}

// Record upserts the whole conversation row.
func (s *StateStore) Record(ctx context.Context, sessionID, chatID string, conv Conversation) error {
	raw, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	row := models.ConversationState{
		SessionID:       sessionID,
		ChatID:          chatID,
		Context:         datatypes.JSON(raw),
		LastMessageID:   conv.LastMessageID,
		LastReply:       conv.LastReply,
		LastHandled:     conv.LastHandled,
		LastShouldUseAI: conv.LastShouldUseAI,
		ReplyQueued:     conv.ReplyQueued,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"context", "last_message_id", "last_reply", "last_handled",
			"last_should_use_ai", "reply_queued", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save conversation state %s/%s: %w", sessionID, chatID, err)
	}
	return nil
}

// MarkReplyQueued flags the reply of messageID as handed to the outgoing queue.
func (s *StateStore) MarkReplyQueued(ctx context.Context, sessionID, chatID, messageID string) error {
	err := s.db.WithContext(ctx).Model(&models.ConversationState{}).
		Where("session_id = ? AND chat_id = ? AND last_message_id = ?", sessionID, chatID, messageID).
		Update("reply_queued", true).Error
	if err != nil {
		return fmt.Errorf("mark reply queued %s/%s: %w", sessionID, chatID, err)
	}
	return nil
}
