package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/db"
	"zapdesk/internal/models"
)

// EnsureContact returns the contact of tenantID with phone, creating it when absent.
func (c *Coordinator) EnsureContact(ctx context.Context, tenantID, phone, name string) (*models.Contact, error) {
	const op = "transfer.EnsureContact"
	phone = strings.TrimSpace(phone)
	if tenantID == "" || phone == "" {
		return nil, apperr.Validation(op, "tenant and phone are required")
	}

	find := func() (*models.Contact, error) {
		var contact models.Contact
		err := c.db.WithContext(ctx).Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&contact).Error
		if err != nil {
			return nil, err
		}
		return &contact, nil
	}

	contact, err := find()
	if err == nil {
		return contact, nil
	}
	if !db.IsNotFound(err) {
		return nil, fmt.Errorf("load contact %s: %w", phone, err)
	}

	contact = &models.Contact{TenantID: tenantID, Phone: phone, Name: name, SessionStatus: models.ContactSessionClosed}
	if err := c.db.WithContext(ctx).Create(contact).Error; err != nil {
		// Another worker created it first.
		if db.IsUniqueViolation(err) {
			return find()
		}
		return nil, fmt.Errorf("create contact %s: %w", phone, err)
	}
	log.Info().Str("contactId", contact.ID).Str("tenantId", tenantID).Msg("Contact created")
	return contact, nil
}

// OpenSession marks the contact's conversation as active. Opening an open
// session is a no-op.
func (c *Coordinator) OpenSession(ctx context.Context, contactID string) (*models.Contact, error) {
	const op = "transfer.OpenSession"
	now := c.now().UTC()
	res := c.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND session_status <> ?", contactID, models.ContactSessionOpen).
		Updates(map[string]interface{}{
			"session_status":    models.ContactSessionOpen,
			"session_opened_at": now,
			"session_closed_at": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("open session of contact %s: %w", contactID, res.Error)
	}

	contact, err := c.loadContact(c.db.WithContext(ctx), op, contactID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 {
		log.Info().Str("contactId", contactID).Msg("Contact session opened")
		c.bc.Broadcast(ctx, broadcast.TenantChannel(contact.TenantID), "contact.session_opened", contact)
	}
	return contact, nil
}

// CloseSession ends the contact's conversation. When a transcript is given
// and the summary service answers, the summary is stored and returned.
func (c *Coordinator) CloseSession(ctx context.Context, contactID, transcript string) (*models.ConversationSummary, error) {
	const op = "transfer.CloseSession"
	contact, err := c.loadContact(c.db.WithContext(ctx), op, contactID)
	if err != nil {
		return nil, err
	}
	if contact.SessionStatus != models.ContactSessionOpen {
		return nil, apperr.Conflict(op, "contact %s has no open session", contactID)
	}

	now := c.now().UTC()
	err = c.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", contactID).
		Updates(map[string]interface{}{
			"session_status":    models.ContactSessionClosed,
			"session_closed_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("close session of contact %s: %w", contactID, err)
	}
	log.Info().Str("contactId", contactID).Msg("Contact session closed")
	c.bc.Broadcast(ctx, broadcast.TenantChannel(contact.TenantID), "contact.session_closed", map[string]string{"contactId": contactID})

	if c.summarizer == nil || strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	s, err := c.summarizer.Summarize(ctx, transcript)
	if err != nil || s == nil {
		if err != nil {
			log.Warn().Err(err).Str("contactId", contactID).Msg("Conversation summary unavailable")
		}
		return nil, nil
	}

	row := &models.ConversationSummary{
		ContactID:       contactID,
		Summary:         s.Summary,
		Topics:          s.Topics,
		InteractionType: s.InteractionType,
		Sentiment:       s.Sentiment,
	}
	if err := c.db.WithContext(ctx).Create(row).Error; err != nil {
		log.Error().Err(err).Str("contactId", contactID).Msg("Could not store conversation summary")
		return nil, nil
	}
	return row, nil
}

// ClaimContact makes userID the owner of an unowned contact. Claiming a
// contact the user already owns returns it unchanged; one owned by someone
// else is a conflict and has to go through a transfer request.
func (c *Coordinator) ClaimContact(ctx context.Context, contactID, userID string) (*models.Contact, error) {
	const op = "transfer.ClaimContact"
	if contactID == "" || userID == "" {
		return nil, apperr.Validation(op, "contact and user are required")
	}

	contact, err := c.loadContact(c.db.WithContext(ctx), op, contactID)
	if err != nil {
		return nil, err
	}
	u, err := c.tenantUser(ctx, contact.TenantID, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.Forbidden(op, "user %s does not belong to tenant %s", userID, contact.TenantID)
	}

	res := c.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND user_id IS NULL", contactID).
		Update("user_id", userID)
	if res.Error != nil {
		return nil, fmt.Errorf("claim contact %s: %w", contactID, res.Error)
	}

	contact, err = c.loadContact(c.db.WithContext(ctx), op, contactID)
	if err != nil {
		return nil, err
	}
	if contact.UserID == nil || *contact.UserID != userID {
		return nil, apperr.Conflict(op, "contact %s is owned by another user", contactID)
	}
	if res.RowsAffected > 0 {
		log.Info().Str("contactId", contactID).Str("userId", userID).Msg("Contact claimed")
		c.bc.Broadcast(ctx, broadcast.TenantChannel(contact.TenantID), "contact.claimed", contact)
	}
	return contact, nil
}
