// Package transfer coordinates who owns a customer conversation: contact
// sessions, ownership locks and supervisor-approved transfer requests.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapdesk/internal/apperr"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/db"
	"zapdesk/internal/models"
	"zapdesk/internal/summary"
)

// Summarizer condenses a conversation transcript. It may return nil, nil.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (*summary.Summary, error)
}

// ContactStatus is the view of a contact's ownership for one user.
type ContactStatus struct {
	Locked         bool                    `json:"locked"`
	OwnerID        *string                 `json:"ownerId"`
	PendingRequest *models.TransferRequest `json:"pendingRequest,omitempty"`
	RequestedByMe  bool                    `json:"requestedByMe"`
}

// Coordinator implements the transfer workflow.
type Coordinator struct {
	db         *gorm.DB
	bc         broadcast.Broadcaster
	summarizer Summarizer
	now        func() time.Time
}

// NewCoordinator builds a Coordinator. summarizer may be nil.
func NewCoordinator(gdb *gorm.DB, bc broadcast.Broadcaster, summarizer Summarizer) (*Coordinator, error) {
	if gdb == nil || bc == nil {
		return nil, fmt.Errorf("transfer coordinator: database and broadcaster are required")
	}
	return &Coordinator{db: gdb, bc: bc, summarizer: summarizer, now: time.Now}, nil
}

func (c *Coordinator) loadContact(tx *gorm.DB, op, contactID string) (*models.Contact, error) {
	var contact models.Contact
	err := tx.Where("id = ?", contactID).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "contact %s not found", contactID)
	}
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", contactID, err)
	}
	return &contact, nil
}

func (c *Coordinator) loadRequest(ctx context.Context, op, requestID string) (*models.TransferRequest, error) {
	var req models.TransferRequest
	err := c.db.WithContext(ctx).Where("id = ?", requestID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "transfer request %s not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer request %s: %w", requestID, err)
	}
	if req.Status != models.TransferPending {
		return nil, apperr.Conflict(op, "transfer request %s is already %s", requestID, req.Status)
	}
	return &req, nil
}

func pending(tx *gorm.DB, contactID string) (*models.TransferRequest, error) {
	var req models.TransferRequest
	err := tx.Where("contact_id = ? AND status = ?", contactID, models.TransferPending).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up pending transfer for %s: %w", contactID, err)
	}
	return &req, nil
}

func (c *Coordinator) tenantUser(ctx context.Context, tenantID, userID string) (*models.User, error) {
	var u models.User
	err := c.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", userID, tenantID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return &u, nil
}

// supervisor returns the user when it is an ADMIN of tenantID, Forbidden otherwise.
func (c *Coordinator) supervisor(ctx context.Context, op, tenantID, userID string) (*models.User, error) {
	u, err := c.tenantUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Role != models.RoleAdmin {
		return nil, apperr.Forbidden(op, "user %s is not a supervisor of tenant %s", userID, tenantID)
	}
	return u, nil
}

// CreateRequest asks the supervisors to move contactID to toUserID.
func (c *Coordinator) CreateRequest(ctx context.Context, requesterID, contactID, toUserID string, message *string) (*models.TransferRequest, error) {
	const op = "transfer.CreateRequest"
	if requesterID == "" || contactID == "" || toUserID == "" {
		return nil, apperr.Validation(op, "requester, contact and target user are required")
	}
	if message != nil {
		trimmed := strings.TrimSpace(*message)
		message = &trimmed
		if trimmed == "" {
			message = nil
		}
	}

	var req *models.TransferRequest
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contact, err := c.loadContact(tx, op, contactID)
		if err != nil {
			return err
		}
		switch {
		case contact.SessionStatus != models.ContactSessionOpen:
			return apperr.Conflict(op, "contact %s has no open session", contactID)
		case contact.UserID == nil:
			return apperr.Conflict(op, "contact %s has no owner to transfer from", contactID)
		case *contact.UserID == toUserID:
			return apperr.Conflict(op, "user %s already owns contact %s", toUserID, contactID)
		}

		var n int64
		if err := tx.Model(&models.User{}).Where("id = ? AND tenant_id = ?", requesterID, contact.TenantID).Count(&n).Error; err != nil {
			return fmt.Errorf("load user %s: %w", requesterID, err)
		}
		if n == 0 {
			return apperr.Forbidden(op, "user %s does not belong to tenant %s", requesterID, contact.TenantID)
		}

		var target models.User
		if err := tx.Where("id = ? AND tenant_id = ?", toUserID, contact.TenantID).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "user %s not found in tenant %s", toUserID, contact.TenantID)
			}
			return fmt.Errorf("load user %s: %w", toUserID, err)
		}

		existing, err := pending(tx, contactID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict(op, "contact %s already has a pending transfer request %s", contactID, existing.ID)
		}

		req = &models.TransferRequest{
			TenantID:      contact.TenantID,
			ContactID:     contactID,
			FromUserID:    *contact.UserID,
			ToUserID:      toUserID,
			RequestedByID: requesterID,
			Message:       message,
			Status:        models.TransferPending,
		}
		if err := tx.Create(req).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict(op, "contact %s already has a pending transfer request", contactID)
			}
			return fmt.Errorf("create transfer request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("requestId", req.ID).
		Str("contactId", contactID).
		Str("fromUserId", req.FromUserID).
		Str("toUserId", toUserID).
		Msg("Transfer requested")
	c.notifySupervisors(ctx, req.TenantID, "transfer.requested", req)
	return req, nil
}

// Approve moves the contact to the requested user in one transaction.
func (c *Coordinator) Approve(ctx context.Context, requestID, supervisorID string, notes *string) (*models.TransferRequest, error) {
	const op = "transfer.Approve"
	req, err := c.resolve(ctx, op, requestID, supervisorID, notes, models.TransferApproved)
	if err != nil {
		return nil, err
	}
	c.notifyUsers(ctx, "transfer.approved", req, req.RequestedByID, req.FromUserID)
	return req, nil
}

// Deny rejects a pending request.
func (c *Coordinator) Deny(ctx context.Context, requestID, supervisorID string, notes *string) (*models.TransferRequest, error) {
	const op = "transfer.Deny"
	req, err := c.resolve(ctx, op, requestID, supervisorID, notes, models.TransferDenied)
	if err != nil {
		return nil, err
	}
	c.notifyUsers(ctx, "transfer.denied", req, req.RequestedByID)
	return req, nil
}

func (c *Coordinator) resolve(ctx context.Context, op, requestID, supervisorID string, notes *string, status models.TransferStatus) (*models.TransferRequest, error) {
	req, err := c.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := c.supervisor(ctx, op, req.TenantID, supervisorID); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TransferRequest{}).
			Where("id = ? AND status = ?", requestID, models.TransferPending).
			Updates(map[string]interface{}{
				"status":           status,
				"supervisor_id":    supervisorID,
				"supervisor_notes": notes,
				"resolved_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("update transfer request %s: %w", requestID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict(op, "transfer request %s was resolved concurrently", requestID)
		}
		if status != models.TransferApproved {
			return nil
		}
		res = tx.Model(&models.Contact{}).Where("id = ?", req.ContactID).Update("user_id", req.ToUserID)
		if res.Error != nil {
			return fmt.Errorf("reassign contact %s: %w", req.ContactID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(op, "contact %s not found", req.ContactID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.Status = status
	req.SupervisorID = &supervisorID
	req.SupervisorNotes = notes
	req.ResolvedAt = &now
	log.Info().
		Str("requestId", requestID).
		Str("supervisorId", supervisorID).
		Str("status", string(status)).
		Msg("Transfer request resolved")
	return req, nil
}

// Cancel withdraws a pending request. Only its requester may cancel it.
func (c *Coordinator) Cancel(ctx context.Context, requestID, userID string) (*models.TransferRequest, error) {
	const op = "transfer.Cancel"
	req, err := c.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestedByID != userID {
		return nil, apperr.Forbidden(op, "only the requester can cancel transfer request %s", requestID)
	}

	now := c.now().UTC()
	res := c.db.WithContext(ctx).Model(&models.TransferRequest{}).
		Where("id = ? AND status = ?", requestID, models.TransferPending).
		Updates(map[string]interface{}{"status": models.TransferCancelled, "resolved_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("cancel transfer request %s: %w", requestID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict(op, "transfer request %s was resolved concurrently", requestID)
	}
	req.Status = models.TransferCancelled
	req.ResolvedAt = &now

	log.Info().Str("requestId", requestID).Str("userId", userID).Msg("Transfer request cancelled")
	c.notifySupervisors(ctx, req.TenantID, "transfer.cancelled", req)
	return req, nil
}

// PendingForTenant lists the tenant's pending requests, oldest first.
func (c *Coordinator) PendingForTenant(ctx context.Context, tenantID string) ([]models.TransferRequest, error) {
	var out []models.TransferRequest
	err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.TransferPending).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list pending transfers for %s: %w", tenantID, err)
	}
	return out, nil
}

// ContactStatus reports the lock and pending request of contactID as seen by userID.
func (c *Coordinator) ContactStatus(ctx context.Context, contactID, userID string) (*ContactStatus, error) {
	tx := c.db.WithContext(ctx)
	contact, err := c.loadContact(tx, "transfer.ContactStatus", contactID)
	if err != nil {
		return nil, err
	}
	req, err := pending(tx, contactID)
	if err != nil {
		return nil, err
	}
	return &ContactStatus{
		Locked:         contact.LockedFor(userID),
		OwnerID:        contact.UserID,
		PendingRequest: req,
		RequestedByMe:  req != nil && req.RequestedByID == userID,
	}, nil
}

// IsContactLockedForUser reports whether userID is locked out of contactID.
func (c *Coordinator) IsContactLockedForUser(ctx context.Context, contactID, userID string) (bool, error) {
	contact, err := c.loadContact(c.db.WithContext(ctx), "transfer.IsContactLockedForUser", contactID)
	if err != nil {
		return false, err
	}
	return contact.LockedFor(userID), nil
}

func (c *Coordinator) notifySupervisors(ctx context.Context, tenantID, event string, req *models.TransferRequest) {
	var admins []models.User
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND role = ?", tenantID, models.RoleAdmin).Find(&admins).Error
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("Could not load supervisors for notification")
		return
	}
	if len(admins) == 0 {
		log.Warn().Str("tenantId", tenantID).Str("event", event).Msg("Tenant has no supervisors to notify")
	}
	for _, a := range admins {
		c.bc.Broadcast(ctx, broadcast.UserChannel(a.ID), event, req)
	}
}

func (c *Coordinator) notifyUsers(ctx context.Context, event string, req *models.TransferRequest, userIDs ...string) {
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.bc.Broadcast(ctx, broadcast.UserChannel(id), event, req)
	}
}
