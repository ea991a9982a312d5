package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

// TombstonePrefix marks a session id that must never reconnect.
const TombstonePrefix = "deleted-"

// IsTombstoned reports whether sessionID is a tombstoned id.
func IsTombstoned(sessionID string) bool {
	return strings.HasPrefix(sessionID, TombstonePrefix)
}

// Update is a partial status write. Nil fields are left untouched.
type Update struct {
	Status          *models.SessionStatus
	PhoneNumber     *string
	LastConnectedAt *time.Time
	LastSyncAt      *time.Time
	ErrorMessage    *string
	ClearError      bool
	// OnlyIfActive skips the write when the row is DISCONNECTED, so a late
	// worker report never revives a session an operator disconnected.
	OnlyIfActive bool
}

// StatusUpdate is a shorthand for an Update that only sets the status.
func StatusUpdate(status models.SessionStatus) Update {
	return Update{Status: &status}
}

// Store persists Session rows. Apply is the only method that changes status
// after creation.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("session store requires a database")
	}
	return &Store{db: db}, nil
}

// Get loads a session by its session id.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("session.Get", "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Ensure returns the session, creating it DISCONNECTED when absent.
func (s *Store) Ensure(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	sess := models.Session{SessionID: sessionID, TenantID: tenantID, Status: models.SessionDisconnected}
	err := s.db.WithContext(ctx).
		Where(models.Session{SessionID: sessionID}).
		Attrs(models.Session{TenantID: tenantID, Status: models.SessionDisconnected}).
		FirstOrCreate(&sess).Error
	if err != nil {
		return nil, fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	if sess.TenantID != tenantID {
		return nil, apperr.Conflict("session.Ensure", "session %s belongs to another tenant", sessionID)
	}
	return &sess, nil
}

// Apply writes u to the session row. It returns false when no row matched,
// either because the session is gone or because OnlyIfActive filtered it out.
func (s *Store) Apply(ctx context.Context, sessionID string, u Update) (bool, error) {
	fields := map[string]interface{}{}
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.PhoneNumber != nil {
		fields["phone_number"] = *u.PhoneNumber
	}
	if u.LastConnectedAt != nil {
		fields["last_connected_at"] = *u.LastConnectedAt
	}
	if u.LastSyncAt != nil {
		fields["last_sync_at"] = *u.LastSyncAt
	}
	if u.ClearError {
		fields["error_message"] = nil
	} else if u.ErrorMessage != nil {
		fields["error_message"] = *u.ErrorMessage
	}
	if len(fields) == 0 {
		return true, nil
	}

	q := s.db.WithContext(ctx).Model(&models.Session{}).Where("session_id = ?", sessionID)
	if u.OnlyIfActive {
		q = q.Where("status <> ?", models.SessionDisconnected)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("update session %s: %w", sessionID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListByStatus returns every session in status.
func (s *Store) ListByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	var out []models.Session
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	return out, nil
}

// Tombstone renames the session id so it can never be dialed again and marks
// it DISCONNECTED. It returns the new id.
func (s *Store) Tombstone(ctx context.Context, sessionID string, now time.Time) (string, error) {
	newID := fmt.Sprintf("%s%d-%s", TombstonePrefix, now.Unix(), sessionID)
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"session_id": newID,
			"status":     models.SessionDisconnected,
		})
	if res.Error != nil {
		return "", fmt.Errorf("tombstone session %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", apperr.NotFound("session.Tombstone", "session %s not found", sessionID)
	}
	return newID, nil
}
