package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStatus is the persisted connection state of a Session.
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionConnecting   SessionStatus = "CONNECTING"
	SessionQRRequired   SessionStatus = "QR_REQUIRED"
	SessionConnected    SessionStatus = "CONNECTED"
	SessionError        SessionStatus = "ERROR"
)

// Session is a tenant-scoped messaging connection. Credential material lives
// in the key store tables, keyed by SessionID.
type Session struct {
	ID              uint          `gorm:"primaryKey" json:"-"`
	TenantID        string        `gorm:"index;not null" json:"tenantId"`
	SessionID       string        `gorm:"uniqueIndex;not null" json:"sessionId"`
	Status          SessionStatus `gorm:"index;not null;default:DISCONNECTED" json:"status"`
	PhoneNumber     *string       `json:"phoneNumber,omitempty"`
	LastConnectedAt *time.Time    `json:"lastConnectedAt,omitempty"`
	LastSyncAt      *time.Time    `json:"lastSyncAt,omitempty"`
	ErrorMessage    *string       `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TenantSettings is the free-form settings document of a tenant.
type TenantSettings struct {
	RootDomain string `json:"rootDomain,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// Tenant is administered elsewhere; this service only reads it.
type Tenant struct {
	ID           string                             `gorm:"primaryKey" json:"id"`
	Name         string                             `json:"name"`
	CustomDomain *string                            `json:"customDomain,omitempty"`
	Subdomain    *string                            `json:"subdomain,omitempty"`
	Settings     datatypes.JSONType[TenantSettings] `json:"settings"`
	CreatedAt    time.Time                          `gorm:"autoCreateTime" json:"createdAt"`
}

// Product is a catalog item a customer can pay for.
type Product struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	TenantID        string    `gorm:"index;not null" json:"tenantId"`
	Code            string    `json:"code"`
	Name            string    `gorm:"not null" json:"name"`
	AmountCents     int64     `gorm:"not null" json:"amountCents"`
	BaseAmountCents int64     `json:"baseAmountCents"`
	TaxAmountCents  int64     `json:"taxAmountCents"`
	Currency        string    `gorm:"size:3;not null;default:PEN" json:"currency"`
	Active          bool      `gorm:"index;not null" json:"active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// PaymentLinkStatus values; pending and processing links are reusable.
type PaymentLinkStatus string

const (
	LinkPending    PaymentLinkStatus = "pending"
	LinkProcessing PaymentLinkStatus = "processing"
	LinkCompleted  PaymentLinkStatus = "completed"
	LinkExpired    PaymentLinkStatus = "expired"
	LinkCancelled  PaymentLinkStatus = "cancelled"
)

// PaymentLink is a payable request identified by a random token.
// SessionID and CustomerEmail are stored as "" when absent so that the reuse
// lookup can compare them with plain equality.
type PaymentLink struct {
	ID              string            `gorm:"primaryKey" json:"id"`
	Token           string            `gorm:"uniqueIndex;not null" json:"token"`
	ProductID       string            `gorm:"index:idx_payment_link_reuse;not null" json:"productId"`
	TenantID        string            `gorm:"index:idx_payment_link_reuse;not null" json:"tenantId"`
	SessionID       string            `gorm:"index:idx_payment_link_reuse;not null;default:''" json:"sessionId,omitempty"`
	CustomerEmail   string            `gorm:"index:idx_payment_link_reuse;not null;default:''" json:"customerEmail,omitempty"`
	CustomerName    string            `json:"customerName"`
	AmountCents     int64             `gorm:"not null" json:"amountCents"`
	BaseAmountCents int64             `json:"baseAmountCents"`
	TaxAmountCents  int64             `json:"taxAmountCents"`
	Currency        string            `gorm:"size:3;not null" json:"currency"`
	Status          PaymentLinkStatus `gorm:"index;not null" json:"status"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"createdAt"`
}

func (l *PaymentLink) BeforeCreate(*gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// UserRole distinguishes supervisors from regular operators.
type UserRole string

const (
	RoleAdmin UserRole = "ADMIN"
	RoleAgent UserRole = "AGENT"
)

// User is an operator of a tenant. ADMIN users are supervisors.
type User struct {
	ID       string   `gorm:"primaryKey" json:"id"`
	TenantID string   `gorm:"index;not null" json:"tenantId"`
	Name     string   `json:"name"`
	Role     UserRole `gorm:"not null;default:AGENT" json:"role"`
}

// ContactSessionStatus is whether an operator is actively handling a contact.
type ContactSessionStatus string

const (
	ContactSessionOpen   ContactSessionStatus = "OPEN"
	ContactSessionClosed ContactSessionStatus = "CLOSED"
)

// Contact is a customer reachable over a session. UserID is the owning operator.
type Contact struct {
	ID              string               `gorm:"primaryKey" json:"id"`
	TenantID        string               `gorm:"uniqueIndex:idx_contact_tenant_phone;not null" json:"tenantId"`
	Phone           string               `gorm:"uniqueIndex:idx_contact_tenant_phone;not null" json:"phone"`
	Name            string               `json:"name"`
	UserID          *string              `gorm:"index" json:"userId,omitempty"`
	SessionStatus   ContactSessionStatus `gorm:"not null;default:CLOSED" json:"sessionStatus"`
	SessionOpenedAt *time.Time           `json:"sessionOpenedAt,omitempty"`
	SessionClosedAt *time.Time           `json:"sessionClosedAt,omitempty"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time            `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (c *Contact) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// LockedFor reports whether userID is blocked from acting on the contact.
func (c *Contact) LockedFor(userID string) bool {
	return c.SessionStatus == ContactSessionOpen && c.UserID != nil && *c.UserID != userID
}

// TransferStatus is the lifecycle of a TransferRequest; every value but PENDING is terminal.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferApproved  TransferStatus = "APPROVED"
	TransferDenied    TransferStatus = "DENIED"
	TransferCancelled TransferStatus = "CANCELLED"
)

// TransferRequest asks a supervisor to move a contact between operators.
type TransferRequest struct {
	ID              string         `gorm:"primaryKey" json:"id"`
	TenantID        string         `gorm:"index;not null" json:"tenantId"`
	ContactID       string         `gorm:"index;not null" json:"contactId"`
	FromUserID      string         `gorm:"not null" json:"fromUserId"`
	ToUserID        string         `gorm:"not null" json:"toUserId"`
	RequestedByID   string         `gorm:"not null" json:"requestedById"`
	Message         *string        `gorm:"type:text" json:"message,omitempty"`
	Status          TransferStatus `gorm:"index;not null;default:PENDING" json:"status"`
	SupervisorID    *string        `json:"supervisorId,omitempty"`
	SupervisorNotes *string        `gorm:"type:text" json:"supervisorNotes,omitempty"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (r *TransferRequest) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ConversationState stores the payment-flow context for one chat of a session.
// The Last* columns describe the latest inbound message processed on the
// chat so a redelivery re-sends its reply instead of stepping again.
type ConversationState struct {
	ID        uint           `gorm:"primaryKey"`
	SessionID string         `gorm:"uniqueIndex:idx_conversation_chat;not null"`
	ChatID    string         `gorm:"uniqueIndex:idx_conversation_chat;not null"`
	Context   datatypes.JSON `gorm:"not null"`

	LastMessageID   string
	LastReply       string
	LastHandled     bool
	LastShouldUseAI bool
	ReplyQueued     bool

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// ConversationSummary is written when a contact session is closed and the
// summary service answered.
type ConversationSummary struct {
	ID              uint                        `gorm:"primaryKey" json:"id"`
	ContactID       string                      `gorm:"index;not null" json:"contactId"`
	Summary         string                      `gorm:"type:text" json:"summary"`
	Topics          datatypes.JSONSlice[string] `json:"topics"`
	InteractionType string                      `json:"interactionType"`
	Sentiment       string                      `json:"sentiment"`
	CreatedAt       time.Time                   `gorm:"autoCreateTime" json:"createdAt"`
}

// All lists every model owned by the gorm migration.
func All() []interface{} {
	return []interface{}{
		&Session{},
		&Tenant{},
		&Product{},
		&PaymentLink{},
		&User{},
		&Contact{},
		&TransferRequest{},
		&ConversationState{},
		&ConversationSummary{},
	}
}
