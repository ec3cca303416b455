package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationKind is the closed set of emails the workflow sends
type NotificationKind string

// NotificationKind constants
const (
	NotificationApprovalRequested    NotificationKind = "approval_requested"
	NotificationFirstApprovalGranted NotificationKind = "first_approval_granted"
	NotificationFinalApprovalGranted NotificationKind = "final_approval_granted"
	NotificationRejected             NotificationKind = "rejected"
)

// NotificationOutbox is a rendered email waiting for delivery
type NotificationOutbox struct {
	ID                uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	ItemID            uuid.UUID        `gorm:"type:uuid;not null;index" json:"itemId"`
	Kind              NotificationKind `gorm:"type:varchar(40);not null" json:"kind"`
	RecipientEmail    string           `gorm:"type:varchar(255);not null" json:"recipientEmail"`
	RecipientName     string           `gorm:"type:varchar(255)" json:"recipientName,omitempty"`
	Subject           string           `gorm:"type:varchar(255);not null" json:"subject"`
	HTML              string           `gorm:"type:text;not null" json:"-"`
	Status            string           `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts          int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt     time.Time        `gorm:"not null;index" json:"nextAttemptAt"`
	LeaseUntil        *time.Time       `json:"leaseUntil,omitempty"`
	LastError         string           `gorm:"type:text" json:"lastError,omitempty"`
	ProviderMessageID string           `gorm:"type:varchar(255)" json:"providerMessageId,omitempty"`
	SentAt            *time.Time       `json:"sentAt,omitempty"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for NotificationOutbox
func (NotificationOutbox) TableName() string {
	return "notification_outbox"
}

// BeforeCreate assigns an ID when the caller did not
func (n *NotificationOutbox) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// Outbox status constants
const (
	OutboxPending = "pending"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)
