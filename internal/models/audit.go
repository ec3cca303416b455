package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalAuditLog represents an audit trail entry
type ApprovalAuditLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ItemID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"itemId"`
	EventType string         `gorm:"type:varchar(50);not null;index" json:"eventType"`
	ActorID   string         `gorm:"type:varchar(255)" json:"actorId,omitempty"`
	Channel   string         `gorm:"type:varchar(20)" json:"channel,omitempty"`
	StepIndex int            `gorm:"default:0" json:"stepIndex"`
	Reason    string         `gorm:"type:text" json:"reason,omitempty"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ApprovalAuditLog
func (ApprovalAuditLog) TableName() string {
	return "approval_audit_log"
}

// BeforeCreate assigns an ID when the caller did not
func (l *ApprovalAuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// AuditEventType constants
const (
	AuditEventCreated  = "created"
	AuditEventAdvanced = "advanced"
	AuditEventApproved = "approved"
	AuditEventRejected = "rejected"
)

// Channel constants
const (
	ChannelEmailLink = "email_link"
	ChannelInApp     = "in_app"
)
