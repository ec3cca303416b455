package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalToken is the server-side record of an issued action token.
// It carries no chain position; the item owns that.
type ApprovalToken struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ApprovalItemID uuid.UUID  `gorm:"type:uuid;not null;index" json:"approvalItemId"`
	ApproverID     string     `gorm:"type:varchar(255);not null;index" json:"approverId"`
	Action         Action     `gorm:"type:varchar(20);not null" json:"action"`
	IssuedAt       time.Time  `gorm:"not null" json:"issuedAt"`
	ExpiresAt      time.Time  `gorm:"not null;index" json:"expiresAt"`
	UsedAt         *time.Time `json:"usedAt,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ApprovalToken
func (ApprovalToken) TableName() string {
	return "approval_tokens"
}

// IsUsed reports whether the token has been consumed
func (t *ApprovalToken) IsUsed() bool {
	return t.UsedAt != nil
}
