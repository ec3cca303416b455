package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalItem is one submitted timesheet period moving through its approval chain
type ApprovalItem struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Subject   SubjectRef `gorm:"embedded;embeddedPrefix:subject_" json:"subject"`
	Submitter Party      `gorm:"embedded;embeddedPrefix:submitter_" json:"submitter"`
	Status    string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Version   int        `gorm:"not null;default:1" json:"version"` // Optimistic locking

	// Approval chain (fixed at creation, never reordered)
	ApprovalChain     datatypes.JSONSlice[ApprovalChainEntry] `gorm:"not null" json:"approvalChain"`
	CurrentStepIndex  int                                     `gorm:"not null" json:"currentStepIndex"` // 1-based
	CurrentApproverID string                                  `gorm:"type:varchar(255);index" json:"currentApproverId,omitempty"`

	RejectionReason string `gorm:"type:text" json:"rejectionReason,omitempty"`

	// Timing
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
}

// TableName returns the table name for ApprovalItem
func (ApprovalItem) TableName() string {
	return "approval_items"
}

// BeforeCreate assigns an ID when the caller did not
func (i *ApprovalItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// SubjectRef points at the timesheet period being approved
type SubjectRef struct {
	TimesheetPeriodID string    `gorm:"type:varchar(255);not null;index" json:"timesheetPeriodId"`
	ProjectName       string    `gorm:"type:varchar(255)" json:"projectName,omitempty"`
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	Hours             float64   `gorm:"not null;default:0" json:"hours"`
	Amount            *float64  `json:"amount"` // nil when masked for the viewer
}

// PeriodLabel renders the period as shown in emails and landing pages
func (s SubjectRef) PeriodLabel() string {
	if s.PeriodStart.IsZero() {
		return ""
	}
	if s.PeriodEnd.IsZero() || s.PeriodEnd.Equal(s.PeriodStart) {
		return s.PeriodStart.Format("Jan 2, 2006")
	}
	return s.PeriodStart.Format("Jan 2") + " to " + s.PeriodEnd.Format("Jan 2, 2006")
}

// Party identifies a person taking part in an approval
type Party struct {
	ID    string `gorm:"type:varchar(255);not null;index" json:"id"`
	Name  string `gorm:"type:varchar(255)" json:"name"`
	Email string `gorm:"type:varchar(255)" json:"email"`
}

// ApprovalChainEntry is one approver position in a chain
type ApprovalChainEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	HideAmount bool   `json:"hideAmount,omitempty"`
}

// Status constants
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Action is what a token or an in-app caller asks for
type Action string

// Action constants
const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionView    Action = "view"
)

// ParseAction parses a wire action, reporting false for unknown values
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionApprove, ActionReject, ActionView:
		return Action(s), true
	}
	return "", false
}

// Mutates reports whether the action changes chain state
func (a Action) Mutates() bool {
	return a == ActionApprove || a == ActionReject
}

// Transition is the kind of state change an action produced
type Transition string

// Transition constants. Submitted is the creation of an item, not a step.
const (
	TransitionSubmitted Transition = "submitted"
	TransitionAdvanced  Transition = "advanced"
	TransitionApproved  Transition = "approved"
	TransitionRejected  Transition = "rejected"
)

// Outcome is the result of one successful transition, as handed to the
// notification and event layers.
type Outcome struct {
	Transition Transition    `json:"outcome"`
	Item       *ApprovalItem `json:"item"`
	ActedStep  int           `json:"actedStep"`
	ActorID    string        `json:"actorId"`
	Channel    string        `json:"channel"`
	Reason     string        `json:"reason,omitempty"`
}

// ActedBy returns the chain entry whose action produced the outcome
func (o *Outcome) ActedBy() (ApprovalChainEntry, bool) {
	if o.Item == nil {
		return ApprovalChainEntry{}, false
	}
	return o.Item.ApproverAt(o.ActedStep)
}

// IsTerminal returns true if the status is a terminal state
func (i *ApprovalItem) IsTerminal() bool {
	return i.Status == StatusApproved || i.Status == StatusRejected
}

// StepCount returns the chain length
func (i *ApprovalItem) StepCount() int {
	return len(i.ApprovalChain)
}

// CurrentApprover returns the entry at the current step while pending
func (i *ApprovalItem) CurrentApprover() (ApprovalChainEntry, bool) {
	return i.ApproverAt(i.CurrentStepIndex)
}

// ApproverAt returns the chain entry at a 1-based step
func (i *ApprovalItem) ApproverAt(step int) (ApprovalChainEntry, bool) {
	if step < 1 || step > len(i.ApprovalChain) {
		return ApprovalChainEntry{}, false
	}
	return i.ApprovalChain[step-1], true
}

// ChainEntry finds an approver anywhere in the chain
func (i *ApprovalItem) ChainEntry(approverID string) (ApprovalChainEntry, bool) {
	for _, e := range i.ApprovalChain {
		if e.ID == approverID {
			return e, true
		}
	}
	return ApprovalChainEntry{}, false
}

// Consistent reports whether status and step pointer agree. A pending item
// points inside the chain, an approved one points one past the end and a
// rejected one keeps the step that rejected it.
func (i *ApprovalItem) Consistent() bool {
	inRange := i.CurrentStepIndex >= 1 && i.CurrentStepIndex <= len(i.ApprovalChain)
	switch i.Status {
	case StatusPending, StatusRejected:
		return inRange
	case StatusApproved:
		return len(i.ApprovalChain) > 0 && i.CurrentStepIndex == len(i.ApprovalChain)+1
	}
	return false
}

// Apply runs one state machine step in place. It returns false without
// touching the item when the item is terminal or the action does not mutate.
// Approving the last step resolves the item in the same call, so there is no
// observable state between steps.
func (i *ApprovalItem) Apply(action Action, reason string, now time.Time) (Transition, bool) {
	if i.IsTerminal() || !action.Mutates() {
		return "", false
	}

	switch action {
	case ActionReject:
		i.Status = StatusRejected
		i.RejectionReason = reason
		i.RejectedAt = &now
		i.CurrentApproverID = ""
		return TransitionRejected, true
	default:
		if i.CurrentStepIndex < len(i.ApprovalChain) {
			i.CurrentStepIndex++
			i.CurrentApproverID = i.ApprovalChain[i.CurrentStepIndex-1].ID
			return TransitionAdvanced, true
		}
		i.CurrentStepIndex = len(i.ApprovalChain) + 1
		i.Status = StatusApproved
		i.ApprovedAt = &now
		i.CurrentApproverID = ""
		return TransitionApproved, true
	}
}

// ViewFor returns a copy with the amount masked when the viewer's chain
// entry hides it.
func (i ApprovalItem) ViewFor(viewerID string) ApprovalItem {
	if entry, ok := i.ChainEntry(viewerID); ok && entry.HideAmount && viewerID != i.Submitter.ID {
		i.Subject.Amount = nil
	}
	return i
}
