package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/tokens"
)

// EventPublisher announces committed transitions to other services
type EventPublisher interface {
	PublishTransition(ctx context.Context, o *models.Outcome)
}

// InboxCache keeps per-approver pending counts
type InboxCache interface {
	GetPendingCount(ctx context.Context, approverID string) (int64, bool)
	SetPendingCount(ctx context.Context, approverID string, count int64)
	Invalidate(ctx context.Context, approverIDs ...string)
}

// OutboxWaker nudges the delivery worker after new rows are queued
type OutboxWaker interface {
	Wake()
}

// ApprovalService handles approval business logic around the engine:
// submission, inbox reads and the side effects that follow a commit.
type ApprovalService struct {
	repo              repository.ApprovalRepositoryInterface
	engine            *Engine
	dispatcher        NotificationDispatcher
	publisher         EventPublisher
	cache             InboxCache
	waker             OutboxWaker
	allowSelfApproval bool
	logger            *logrus.Entry
}

// Options wires the optional collaborators. Any of them may be nil.
type Options struct {
	Publisher         EventPublisher
	Cache             InboxCache
	Waker             OutboxWaker
	AllowSelfApproval bool
	Logger            *logrus.Logger
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(repo repository.ApprovalRepositoryInterface, engine *Engine, dispatcher NotificationDispatcher, opts Options) *ApprovalService {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ApprovalService{
		repo:              repo,
		engine:            engine,
		dispatcher:        dispatcher,
		publisher:         opts.Publisher,
		cache:             opts.Cache,
		waker:             opts.Waker,
		allowSelfApproval: opts.AllowSelfApproval,
		logger:            logger.WithField("component", "approval_service"),
	}
}

// SubmitInput represents input for submitting a timesheet period
type SubmitInput struct {
	TimesheetPeriodID string                      `json:"timesheetPeriodId" binding:"required"`
	ProjectName       string                      `json:"projectName"`
	PeriodStart       time.Time                   `json:"periodStart"`
	PeriodEnd         time.Time                   `json:"periodEnd"`
	Hours             float64                     `json:"hours"`
	Amount            *float64                    `json:"amount"`
	ApprovalChain     []models.ApprovalChainEntry `json:"approvalChain" binding:"required"`
}

// Submit creates an item at step 1 and asks the first approver for a decision
func (s *ApprovalService) Submit(ctx context.Context, submitter models.Party, input SubmitInput) (*models.ApprovalItem, error) {
	if err := s.validateSubmission(submitter, input); err != nil {
		return nil, err
	}

	chain := make([]models.ApprovalChainEntry, len(input.ApprovalChain))
	for i, e := range input.ApprovalChain {
		e.ID = strings.TrimSpace(e.ID)
		e.Email = strings.TrimSpace(e.Email)
		chain[i] = e
	}

	item := &models.ApprovalItem{
		Subject: models.SubjectRef{
			TimesheetPeriodID: input.TimesheetPeriodID,
			ProjectName:       input.ProjectName,
			PeriodStart:       input.PeriodStart,
			PeriodEnd:         input.PeriodEnd,
			Hours:             input.Hours,
			Amount:            input.Amount,
		},
		Submitter:         submitter,
		Status:            models.StatusPending,
		Version:           1,
		ApprovalChain:     chain,
		CurrentStepIndex:  1,
		CurrentApproverID: chain[0].ID,
	}

	outcome := &models.Outcome{
		Transition: models.TransitionSubmitted,
		Item:       item,
		ActorID:    submitter.ID,
		Channel:    models.ChannelInApp,
	}

	err := s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		if err := txRepo.CreateItem(ctx, item); err != nil {
			return fmt.Errorf("failed to create approval item: %w", err)
		}
		if err := txRepo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			ItemID:    item.ID,
			EventType: models.AuditEventCreated,
			ActorID:   submitter.ID,
			Channel:   models.ChannelInApp,
		}); err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		if s.dispatcher != nil {
			if _, err := s.dispatcher.Dispatch(ctx, txRepo, outcome); err != nil {
				return fmt.Errorf("failed to queue approval request: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"itemID":      item.ID,
		"submitterID": submitter.ID,
		"steps":       len(chain),
	}).Info("Timesheet submitted for approval")

	s.afterCommit(ctx, outcome)
	return item, nil
}

func (s *ApprovalService) validateSubmission(submitter models.Party, input SubmitInput) error {
	if submitter.ID == "" {
		return fmt.Errorf("%w: submitter identity is required", ErrInvalidInput)
	}
	if strings.TrimSpace(input.TimesheetPeriodID) == "" {
		return fmt.Errorf("%w: timesheetPeriodId is required", ErrInvalidInput)
	}
	if input.Hours < 0 {
		return fmt.Errorf("%w: hours must not be negative", ErrInvalidInput)
	}
	if !input.PeriodEnd.IsZero() && input.PeriodEnd.Before(input.PeriodStart) {
		return fmt.Errorf("%w: period ends before it starts", ErrInvalidInput)
	}
	if len(input.ApprovalChain) == 0 {
		return fmt.Errorf("%w: at least one approver is required", ErrInvalidChain)
	}

	seen := make(map[string]bool, len(input.ApprovalChain))
	for i, e := range input.ApprovalChain {
		id := strings.TrimSpace(e.ID)
		if id == "" || strings.TrimSpace(e.Email) == "" {
			return fmt.Errorf("%w: approver %d needs an id and an email", ErrInvalidChain, i+1)
		}
		if seen[id] {
			return fmt.Errorf("%w: approver %s appears more than once", ErrInvalidChain, id)
		}
		seen[id] = true
		if id == submitter.ID && !s.allowSelfApproval {
			return ErrSelfApprovalNotAllowed
		}
	}
	return nil
}

// ActByToken runs an email-link action
func (s *ApprovalService) ActByToken(ctx context.Context, encodedToken string, action models.Action, reason string) (*models.Outcome, error) {
	outcome, err := s.engine.Execute(ctx, encodedToken, action, reason)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, outcome)
	return outcome, nil
}

// ActInApp runs an action for an authenticated approver
func (s *ApprovalService) ActInApp(ctx context.Context, itemID uuid.UUID, actorID string, action models.Action, reason string) (*models.Outcome, error) {
	outcome, err := s.engine.ExecuteInApp(ctx, itemID, actorID, action, reason)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, outcome)
	return outcome, nil
}

// View resolves a view token to the item summary
func (s *ApprovalService) View(ctx context.Context, encodedToken string) (*models.ApprovalItem, *tokens.Payload, error) {
	return s.engine.View(ctx, encodedToken)
}

// BulkResult is the per-item result of a bulk action
type BulkResult struct {
	ItemID    uuid.UUID         `json:"itemId"`
	Outcome   models.Transition `json:"outcome,omitempty"`
	ErrorCode string            `json:"errorCode,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// BulkAct applies the same action to several items. Items are independent:
// one failure never stops the rest.
func (s *ApprovalService) BulkAct(ctx context.Context, actorID string, itemIDs []uuid.UUID, action models.Action, reason string) ([]BulkResult, error) {
	if !action.Mutates() {
		return nil, fmt.Errorf("%w: action must be approve or reject", ErrInvalidInput)
	}
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("%w: no items given", ErrInvalidInput)
	}

	results := make([]BulkResult, 0, len(itemIDs))
	seen := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		result := BulkResult{ItemID: id}
		outcome, err := s.ActInApp(ctx, id, actorID, action, reason)
		if err != nil {
			result.ErrorCode = ErrorCode(err)
			result.Error = err.Error()
		} else {
			result.Outcome = outcome.Transition
		}
		results = append(results, result)
	}
	return results, nil
}

// Get returns an item to someone who takes part in it. Anyone else gets
// ErrItemNotFound so chain membership does not leak.
func (s *ApprovalService) Get(ctx context.Context, id uuid.UUID, viewerID string) (*models.ApprovalItem, error) {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	if !participates(item, viewerID) {
		return nil, ErrItemNotFound
	}
	view := item.ViewFor(viewerID)
	return &view, nil
}

// History returns the audit trail of an item in chronological order
func (s *ApprovalService) History(ctx context.Context, id uuid.UUID, viewerID string) ([]models.ApprovalAuditLog, error) {
	if _, err := s.Get(ctx, id, viewerID); err != nil {
		return nil, err
	}
	return s.repo.GetItemHistory(ctx, id)
}

// ListInbox lists items for an approver. The default "pending" filter shows
// what waits on them; "all", "approved" and "rejected" include items they
// already acted on.
func (s *ApprovalService) ListInbox(ctx context.Context, approverID, status string, limit, offset int) ([]models.ApprovalItem, int64, error) {
	var items []models.ApprovalItem
	var total int64
	var err error

	switch status {
	case "", models.StatusPending:
		items, total, err = s.repo.ListInbox(ctx, approverID, limit, offset)
	case "all", models.StatusApproved, models.StatusRejected:
		items, total, err = s.repo.ListInvolving(ctx, approverID, status, limit, offset)
	default:
		return nil, 0, fmt.Errorf("%w: unknown status filter %q", ErrInvalidInput, status)
	}
	if err != nil {
		return nil, 0, err
	}

	for i := range items {
		items[i] = items[i].ViewFor(approverID)
	}
	return items, total, nil
}

// ListSubmitted lists the caller's own submissions
func (s *ApprovalService) ListSubmitted(ctx context.Context, submitterID, status string, limit, offset int) ([]models.ApprovalItem, int64, error) {
	return s.repo.ListBySubmitter(ctx, submitterID, status, limit, offset)
}

// PendingCount returns how many items wait on the approver, cached when possible
func (s *ApprovalService) PendingCount(ctx context.Context, approverID string) (int64, error) {
	if s.cache != nil {
		if count, ok := s.cache.GetPendingCount(ctx, approverID); ok {
			return count, nil
		}
	}

	count, err := s.repo.CountPending(ctx, approverID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.SetPendingCount(ctx, approverID, count)
	}
	return count, nil
}

// afterCommit runs the side effects of a committed transition. None of them
// can fail the request: the transition is already durable.
func (s *ApprovalService) afterCommit(ctx context.Context, o *models.Outcome) {
	if s.cache != nil {
		affected := []string{o.ActorID}
		if o.Item != nil && o.Item.CurrentApproverID != "" {
			affected = append(affected, o.Item.CurrentApproverID)
		}
		s.cache.Invalidate(ctx, affected...)
	}
	if s.publisher != nil {
		s.publisher.PublishTransition(ctx, o)
	}
	if s.waker != nil {
		s.waker.Wake()
	}
}

func participates(item *models.ApprovalItem, userID string) bool {
	if userID == "" {
		return false
	}
	if item.Submitter.ID == userID {
		return true
	}
	_, ok := item.ChainEntry(userID)
	return ok
}
