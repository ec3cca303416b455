package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"timesheet-approval-service/internal/metrics"
	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/tokens"
)

var (
	ErrInvalidToken           = errors.New("approval link is not valid")
	ErrTokenExpired           = errors.New("approval link has expired")
	ErrTokenAlreadyUsed       = errors.New("approval link has already been used")
	ErrAlreadyProcessed       = errors.New("approval item has already been processed")
	ErrNotCurrentApprover     = errors.New("user is not the current approver for this item")
	ErrConsistencyFailure     = errors.New("approval transition could not be committed")
	ErrItemNotFound           = errors.New("approval item not found")
	ErrInvalidChain           = errors.New("approval chain is invalid")
	ErrSelfApprovalNotAllowed = errors.New("self-approval is not allowed")
	ErrInvalidInput           = errors.New("invalid input")
)

// Wire error codes
const (
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeExpired            = "EXPIRED"
	CodeAlreadyUsed        = "ALREADY_USED"
	CodeAlreadyProcessed   = "ALREADY_PROCESSED"
	CodeNotCurrentApprover = "NOT_CURRENT_APPROVER"
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION"
	CodeInternal           = "INTERNAL"
)

// ErrorCode maps an engine or service error to its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTokenExpired):
		return CodeExpired
	case errors.Is(err, ErrTokenAlreadyUsed):
		return CodeAlreadyUsed
	case errors.Is(err, ErrAlreadyProcessed):
		return CodeAlreadyProcessed
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrNotCurrentApprover):
		return CodeNotCurrentApprover
	case errors.Is(err, ErrItemNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidChain), errors.Is(err, ErrSelfApprovalNotAllowed), errors.Is(err, ErrInvalidInput):
		return CodeValidation
	}
	return CodeInternal
}

// NotificationDispatcher queues the messages an outcome triggers. It runs
// inside the transition's transaction and writes through the repo it is given.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, repo repository.ApprovalRepositoryInterface, o *models.Outcome) ([]models.NotificationOutbox, error)
}

// Engine is the approval state machine. It receives an already-resolved
// approver identity, either from a verified token or from the caller of the
// in-app path, and never consults session state.
type Engine struct {
	repo       repository.ApprovalRepositoryInterface
	tokens     *tokens.Service
	dispatcher NotificationDispatcher
	clock      func() time.Time
	logger     *logrus.Entry

	consistencyFailures atomic.Int64
}

// NewEngine creates a new Engine. A nil dispatcher disables notifications.
func NewEngine(repo repository.ApprovalRepositoryInterface, tokenService *tokens.Service, dispatcher NotificationDispatcher, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		repo:       repo,
		tokens:     tokenService,
		dispatcher: dispatcher,
		clock:      time.Now,
		logger:     logger.WithField("component", "approval_engine"),
	}
}

// SetClock overrides the time source
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// ConsistencyFailures returns how many transitions failed after touching state
// since the process started
func (e *Engine) ConsistencyFailures() int64 {
	return e.consistencyFailures.Load()
}

// Execute runs an approve or reject carried by an email token.
//
// Checks run in a fixed order: signature and expiry, token already used,
// item already terminal, then the token's approver and action against the
// item's current step. Only then are the token consumption and the advance
// committed, together, in one transaction.
func (e *Engine) Execute(ctx context.Context, encodedToken string, action models.Action, reason string) (*models.Outcome, error) {
	outcome, err := e.execute(ctx, encodedToken, action, reason)
	if err != nil {
		metrics.Rejections.WithLabelValues(ErrorCode(err)).Inc()
	}
	return outcome, err
}

func (e *Engine) execute(ctx context.Context, encodedToken string, action models.Action, reason string) (*models.Outcome, error) {
	payload, err := e.validate(encodedToken)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithFields(logrus.Fields{
		"tokenID":    payload.ID,
		"itemID":     payload.ApprovalItemID,
		"approverID": payload.ApproverID,
	})

	record, err := e.lookupToken(ctx, payload)
	if err != nil {
		return nil, err
	}
	if record.IsUsed() {
		log.Info("Token already used")
		return nil, ErrTokenAlreadyUsed
	}

	item, err := e.repo.GetItem(ctx, payload.ApprovalItemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: item no longer exists", ErrInvalidToken)
		}
		return nil, err
	}
	if item.IsTerminal() {
		if e.consumedMeanwhile(ctx, payload.ID) {
			return nil, ErrTokenAlreadyUsed
		}
		log.WithField("status", item.Status).Info("Item already processed")
		return nil, ErrAlreadyProcessed
	}

	// A view token, or an approve token replayed as a reject, fails here the
	// same way as a token for someone who is not at the current step.
	if !action.Mutates() || payload.Action != action {
		log.WithField("action", action).Warn("Token action does not match request")
		return nil, fmt.Errorf("%w: action mismatch", ErrInvalidToken)
	}
	if current, ok := item.CurrentApprover(); !ok || current.ID != payload.ApproverID {
		if e.consumedMeanwhile(ctx, payload.ID) {
			return nil, ErrTokenAlreadyUsed
		}
		log.WithField("step", item.CurrentStepIndex).Warn("Token approver is not at the current step")
		return nil, fmt.Errorf("%w: approver mismatch", ErrInvalidToken)
	}

	tokenID := payload.ID
	return e.commit(ctx, item, &tokenID, payload.ApproverID, models.ChannelEmailLink, action, reason)
}

// ExecuteInApp runs an approve or reject for an authenticated caller. It
// shares the commit path with Execute, so email and in-app actions on the
// same item race safely.
func (e *Engine) ExecuteInApp(ctx context.Context, itemID uuid.UUID, actorID string, action models.Action, reason string) (*models.Outcome, error) {
	outcome, err := e.executeInApp(ctx, itemID, actorID, action, reason)
	if err != nil {
		metrics.Rejections.WithLabelValues(ErrorCode(err)).Inc()
	}
	return outcome, err
}

func (e *Engine) executeInApp(ctx context.Context, itemID uuid.UUID, actorID string, action models.Action, reason string) (*models.Outcome, error) {
	if !action.Mutates() {
		return nil, fmt.Errorf("%w: action must be approve or reject", ErrInvalidInput)
	}
	if actorID == "" {
		return nil, ErrNotCurrentApprover
	}

	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	if item.IsTerminal() {
		return nil, ErrAlreadyProcessed
	}
	if current, ok := item.CurrentApprover(); !ok || current.ID != actorID {
		return nil, ErrNotCurrentApprover
	}

	return e.commit(ctx, item, nil, actorID, models.ChannelInApp, action, reason)
}

// View validates a view token and returns the item as that approver may see
// it. View tokens are never consumed.
func (e *Engine) View(ctx context.Context, encodedToken string) (*models.ApprovalItem, *tokens.Payload, error) {
	payload, err := e.validate(encodedToken)
	if err != nil {
		return nil, nil, err
	}
	if payload.Action != models.ActionView {
		return nil, nil, fmt.Errorf("%w: not a view token", ErrInvalidToken)
	}
	if _, err := e.lookupToken(ctx, payload); err != nil {
		return nil, nil, err
	}

	item, err := e.repo.GetItem(ctx, payload.ApprovalItemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: item no longer exists", ErrInvalidToken)
		}
		return nil, nil, err
	}
	if _, ok := item.ChainEntry(payload.ApproverID); !ok {
		return nil, nil, fmt.Errorf("%w: approver not in chain", ErrInvalidToken)
	}

	view := item.ViewFor(payload.ApproverID)
	return &view, payload, nil
}

// validate checks the token cryptographically. Expiry is reported on its own;
// every other failure is an invalid token.
func (e *Engine) validate(encodedToken string) (*tokens.Payload, error) {
	payload, err := e.tokens.Validate(encodedToken)
	if err == nil {
		return payload, nil
	}
	reason := tokens.Reason(err)
	e.logger.WithField("reason", reason).Info("Token validation failed")
	if errors.Is(err, tokens.ErrExpired) {
		return nil, ErrTokenExpired
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidToken, reason)
}

// lookupToken loads the server-side record and checks it matches the payload
func (e *Engine) lookupToken(ctx context.Context, payload *tokens.Payload) (*models.ApprovalToken, error) {
	record, err := e.repo.GetToken(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown token", ErrInvalidToken)
		}
		return nil, err
	}
	if record.ApprovalItemID != payload.ApprovalItemID ||
		record.ApproverID != payload.ApproverID ||
		record.Action != payload.Action {
		return nil, fmt.Errorf("%w: token record mismatch", ErrInvalidToken)
	}
	return record, nil
}

// consumedMeanwhile reports whether the token was used by a concurrent call
// between the first lookup and the item read. That caller's transition is the
// reason the item moved, so this caller sees ALREADY_USED.
func (e *Engine) consumedMeanwhile(ctx context.Context, tokenID uuid.UUID) bool {
	record, err := e.repo.GetToken(ctx, tokenID)
	return err == nil && record.IsUsed()
}

// commit consumes the token (when there is one), advances the item and
// queues notifications in one transaction. The advance is conditional on the
// step that was authorized, so a concurrent transition makes this call lose
// cleanly with ErrAlreadyProcessed and nothing is consumed.
func (e *Engine) commit(ctx context.Context, item *models.ApprovalItem, tokenID *uuid.UUID, actorID, channel string, action models.Action, reason string) (*models.Outcome, error) {
	now := e.clock().UTC()
	expectedStep := item.CurrentStepIndex

	var outcome *models.Outcome
	var tokenMarked, touched bool

	err := e.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		if tokenID != nil {
			if err := txRepo.MarkTokenUsed(ctx, *tokenID, now); err != nil {
				return err
			}
			tokenMarked = true
			touched = true
		}

		updated, transition, err := txRepo.AdvanceOrResolve(ctx, item.ID, expectedStep, action, reason, now)
		if err != nil {
			return err
		}
		touched = true

		outcome = &models.Outcome{
			Transition: transition,
			Item:       updated,
			ActedStep:  expectedStep,
			ActorID:    actorID,
			Channel:    channel,
			Reason:     reason,
		}

		if err := txRepo.CreateAuditLog(ctx, auditEntry(outcome)); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}

		if e.dispatcher != nil {
			if _, err := e.dispatcher.Dispatch(ctx, txRepo, outcome); err != nil {
				return fmt.Errorf("dispatch notifications: %w", err)
			}
		}
		return nil
	})

	if err == nil {
		metrics.Transitions.WithLabelValues(string(outcome.Transition), channel).Inc()
		e.logger.WithFields(logrus.Fields{
			"itemID":     item.ID,
			"approverID": actorID,
			"step":       expectedStep,
			"outcome":    outcome.Transition,
			"channel":    channel,
		}).Info("Approval transition committed")
		return outcome, nil
	}

	switch {
	case errors.Is(err, repository.ErrTokenAlreadyUsed):
		return nil, ErrTokenAlreadyUsed
	case errors.Is(err, repository.ErrItemTerminal),
		errors.Is(err, repository.ErrStepConflict),
		errors.Is(err, repository.ErrVersionConflict):
		return nil, ErrAlreadyProcessed
	case !tokenMarked && errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	}

	if touched {
		e.consistencyFailures.Add(1)
		metrics.ConsistencyFailures.Inc()
		e.logger.WithFields(logrus.Fields{
			"alarm":      "approval_consistency_failure",
			"itemID":     item.ID,
			"approverID": actorID,
			"step":       expectedStep,
			"action":     action,
			"channel":    channel,
		}).WithError(err).Error("Approval transition failed after state was touched; transaction rolled back")
		return nil, fmt.Errorf("%w: %v", ErrConsistencyFailure, err)
	}
	return nil, fmt.Errorf("commit transition: %w", err)
}

func auditEntry(o *models.Outcome) *models.ApprovalAuditLog {
	eventType := models.AuditEventAdvanced
	switch o.Transition {
	case models.TransitionApproved:
		eventType = models.AuditEventApproved
	case models.TransitionRejected:
		eventType = models.AuditEventRejected
	}

	entry := &models.ApprovalAuditLog{
		ItemID:    o.Item.ID,
		EventType: eventType,
		ActorID:   o.ActorID,
		Channel:   o.Channel,
		StepIndex: o.ActedStep,
		Reason:    o.Reason,
	}
	if o.Transition == models.TransitionAdvanced {
		meta, _ := json.Marshal(map[string]interface{}{
			"nextStep":       o.Item.CurrentStepIndex,
			"nextApproverId": o.Item.CurrentApproverID,
		})
		entry.Metadata = datatypes.JSON(meta)
	}
	return entry
}
