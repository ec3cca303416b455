package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"timesheet-approval-service/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict - record was modified by another request")
	ErrTokenAlreadyUsed = errors.New("token has already been used")
	ErrItemTerminal     = errors.New("approval item is already resolved")
	ErrStepConflict     = errors.New("approval item has moved past the expected step")
)

// advanceAttempts bounds the reload loop when a concurrent writer bumps the version
const advanceAttempts = 3

// ApprovalRepositoryInterface is the store the engine and workers depend on
type ApprovalRepositoryInterface interface {
	WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error

	// Items
	CreateItem(ctx context.Context, item *models.ApprovalItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*models.ApprovalItem, error)
	ListInbox(ctx context.Context, approverID string, limit, offset int) ([]models.ApprovalItem, int64, error)
	ListInvolving(ctx context.Context, approverID, statusFilter string, limit, offset int) ([]models.ApprovalItem, int64, error)
	ListBySubmitter(ctx context.Context, submitterID, statusFilter string, limit, offset int) ([]models.ApprovalItem, int64, error)
	CountPending(ctx context.Context, approverID string) (int64, error)
	AdvanceOrResolve(ctx context.Context, id uuid.UUID, expectedStep int, action models.Action, reason string, now time.Time) (*models.ApprovalItem, models.Transition, error)

	// Tokens
	SaveTokens(ctx context.Context, tokens []models.ApprovalToken) error
	GetToken(ctx context.Context, id uuid.UUID) (*models.ApprovalToken, error)
	MarkTokenUsed(ctx context.Context, id uuid.UUID, now time.Time) error

	// Audit
	CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error
	GetItemHistory(ctx context.Context, itemID uuid.UUID) ([]models.ApprovalAuditLog, error)

	// Notification outbox
	EnqueueNotifications(ctx context.Context, rows []models.NotificationOutbox) error
	ClaimDueNotifications(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.NotificationOutbox, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID, providerMessageID string, now time.Time) error
	RescheduleNotification(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ListNotifications(ctx context.Context, itemID uuid.UUID) ([]models.NotificationOutbox, error)
	CountNotificationsByStatus(ctx context.Context) (map[string]int64, error)
}

// ApprovalRepository handles database operations for approvals
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates a new ApprovalRepository
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

var _ ApprovalRepositoryInterface = (*ApprovalRepository)(nil)

// AutoMigrate creates or updates the tables this repository owns
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ApprovalItem{},
		&models.ApprovalToken{},
		&models.ApprovalAuditLog{},
		&models.NotificationOutbox{},
	)
}

// WithTransaction runs fn against a repository bound to a single transaction.
// Returning an error from fn rolls everything back.
func (r *ApprovalRepository) WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ApprovalRepository{db: tx})
	})
}

// --- Item Methods ---

// CreateItem creates a new approval item
func (r *ApprovalRepository) CreateItem(ctx context.Context, item *models.ApprovalItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// GetItem retrieves an item by ID
func (r *ApprovalRepository) GetItem(ctx context.Context, id uuid.UUID) (*models.ApprovalItem, error) {
	var item models.ApprovalItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// ListInbox returns pending items waiting on the given approver, oldest first
func (r *ApprovalRepository) ListInbox(ctx context.Context, approverID string, limit, offset int) ([]models.ApprovalItem, int64, error) {
	var items []models.ApprovalItem
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalItem{}).
		Where("status = ? AND current_approver_id = ?", models.StatusPending, approverID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error

	return items, total, err
}

// ListInvolving returns items waiting on the approver plus items they already
// acted on, newest first. An empty or "all" status filter returns every status.
func (r *ApprovalRepository) ListInvolving(ctx context.Context, approverID, statusFilter string, limit, offset int) ([]models.ApprovalItem, int64, error) {
	var items []models.ApprovalItem
	var total int64

	acted := r.db.WithContext(ctx).Model(&models.ApprovalAuditLog{}).
		Select("item_id").
		Where("actor_id = ? AND event_type IN ?", approverID,
			[]string{models.AuditEventAdvanced, models.AuditEventApproved, models.AuditEventRejected})

	query := r.db.WithContext(ctx).Model(&models.ApprovalItem{}).
		Where("((status = ? AND current_approver_id = ?) OR id IN (?))", models.StatusPending, approverID, acted)

	if statusFilter != "" && statusFilter != "all" {
		query = query.Where("status = ?", statusFilter)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error

	return items, total, err
}

// ListBySubmitter retrieves items submitted by a user. An empty or "all"
// status filter returns every status.
func (r *ApprovalRepository) ListBySubmitter(ctx context.Context, submitterID, statusFilter string, limit, offset int) ([]models.ApprovalItem, int64, error) {
	var items []models.ApprovalItem
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalItem{}).
		Where("submitter_id = ?", submitterID)

	if statusFilter != "" && statusFilter != "all" {
		query = query.Where("status = ?", statusFilter)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error

	return items, total, err
}

// CountPending counts items currently waiting on the approver
func (r *ApprovalRepository) CountPending(ctx context.Context, approverID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ApprovalItem{}).
		Where("status = ? AND current_approver_id = ?", models.StatusPending, approverID).
		Count(&count).Error
	return count, err
}

// AdvanceOrResolve applies one approve or reject to the item, provided it is
// still pending at expectedStep. The write is conditional on the version read,
// so two callers racing on the same step cannot both succeed. A terminal item
// is returned together with ErrItemTerminal so callers can report its state.
func (r *ApprovalRepository) AdvanceOrResolve(ctx context.Context, id uuid.UUID, expectedStep int, action models.Action, reason string, now time.Time) (*models.ApprovalItem, models.Transition, error) {
	if !action.Mutates() {
		return nil, "", fmt.Errorf("advance item: action %q does not change state", action)
	}

	for attempt := 0; attempt < advanceAttempts; attempt++ {
		item, err := r.GetItem(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if item.IsTerminal() {
			return item, "", ErrItemTerminal
		}
		if item.CurrentStepIndex != expectedStep {
			return item, "", ErrStepConflict
		}

		oldVersion := item.Version
		transition, ok := item.Apply(action, reason, now.UTC())
		if !ok {
			return item, "", ErrItemTerminal
		}
		item.Version = oldVersion + 1

		result := r.db.WithContext(ctx).Model(&models.ApprovalItem{}).
			Where("id = ? AND version = ? AND status = ?", id, oldVersion, models.StatusPending).
			Updates(map[string]interface{}{
				"status":              item.Status,
				"current_step_index":  item.CurrentStepIndex,
				"current_approver_id": item.CurrentApproverID,
				"rejection_reason":    item.RejectionReason,
				"approved_at":         item.ApprovedAt,
				"rejected_at":         item.RejectedAt,
				"version":             item.Version,
				"updated_at":          now.UTC(),
			})
		if result.Error != nil {
			return nil, "", result.Error
		}
		if result.RowsAffected == 1 {
			item.UpdatedAt = now.UTC()
			return item, transition, nil
		}
		// Someone else wrote first; reload and re-check the step.
	}

	return nil, "", ErrVersionConflict
}

// --- Token Methods ---

// SaveTokens records freshly issued tokens
func (r *ApprovalRepository) SaveTokens(ctx context.Context, tokens []models.ApprovalToken) error {
	if len(tokens) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&tokens).Error
}

// GetToken retrieves a token record by ID
func (r *ApprovalRepository) GetToken(ctx context.Context, id uuid.UUID) (*models.ApprovalToken, error) {
	var token models.ApprovalToken
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// MarkTokenUsed consumes a token exactly once. Only the caller whose update
// flips used_at from NULL wins; everyone else gets ErrTokenAlreadyUsed.
func (r *ApprovalRepository) MarkTokenUsed(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ApprovalToken{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", now.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := r.GetToken(ctx, id); err != nil {
		return err
	}
	return ErrTokenAlreadyUsed
}

// --- Audit Methods ---

// CreateAuditLog creates an audit log entry
func (r *ApprovalRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// GetItemHistory retrieves audit history for an item
func (r *ApprovalRepository) GetItemHistory(ctx context.Context, itemID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	var logs []models.ApprovalAuditLog
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC").
		Order("step_index ASC").
		Find(&logs).Error
	return logs, err
}

// --- Outbox Methods ---

// EnqueueNotifications stores rendered emails for the outbox worker
func (r *ApprovalRepository) EnqueueNotifications(ctx context.Context, rows []models.NotificationOutbox) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// ClaimDueNotifications leases up to limit rows that are due, including rows
// whose previous lease ran out. Each row is claimed with its own conditional
// update so concurrent workers never deliver the same row twice.
func (r *ApprovalRepository) ClaimDueNotifications(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.NotificationOutbox, error) {
	now = now.UTC()
	due := func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"((status = ? AND next_attempt_at <= ?) OR (status = ? AND lease_until < ?))",
			models.OutboxPending, now, models.OutboxSending, now,
		)
	}

	var candidates []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Scopes(due).
		Order("next_attempt_at ASC").
		Limit(limit).
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	claimed := make([]models.NotificationOutbox, 0, len(candidates))
	for _, id := range candidates {
		result := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
			Where("id = ?", id).
			Scopes(due).
			Updates(map[string]interface{}{
				"status":      models.OutboxSending,
				"lease_until": leaseUntil,
				"attempts":    gorm.Expr("attempts + 1"),
				"updated_at":  now,
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		var row models.NotificationOutbox
		if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
			return claimed, err
		}
		claimed = append(claimed, row)
	}

	return claimed, nil
}

// MarkNotificationSent records a successful delivery
func (r *ApprovalRepository) MarkNotificationSent(ctx context.Context, id uuid.UUID, providerMessageID string, now time.Time) error {
	return r.updateNotification(ctx, id, map[string]interface{}{
		"status":              models.OutboxSent,
		"provider_message_id": providerMessageID,
		"sent_at":             now.UTC(),
		"lease_until":         nil,
		"last_error":          "",
		"updated_at":          now.UTC(),
	})
}

// RescheduleNotification puts a row back in the queue after a failed attempt
func (r *ApprovalRepository) RescheduleNotification(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	return r.updateNotification(ctx, id, map[string]interface{}{
		"status":          models.OutboxPending,
		"next_attempt_at": nextAttemptAt.UTC(),
		"lease_until":     nil,
		"last_error":      lastError,
		"updated_at":      time.Now().UTC(),
	})
}

// MarkNotificationFailed gives up on a row
func (r *ApprovalRepository) MarkNotificationFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.updateNotification(ctx, id, map[string]interface{}{
		"status":      models.OutboxFailed,
		"lease_until": nil,
		"last_error":  lastError,
		"updated_at":  time.Now().UTC(),
	})
}

func (r *ApprovalRepository) updateNotification(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNotifications returns the outbox rows queued for an item
func (r *ApprovalRepository) ListNotifications(ctx context.Context, itemID uuid.UUID) ([]models.NotificationOutbox, error) {
	var rows []models.NotificationOutbox
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// CountNotificationsByStatus summarizes the outbox for health and tooling
func (r *ApprovalRepository) CountNotificationsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
