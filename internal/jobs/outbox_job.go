package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/mailer"
	"timesheet-approval-service/internal/metrics"
	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
)

// OutboxConfig tunes the delivery worker
type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
}

// backoff bounds
const (
	retryBase = 30 * time.Second
	retryCap  = time.Hour
)

// OutboxJob delivers queued notification emails. Transitions only ever write
// outbox rows; a failed send is retried here and never touches the item.
type OutboxJob struct {
	repo   repository.ApprovalRepositoryInterface
	sender mailer.Sender
	logger *logrus.Logger
	cfg    OutboxConfig
	clock  func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wakeCh   chan struct{}
}

// NewOutboxJob creates a new outbox delivery job
func NewOutboxJob(repo repository.ApprovalRepositoryInterface, sender mailer.Sender, cfg OutboxConfig, logger *logrus.Logger) *OutboxJob {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second // Poll every 10 seconds
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OutboxJob{
		repo:   repo,
		sender: sender,
		logger: logger,
		cfg:    cfg,
		clock:  time.Now,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// SetClock overrides the time source
func (j *OutboxJob) SetClock(clock func() time.Time) {
	j.clock = clock
}

// Start begins the delivery loop and blocks until Stop or ctx is done
func (j *OutboxJob) Start(ctx context.Context) {
	j.logger.Info("Outbox job started")

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.wakeCh:
			j.RunOnce(ctx)
		case <-j.stopCh:
			j.logger.Info("Outbox job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Outbox job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop
func (j *OutboxJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// Wake asks for a delivery pass without waiting for the next tick. It never
// blocks; a pending wake-up absorbs further calls.
func (j *OutboxJob) Wake() {
	select {
	case j.wakeCh <- struct{}{}:
	default:
	}
}

// RunOnce claims one batch of due rows and attempts each. It returns how many
// rows were sent.
func (j *OutboxJob) RunOnce(ctx context.Context) int {
	rows, err := j.repo.ClaimDueNotifications(ctx, j.clock(), j.cfg.Lease, j.cfg.BatchSize)
	if err != nil {
		j.logger.Errorf("Failed to claim due notifications: %v", err)
		return 0
	}
	if len(rows) == 0 {
		return 0
	}

	j.logger.Debugf("Claimed %d notifications for delivery", len(rows))

	sent := 0
	for i := range rows {
		if j.deliver(ctx, &rows[i]) {
			sent++
		}
	}
	return sent
}

// deliver sends one claimed row and records the result
func (j *OutboxJob) deliver(ctx context.Context, row *models.NotificationOutbox) bool {
	log := j.logger.WithFields(logrus.Fields{
		"notificationID": row.ID,
		"itemID":         row.ItemID,
		"kind":           row.Kind,
		"attempt":        row.Attempts,
	})

	messageID, err := j.sender.Send(ctx, mailer.Email{
		To:      row.RecipientEmail,
		ToName:  row.RecipientName,
		Subject: row.Subject,
		HTML:    row.HTML,
	})
	if err == nil {
		if err := j.repo.MarkNotificationSent(ctx, row.ID, messageID, j.clock()); err != nil {
			// The lease will run out and the row is sent again; duplicates beat losses.
			log.WithError(err).Error("Failed to mark notification sent")
		}
		metrics.OutboxDeliveries.WithLabelValues("sent").Inc()
		log.WithField("messageID", messageID).Info("Notification sent")
		return true
	}

	if errors.Is(err, mailer.ErrPermanent) || row.Attempts >= j.cfg.MaxAttempts {
		if markErr := j.repo.MarkNotificationFailed(ctx, row.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to park notification")
		}
		metrics.OutboxDeliveries.WithLabelValues("failed").Inc()
		log.WithError(err).Error("Notification delivery failed permanently")
		return false
	}

	next := j.clock().Add(Backoff(row.Attempts))
	if markErr := j.repo.RescheduleNotification(ctx, row.ID, err.Error(), next); markErr != nil {
		log.WithError(markErr).Error("Failed to reschedule notification")
	}
	metrics.OutboxDeliveries.WithLabelValues("retry").Inc()
	log.WithError(err).WithField("nextAttemptAt", next).Warn("Notification delivery failed, will retry")
	return false
}

// Backoff returns the wait before the next attempt after attempt failures:
// 30s, 1m, 2m and so on, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}
