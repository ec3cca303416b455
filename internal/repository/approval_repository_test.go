package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/testutil"
)

func newRepo(t *testing.T) *repository.ApprovalRepository {
	return repository.NewApprovalRepository(testutil.NewDB(t))
}

func saveToken(t *testing.T, repo *repository.ApprovalRepository, itemID uuid.UUID, approverID string) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	token := models.ApprovalToken{
		ID:             uuid.New(),
		ApprovalItemID: itemID,
		ApproverID:     approverID,
		Action:         models.ActionApprove,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, repo.SaveTokens(context.Background(), []models.ApprovalToken{token}))
	return token.ID
}

func TestCreateAndGetItem(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	item := testutil.Item("emp-1", "mgr-1", "cli-1")
	require.NoError(t, repo.CreateItem(ctx, item))
	require.NotEqual(t, uuid.Nil, item.ID)

	got, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "emp-1", got.Submitter.ID)
	assert.Len(t, got.ApprovalChain, 2)
	assert.Equal(t, "cli-1", got.ApprovalChain[1].ID)
	assert.Equal(t, 1, got.CurrentStepIndex)
	require.NotNil(t, got.Subject.Amount)
	assert.Equal(t, 2400.0, *got.Subject.Amount)

	_, err = repo.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkTokenUsed_OnlyOnce(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := saveToken(t, repo, uuid.New(), "mgr-1")

	require.NoError(t, repo.MarkTokenUsed(ctx, id, time.Now()))
	assert.ErrorIs(t, repo.MarkTokenUsed(ctx, id, time.Now()), repository.ErrTokenAlreadyUsed)

	token, err := repo.GetToken(ctx, id)
	require.NoError(t, err)
	assert.True(t, token.IsUsed())

	assert.ErrorIs(t, repo.MarkTokenUsed(ctx, uuid.New(), time.Now()), repository.ErrNotFound)
}

func TestMarkTokenUsed_ConcurrentCallersOneWinner(t *testing.T) {
	repo := newRepo(t)
	id := saveToken(t, repo, uuid.New(), "mgr-1")

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.MarkTokenUsed(context.Background(), id, time.Now())
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrTokenAlreadyUsed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, losses)
}

func TestAdvanceOrResolve_TwoStepChain(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	item := testutil.Item("emp-1", "mgr-1", "cli-1")
	require.NoError(t, repo.CreateItem(ctx, item))

	updated, tr, err := repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TransitionAdvanced, tr)
	assert.Equal(t, 2, updated.CurrentStepIndex)
	assert.Equal(t, "cli-1", updated.CurrentApproverID)
	assert.Equal(t, 2, updated.Version)

	updated, tr, err = repo.AdvanceOrResolve(ctx, item.ID, 2, models.ActionApprove, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TransitionApproved, tr)

	stored, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 3, stored.CurrentStepIndex)
	assert.Empty(t, stored.CurrentApproverID)
	assert.NotNil(t, stored.ApprovedAt)
	assert.True(t, stored.Consistent())
	assert.Equal(t, updated.Version, stored.Version)
}

func TestAdvanceOrResolve_Reject(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	item := testutil.Item("emp-1", "mgr-1", "cli-1")
	require.NoError(t, repo.CreateItem(ctx, item))

	_, tr, err := repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionReject, "missing hours", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TransitionRejected, tr)

	stored, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	assert.Equal(t, "missing hours", stored.RejectionReason)

	got, _, err := repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now())
	assert.ErrorIs(t, err, repository.ErrItemTerminal)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusRejected, got.Status)
}

func TestAdvanceOrResolve_StepConflict(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	item := testutil.Item("emp-1", "mgr-1", "cli-1")
	require.NoError(t, repo.CreateItem(ctx, item))

	_, _, err := repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now())
	require.NoError(t, err)

	_, _, err = repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now())
	assert.ErrorIs(t, err, repository.ErrStepConflict)

	_, _, err = repo.AdvanceOrResolve(ctx, item.ID, 2, models.ActionView, "", time.Now())
	assert.Error(t, err)
}

func TestAdvanceOrResolve_ConcurrentSameStepOneWinner(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	item := testutil.Item("emp-1", "mgr-1", "cli-1")
	require.NoError(t, repo.CreateItem(ctx, item))

	const callers = 6
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrStepConflict)
	}
	assert.Equal(t, 1, wins)

	stored, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentStepIndex)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	item := testutil.Item("emp-1", "mgr-1")
	require.NoError(t, repo.CreateItem(ctx, item))
	tokenID := saveToken(t, repo, item.ID, "mgr-1")

	boom := errors.New("boom")
	err := repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		if err := txRepo.MarkTokenUsed(ctx, tokenID, time.Now()); err != nil {
			return err
		}
		if _, _, err := txRepo.AdvanceOrResolve(ctx, item.ID, 1, models.ActionApprove, "", time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	token, err := repo.GetToken(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, token.IsUsed())

	stored, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
}

func TestInboxAndSubmitterQueries(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first := testutil.Item("emp-1", "mgr-1", "cli-1")
	second := testutil.Item("emp-2", "mgr-1")
	third := testutil.Item("emp-1", "mgr-2")
	for _, it := range []*models.ApprovalItem{first, second, third} {
		require.NoError(t, repo.CreateItem(ctx, it))
	}

	items, total, err := repo.ListInbox(ctx, "mgr-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	count, err := repo.CountPending(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, _, err = repo.AdvanceOrResolve(ctx, first.ID, 1, models.ActionApprove, "", time.Now())
	require.NoError(t, err)

	count, err = repo.CountPending(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = repo.CountPending(ctx, "cli-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	mine, total, err := repo.ListBySubmitter(ctx, "emp-1", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, mine, 2)

	_, _, err = repo.AdvanceOrResolve(ctx, third.ID, 1, models.ActionReject, "no", time.Now())
	require.NoError(t, err)
	rejected, total, err := repo.ListBySubmitter(ctx, "emp-1", models.StatusRejected, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, third.ID, rejected[0].ID)
}

func TestListInvolving(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	decided := testutil.Item("emp-1", "mgr-1", "cli-1")
	waiting := testutil.Item("emp-2", "mgr-1")
	unrelated := testutil.Item("emp-3", "mgr-2")
	for _, it := range []*models.ApprovalItem{decided, waiting, unrelated} {
		require.NoError(t, repo.CreateItem(ctx, it))
	}

	_, _, err := repo.AdvanceOrResolve(ctx, decided.ID, 1, models.ActionApprove, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
		ItemID: decided.ID, EventType: models.AuditEventAdvanced, ActorID: "mgr-1", StepIndex: 1,
	}))

	items, total, err := repo.ListInvolving(ctx, "mgr-1", "all", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	ids := []uuid.UUID{items[0].ID, items[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{decided.ID, waiting.ID}, ids)

	items, total, err = repo.ListInvolving(ctx, "mgr-1", models.StatusApproved, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, items)
}

func TestAuditHistory(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	itemID := uuid.New()

	require.NoError(t, repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{ItemID: itemID, EventType: models.AuditEventCreated, ActorID: "emp-1"}))
	require.NoError(t, repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{ItemID: itemID, EventType: models.AuditEventAdvanced, ActorID: "mgr-1", StepIndex: 1, Channel: models.ChannelEmailLink}))
	require.NoError(t, repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{ItemID: uuid.New(), EventType: models.AuditEventCreated}))

	logs, err := repo.GetItemHistory(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.AuditEventCreated, logs[0].EventType)
	assert.Equal(t, models.AuditEventAdvanced, logs[1].EventType)
}

func newOutboxRow(itemID uuid.UUID, due time.Time) models.NotificationOutbox {
	return models.NotificationOutbox{
		ItemID:         itemID,
		Kind:           models.NotificationApprovalRequested,
		RecipientEmail: "mgr-1@example.com",
		Subject:        "Timesheet approval requested",
		HTML:           "<p>hi</p>",
		Status:         models.OutboxPending,
		NextAttemptAt:  due.UTC(),
	}
}

func TestClaimDueNotifications(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	itemID := uuid.New()

	require.NoError(t, repo.EnqueueNotifications(ctx, []models.NotificationOutbox{
		newOutboxRow(itemID, now.Add(-time.Minute)),
		newOutboxRow(itemID, now.Add(time.Hour)),
	}))

	claimed, err := repo.ClaimDueNotifications(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.OutboxSending, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := repo.ClaimDueNotifications(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows must not be handed out twice")

	expired, err := repo.ClaimDueNotifications(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, claimed[0].ID, expired[0].ID)
	assert.Equal(t, 2, expired[0].Attempts)
}

func TestNotificationLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	itemID := uuid.New()

	require.NoError(t, repo.EnqueueNotifications(ctx, []models.NotificationOutbox{
		newOutboxRow(itemID, now.Add(-time.Second)),
		newOutboxRow(itemID, now.Add(-time.Second)),
		newOutboxRow(itemID, now.Add(-time.Second)),
	}))

	claimed, err := repo.ClaimDueNotifications(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, repo.MarkNotificationSent(ctx, claimed[0].ID, "msg-1", now))
	require.NoError(t, repo.RescheduleNotification(ctx, claimed[1].ID, "smtp 451", now.Add(30*time.Second)))
	require.NoError(t, repo.MarkNotificationFailed(ctx, claimed[2].ID, "smtp 550"))

	rows, err := repo.ListNotifications(ctx, itemID)
	require.NoError(t, err)
	byID := make(map[uuid.UUID]models.NotificationOutbox)
	for _, row := range rows {
		byID[row.ID] = row
	}
	assert.Equal(t, models.OutboxSent, byID[claimed[0].ID].Status)
	assert.Equal(t, "msg-1", byID[claimed[0].ID].ProviderMessageID)
	assert.Equal(t, models.OutboxPending, byID[claimed[1].ID].Status)
	assert.Equal(t, "smtp 451", byID[claimed[1].ID].LastError)
	assert.Equal(t, models.OutboxFailed, byID[claimed[2].ID].Status)

	counts, err := repo.CountNotificationsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.OutboxSent])
	assert.Equal(t, int64(1), counts[models.OutboxPending])
	assert.Equal(t, int64(1), counts[models.OutboxFailed])

	assert.ErrorIs(t, repo.MarkNotificationSent(ctx, uuid.New(), "", now), repository.ErrNotFound)
}
