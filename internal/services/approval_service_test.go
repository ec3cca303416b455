package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"timesheet-approval-service/internal/models"
)

// MockPublisher records published transitions
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishTransition(ctx context.Context, o *models.Outcome) {
	m.Called(ctx, o)
}

// memoryCache is an InboxCache backed by a map
type memoryCache struct {
	mu          sync.Mutex
	counts      map[string]int64
	invalidated []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{counts: map[string]int64{}}
}

func (c *memoryCache) GetPendingCount(ctx context.Context, approverID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[approverID]
	return n, ok
}

func (c *memoryCache) SetPendingCount(ctx context.Context, approverID string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[approverID] = count
}

func (c *memoryCache) Invalidate(ctx context.Context, approverIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range approverIDs {
		delete(c.counts, id)
		c.invalidated = append(c.invalidated, id)
	}
}

type countingWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	w.wakes++
	w.mu.Unlock()
}

func validInput() SubmitInput {
	return SubmitInput{
		TimesheetPeriodID: "period-36",
		ProjectName:       "Atlas",
		PeriodStart:       time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:         time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
		Hours:             40,
		ApprovalChain: []models.ApprovalChainEntry{
			{ID: "mgr", Name: "Manager Mo", Email: "mo@example.com", Role: "manager"},
			{ID: "cli", Name: "Client Cy", Email: "cy@example.com", Role: "client"},
		},
	}
}

var alice = models.Party{ID: "alice", Name: "Alice", Email: "alice@example.com"}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*SubmitInput)
		wantErr error
	}{
		{"empty chain", func(in *SubmitInput) { in.ApprovalChain = nil }, ErrInvalidChain},
		{"missing email", func(in *SubmitInput) { in.ApprovalChain[1].Email = "" }, ErrInvalidChain},
		{"duplicate approver", func(in *SubmitInput) { in.ApprovalChain[1].ID = "mgr" }, ErrInvalidChain},
		{"self approval", func(in *SubmitInput) { in.ApprovalChain[0].ID = "alice" }, ErrSelfApprovalNotAllowed},
		{"missing period", func(in *SubmitInput) { in.TimesheetPeriodID = " " }, ErrInvalidInput},
		{"negative hours", func(in *SubmitInput) { in.Hours = -1 }, ErrInvalidInput},
		{"period reversed", func(in *SubmitInput) { in.PeriodEnd = in.PeriodStart.Add(-24 * time.Hour) }, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := h.service.Submit(ctx, alice, in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, CodeValidation, ErrorCode(err))
		})
	}

	_, err := h.service.Submit(ctx, models.Party{}, validInput())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmit_AllowsSelfApprovalWhenConfigured(t *testing.T) {
	h := newHarness(t)
	svc := NewApprovalService(h.repo, h.engine, h.dispatcher, Options{Logger: h.logger, AllowSelfApproval: true})

	in := validInput()
	in.ApprovalChain[0].ID = "alice"
	item, err := svc.Submit(context.Background(), alice, in)
	require.NoError(t, err)
	assert.Equal(t, "alice", item.CurrentApproverID)
}

func TestSubmit_CreatesItemAndQueuesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	publisher := &MockPublisher{}
	publisher.On("PublishTransition", mock.Anything, mock.MatchedBy(func(o *models.Outcome) bool {
		return o.Transition == models.TransitionSubmitted
	})).Return()
	cache := newMemoryCache()
	waker := &countingWaker{}
	svc := NewApprovalService(h.repo, h.engine, h.dispatcher, Options{
		Logger: h.logger, Publisher: publisher, Cache: cache, Waker: waker,
	})

	item, err := svc.Submit(ctx, alice, validInput())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, item.ID)

	stored := h.item(t, item.ID)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	assert.Equal(t, "mgr", stored.CurrentApproverID)
	assert.True(t, stored.Consistent())

	rows, err := h.repo.ListNotifications(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "mo@example.com", rows[0].RecipientEmail)
	assert.Equal(t, models.OutboxPending, rows[0].Status)
	assert.Equal(t, int64(3), h.countTokens(t, item.ID))

	publisher.AssertExpectations(t)
	assert.Contains(t, cache.invalidated, "mgr")
	assert.Equal(t, 1, waker.wakes)
}

func TestActByToken_RunsSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.submit(t)

	publisher := &MockPublisher{}
	publisher.On("PublishTransition", mock.Anything, mock.Anything).Return()
	cache := newMemoryCache()
	waker := &countingWaker{}
	svc := NewApprovalService(h.repo, h.engine, h.dispatcher, Options{
		Logger: h.logger, Publisher: publisher, Cache: cache, Waker: waker,
	})

	outcome, err := svc.ActByToken(ctx, h.emailedToken(t, item.ID, "mo@example.com", models.ActionApprove), models.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, models.TransitionAdvanced, outcome.Transition)

	publisher.AssertNumberOfCalls(t, "PublishTransition", 1)
	assert.ElementsMatch(t, []string{"mgr", "cli"}, cache.invalidated)
	assert.Equal(t, 1, waker.wakes)

	// failures produce no side effects
	_, err = svc.ActByToken(ctx, "garbage", models.ActionApprove, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	publisher.AssertNumberOfCalls(t, "PublishTransition", 1)
	assert.Equal(t, 1, waker.wakes)
}

func TestBulkAct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.submit(t)
	second := h.submit(t)
	_, err := h.service.ActInApp(ctx, second.ID, "mgr", models.ActionReject, "duplicate")
	require.NoError(t, err)
	missing := uuid.New()

	results, err := h.service.BulkAct(ctx, "mgr", []uuid.UUID{first.ID, second.ID, missing, first.ID}, models.ActionApprove, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, first.ID, results[0].ItemID)
	assert.Equal(t, models.TransitionAdvanced, results[0].Outcome)
	assert.Empty(t, results[0].ErrorCode)

	assert.Equal(t, CodeAlreadyProcessed, results[1].ErrorCode)
	assert.Equal(t, CodeNotFound, results[2].ErrorCode)

	_, err = h.service.BulkAct(ctx, "mgr", nil, models.ActionApprove, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.service.BulkAct(ctx, "mgr", []uuid.UUID{first.ID}, models.ActionView, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGet_OnlyParticipantsSeeItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.submit(t)

	got, err := h.service.Get(ctx, item.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.Subject.Amount)

	got, err = h.service.Get(ctx, item.ID, "cli")
	require.NoError(t, err)
	assert.Nil(t, got.Subject.Amount)

	_, err = h.service.Get(ctx, item.ID, "mallory")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = h.service.Get(ctx, uuid.New(), "alice")
	assert.ErrorIs(t, err, ErrItemNotFound)

	history, err := h.service.History(ctx, item.ID, "mgr")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AuditEventCreated, history[0].EventType)

	_, err = h.service.History(ctx, item.ID, "mallory")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestListInbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.submit(t)
	h.submit(t)

	items, total, err := h.service.ListInbox(ctx, "mgr", "", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	_, err = h.service.ActInApp(ctx, first.ID, "mgr", models.ActionApprove, "")
	require.NoError(t, err)

	_, total, err = h.service.ListInbox(ctx, "mgr", models.StatusPending, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	_, total, err = h.service.ListInbox(ctx, "mgr", "all", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "acted-on items stay visible")

	items, total, err = h.service.ListInbox(ctx, "cli", "", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Nil(t, items[0].Subject.Amount)

	_, _, err = h.service.ListInbox(ctx, "mgr", "bogus", 20, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	submitted, total, err := h.service.ListSubmitted(ctx, "alice", "", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, submitted, 2)
}

func TestPendingCount_UsesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cache := newMemoryCache()
	svc := NewApprovalService(h.repo, h.engine, h.dispatcher, Options{Logger: h.logger, Cache: cache})

	item, err := svc.Submit(ctx, alice, validInput())
	require.NoError(t, err)

	count, err := svc.PendingCount(ctx, "mgr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	cached, ok := cache.GetPendingCount(ctx, "mgr")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cached)

	// a stale cached value is served until a transition invalidates it
	cache.SetPendingCount(ctx, "mgr", 7)
	count, err = svc.PendingCount(ctx, "mgr")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	_, err = svc.ActInApp(ctx, item.ID, "mgr", models.ActionApprove, "")
	require.NoError(t, err)
	count, err = svc.PendingCount(ctx, "mgr")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
