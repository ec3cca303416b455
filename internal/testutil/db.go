// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
)

// NewDB opens a migrated in-memory SQLite database. The pool is capped at one
// connection because every new :memory: connection is a separate database;
// concurrent callers therefore queue behind each other's transactions.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(db))
	return db
}

// Item builds a pending item with the given chain of approver IDs
func Item(submitterID string, approverIDs ...string) *models.ApprovalItem {
	amount := 2400.0
	chain := make([]models.ApprovalChainEntry, 0, len(approverIDs))
	for i, id := range approverIDs {
		role := "manager"
		if i > 0 {
			role = "client"
		}
		chain = append(chain, models.ApprovalChainEntry{
			ID:    id,
			Name:  "Approver " + id,
			Email: id + "@example.com",
			Role:  role,
		})
	}

	item := &models.ApprovalItem{
		Subject: models.SubjectRef{
			TimesheetPeriodID: "period-" + submitterID,
			ProjectName:       "Atlas",
			PeriodStart:       time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:         time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
			Hours:             40,
			Amount:            &amount,
		},
		Submitter:        models.Party{ID: submitterID, Name: "Submitter " + submitterID, Email: submitterID + "@example.com"},
		Status:           models.StatusPending,
		Version:          1,
		ApprovalChain:    chain,
		CurrentStepIndex: 1,
	}
	if len(chain) > 0 {
		item.CurrentApproverID = chain[0].ID
	}
	return item
}
