package seeders

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/services"
)

// Submitter is the slice of the approval service the seeder drives
type Submitter interface {
	Submit(ctx context.Context, submitter models.Party, input services.SubmitInput) (*models.ApprovalItem, error)
	ListSubmitted(ctx context.Context, submitterID, status string, limit, offset int) ([]models.ApprovalItem, int64, error)
}

// DemoSubmitter owns every seeded timesheet
var DemoSubmitter = models.Party{ID: "demo-alice", Name: "Alice Demo", Email: "alice@demo.local"}

var (
	demoManager = models.ApprovalChainEntry{ID: "demo-manager", Name: "Mo Manager", Email: "manager@demo.local", Role: "manager"}
	demoClient  = models.ApprovalChainEntry{ID: "demo-client", Name: "Cy Client", Email: "client@demo.local", Role: "client", HideAmount: true}
)

// SeedDemoTimesheets submits a few timesheets for local runs so the inbox and
// email links have something to show. It does nothing when the demo
// submitter already has items. weekStart is the Monday of the newest week.
func SeedDemoTimesheets(ctx context.Context, svc Submitter, weekStart time.Time, logger *logrus.Logger) (int, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "seeder")

	_, existing, err := svc.ListSubmitted(ctx, DemoSubmitter.ID, "all", 1, 0)
	if err != nil {
		return 0, fmt.Errorf("check existing demo data: %w", err)
	}
	if existing > 0 {
		log.Infof("Demo data present (%d items), skipping", existing)
		return 0, nil
	}

	weekStart = weekStart.UTC().Truncate(24 * time.Hour)
	inputs := []services.SubmitInput{
		demoWeek("Atlas", weekStart, 40, 3200, demoManager, demoClient),
		demoWeek("Atlas", weekStart.AddDate(0, 0, -7), 38.5, 3080, demoManager, demoClient),
		demoWeek("Internal tooling", weekStart, 6, 0, demoManager),
	}

	for _, input := range inputs {
		item, err := svc.Submit(ctx, DemoSubmitter, input)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", input.TimesheetPeriodID, err)
		}
		log.WithField("itemID", item.ID).Infof("Seeded timesheet %s", input.TimesheetPeriodID)
	}
	return len(inputs), nil
}

func demoWeek(project string, start time.Time, hours, amount float64, chain ...models.ApprovalChainEntry) services.SubmitInput {
	input := services.SubmitInput{
		TimesheetPeriodID: fmt.Sprintf("demo-%s-%s", start.Format("2006-01-02"), slug(project)),
		ProjectName:       project,
		PeriodStart:       start,
		PeriodEnd:         start.AddDate(0, 0, 6),
		Hours:             hours,
		ApprovalChain:     chain,
	}
	if amount > 0 {
		input.Amount = &amount
	}
	return input
}

func slug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
