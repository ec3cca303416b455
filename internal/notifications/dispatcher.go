// Package notifications decides who hears about a transition and queues the
// rendered emails in the outbox. Delivery itself happens in the outbox job.
package notifications

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/tokens"
)

// Notice is one planned message before tokens are minted or HTML rendered
type Notice struct {
	Kind      models.NotificationKind
	Recipient models.Party
	WithLinks bool
}

// Plan maps an outcome to the messages it triggers. It has no side effects.
//
//	submitted: current approver gets a request with links
//	advanced:  submitter hears who approved, the next approver gets a request
//	approved:  submitter only
//	rejected:  submitter only, with the reason
func Plan(o *models.Outcome) []Notice {
	if o == nil || o.Item == nil {
		return nil
	}
	item := o.Item
	submitter := item.Submitter

	switch o.Transition {
	case models.TransitionSubmitted:
		next, ok := item.CurrentApprover()
		if !ok {
			return nil
		}
		return []Notice{
			{Kind: models.NotificationApprovalRequested, Recipient: partyOf(next), WithLinks: true},
		}
	case models.TransitionAdvanced:
		notices := []Notice{
			{Kind: models.NotificationFirstApprovalGranted, Recipient: submitter},
		}
		if next, ok := item.CurrentApprover(); ok {
			notices = append(notices, Notice{Kind: models.NotificationApprovalRequested, Recipient: partyOf(next), WithLinks: true})
		}
		return notices
	case models.TransitionApproved:
		return []Notice{
			{Kind: models.NotificationFinalApprovalGranted, Recipient: submitter},
		}
	case models.TransitionRejected:
		return []Notice{
			{Kind: models.NotificationRejected, Recipient: submitter},
		}
	}
	return nil
}

func partyOf(e models.ApprovalChainEntry) models.Party {
	return models.Party{ID: e.ID, Name: e.Name, Email: e.Email}
}

// Dispatcher turns planned notices into outbox rows
type Dispatcher struct {
	tokens   *tokens.Service
	baseURL  string
	renderer *renderer
	clock    func() time.Time
	logger   *logrus.Entry
}

// NewDispatcher creates a dispatcher that builds deep links against baseURL
func NewDispatcher(tokenService *tokens.Service, baseURL string, logger *logrus.Logger) (*Dispatcher, error) {
	r, err := newRenderer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		tokens:   tokenService,
		baseURL:  strings.TrimRight(baseURL, "/"),
		renderer: r,
		clock:    time.Now,
		logger:   logger.WithField("component", "notification_dispatcher"),
	}, nil
}

// SetClock overrides the time source
func (d *Dispatcher) SetClock(clock func() time.Time) {
	d.clock = clock
}

// Dispatch plans, mints fresh tokens for every approval request and queues the
// rendered messages through repo. Callers pass their transaction repository so
// the rows commit with the transition that caused them.
func (d *Dispatcher) Dispatch(ctx context.Context, repo repository.ApprovalRepositoryInterface, o *models.Outcome) ([]models.NotificationOutbox, error) {
	notices := Plan(o)
	if len(notices) == 0 {
		return nil, nil
	}

	now := d.clock().UTC()
	var issued []models.ApprovalToken
	rows := make([]models.NotificationOutbox, 0, len(notices))

	for _, n := range notices {
		if n.Recipient.Email == "" {
			d.logger.WithFields(logrus.Fields{
				"itemID":      o.Item.ID,
				"recipientID": n.Recipient.ID,
				"kind":        n.Kind,
			}).Warn("Skipping notification, recipient has no email")
			continue
		}

		data := d.templateData(o, n)
		if n.WithLinks {
			links, records, err := d.mintLinks(o.Item.ID, n.Recipient.ID)
			if err != nil {
				return nil, err
			}
			data.Links = links
			issued = append(issued, records...)
		}

		subject, html, err := d.renderer.render(n.Kind, data)
		if err != nil {
			return nil, err
		}

		rows = append(rows, models.NotificationOutbox{
			ItemID:         o.Item.ID,
			Kind:           n.Kind,
			RecipientEmail: n.Recipient.Email,
			RecipientName:  n.Recipient.Name,
			Subject:        subject,
			HTML:           html,
			Status:         models.OutboxPending,
			NextAttemptAt:  now,
		})
	}

	if err := repo.SaveTokens(ctx, issued); err != nil {
		return nil, fmt.Errorf("save issued tokens: %w", err)
	}
	if err := repo.EnqueueNotifications(ctx, rows); err != nil {
		return nil, fmt.Errorf("enqueue notifications: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"itemID":  o.Item.ID,
		"outcome": o.Transition,
		"queued":  len(rows),
		"tokens":  len(issued),
	}).Info("Notifications queued")

	return rows, nil
}

// mintLinks issues a new approve, reject and view token for one approver.
// Every round gets new token ids, so links from an earlier email never
// carry over to a later step.
func (d *Dispatcher) mintLinks(itemID uuid.UUID, approverID string) (*ActionLinks, []models.ApprovalToken, error) {
	links := &ActionLinks{}
	records := make([]models.ApprovalToken, 0, 3)

	for _, action := range []models.Action{models.ActionApprove, models.ActionReject, models.ActionView} {
		encoded, payload, err := d.tokens.Issue(itemID, approverID, action, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("issue %s token: %w", action, err)
		}
		records = append(records, models.ApprovalToken{
			ID:             payload.ID,
			ApprovalItemID: payload.ApprovalItemID,
			ApproverID:     payload.ApproverID,
			Action:         payload.Action,
			IssuedAt:       payload.IssuedAt,
			ExpiresAt:      payload.ExpiresAt,
		})

		link := d.ActionURL(encoded, action)
		switch action {
		case models.ActionApprove:
			links.Approve = link
		case models.ActionReject:
			links.Reject = link
		case models.ActionView:
			links.View = link
		}
	}
	return links, records, nil
}

// ActionURL builds the landing page link for a token
func (d *Dispatcher) ActionURL(encodedToken string, action models.Action) string {
	q := url.Values{}
	q.Set("token", encodedToken)
	q.Set("action", string(action))
	return d.baseURL + "/approvals/action?" + q.Encode()
}

func (d *Dispatcher) templateData(o *models.Outcome, n Notice) templateData {
	view := o.Item.ViewFor(n.Recipient.ID)
	data := templateData{
		RecipientName: n.Recipient.Name,
		SubmitterName: o.Item.Submitter.Name,
		ProjectName:   view.Subject.ProjectName,
		Period:        view.Subject.PeriodLabel(),
		Hours:         formatHours(view.Subject.Hours),
		Amount:        formatAmount(view.Subject.Amount),
		Step:          o.Item.CurrentStepIndex,
		StepCount:     o.Item.StepCount(),
		Reason:        o.Reason,
		ActionTTL:     humanDuration(d.tokens.TTLFor(models.ActionApprove)),
	}
	if data.RecipientName == "" {
		data.RecipientName = n.Recipient.Email
	}
	if acted, ok := o.ActedBy(); ok {
		data.ActedByName = acted.Name
		data.ActedByRole = acted.Role
	}
	if next, ok := o.Item.CurrentApprover(); ok && !o.Item.IsTerminal() {
		data.NextApproverName = next.Name
	}
	return data
}

func humanDuration(d time.Duration) string {
	hours := int(d.Hours())
	if hours%24 == 0 && hours >= 24 {
		days := hours / 24
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return fmt.Sprintf("%d hours", hours)
}
