package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/models"
)

// Stream and subjects for approval events
const (
	StreamName = "APPROVALS"

	SubjectRequested = "approval.timesheet.requested"
	SubjectAdvanced  = "approval.timesheet.advanced"
	SubjectApproved  = "approval.timesheet.approved"
	SubjectRejected  = "approval.timesheet.rejected"
)

// ApprovalEvent is the payload published for every committed transition.
// Amounts are never included.
type ApprovalEvent struct {
	EventID           string    `json:"eventId"`
	EventType         string    `json:"eventType"`
	Timestamp         time.Time `json:"timestamp"`
	ItemID            string    `json:"itemId"`
	TimesheetPeriodID string    `json:"timesheetPeriodId"`
	ProjectName       string    `json:"projectName,omitempty"`
	SubmitterID       string    `json:"submitterId"`
	ActorID           string    `json:"actorId,omitempty"`
	Channel           string    `json:"channel,omitempty"`
	Status            string    `json:"status"`
	ActedStep         int       `json:"actedStep,omitempty"`
	CurrentStep       int       `json:"currentStep"`
	StepCount         int       `json:"stepCount"`
	CurrentApproverID string    `json:"currentApproverId,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// streamPublisher is the part of jetstream.JetStream the publisher needs
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes approval events to JetStream
type Publisher struct {
	nc      *nats.Conn
	js      streamPublisher
	timeout time.Duration
	logger  *logrus.Entry
}

// Connect dials NATS, makes sure the APPROVALS stream exists and returns a
// publisher bound to it
func Connect(ctx context.Context, url string, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	entry := logger.WithField("component", "approval-events")

	nc, err := nats.Connect(url,
		nats.Name("timesheet-approval-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			entry.WithError(err).Warn("Disconnected from NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"approval.timesheet.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		entry.WithError(err).Warn("Failed to ensure APPROVALS stream")
	}

	p := newPublisher(js, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(js streamPublisher, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		js:      js,
		timeout: 10 * time.Second,
		logger:  logger.WithField("component", "approval-events"),
	}
}

// Close drains the NATS connection
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
	}
}

// SubjectFor maps a transition to its subject
func SubjectFor(t models.Transition) (string, bool) {
	switch t {
	case models.TransitionSubmitted:
		return SubjectRequested, true
	case models.TransitionAdvanced:
		return SubjectAdvanced, true
	case models.TransitionApproved:
		return SubjectApproved, true
	case models.TransitionRejected:
		return SubjectRejected, true
	}
	return "", false
}

// NewApprovalEvent builds the event for an outcome
func NewApprovalEvent(o *models.Outcome) *ApprovalEvent {
	item := o.Item
	subject, _ := SubjectFor(o.Transition)
	return &ApprovalEvent{
		EventID:           uuid.New().String(),
		EventType:         subject,
		Timestamp:         time.Now().UTC(),
		ItemID:            item.ID.String(),
		TimesheetPeriodID: item.Subject.TimesheetPeriodID,
		ProjectName:       item.Subject.ProjectName,
		SubmitterID:       item.Submitter.ID,
		ActorID:           o.ActorID,
		Channel:           o.Channel,
		Status:            item.Status,
		ActedStep:         o.ActedStep,
		CurrentStep:       item.CurrentStepIndex,
		StepCount:         item.StepCount(),
		CurrentApproverID: item.CurrentApproverID,
		Reason:            o.Reason,
	}
}

// PublishTransition publishes the event for a committed transition in the
// background. Failures are logged; the transition is already durable.
func (p *Publisher) PublishTransition(ctx context.Context, o *models.Outcome) {
	if p == nil || p.js == nil || o == nil || o.Item == nil {
		return
	}
	subject, ok := SubjectFor(o.Transition)
	if !ok {
		return
	}
	event := NewApprovalEvent(o)

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		log := p.logger.WithFields(logrus.Fields{
			"eventType": event.EventType,
			"itemID":    event.ItemID,
		})
		if err := p.publish(pubCtx, subject, event); err != nil {
			log.WithError(err).Error("Failed to publish approval event")
			return
		}
		log.Info("Approval event published successfully")
	}()
}

func (p *Publisher) publish(ctx context.Context, subject string, event *ApprovalEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID))
	return err
}
