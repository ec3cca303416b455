package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/services"
	"timesheet-approval-service/internal/tokens"
)

// Landing page states. The page starts in StateValidating while the request
// is in flight; the server answers with one of the others.
const (
	StateValidating       = "validating"
	StateSuccess          = "success"
	StateExpired          = "expired"
	StateAlreadyProcessed = "already-processed"
	StateError            = "error"
)

// DeepLinkService is what the gateway needs from the approval service
type DeepLinkService interface {
	ActByToken(ctx context.Context, encodedToken string, action models.Action, reason string) (*models.Outcome, error)
	View(ctx context.Context, encodedToken string) (*models.ApprovalItem, *tokens.Payload, error)
}

// ActionRequest carries the deep-link parameters, from the query string or a body
type ActionRequest struct {
	Token  string `form:"token" json:"token"`
	Action string `form:"action" json:"action"`
	Reason string `form:"reason" json:"reason"`
}

// Summary is what the landing page shows about the timesheet
type Summary struct {
	ItemID           string   `json:"itemId"`
	SubmitterName    string   `json:"submitterName"`
	ProjectName      string   `json:"projectName,omitempty"`
	Period           string   `json:"period,omitempty"`
	Hours            float64  `json:"hours"`
	Amount           *float64 `json:"amount,omitempty"`
	Status           string   `json:"status"`
	Step             int      `json:"step"`
	StepCount        int      `json:"stepCount"`
	NextApproverName string   `json:"nextApproverName,omitempty"`
	RejectionReason  string   `json:"rejectionReason,omitempty"`
}

// ActionResponse is the terminal state of a deep-link request
type ActionResponse struct {
	State     string            `json:"state"`
	Outcome   models.Transition `json:"outcome,omitempty"`
	Summary   *Summary          `json:"summary,omitempty"`
	Message   string            `json:"message"`
	ErrorCode string            `json:"errorCode,omitempty"`
}

// DeepLinkHandler serves the emailed approve, reject and view links
type DeepLinkHandler struct {
	service DeepLinkService
	logger  *logrus.Entry
}

// NewDeepLinkHandler creates a new DeepLinkHandler
func NewDeepLinkHandler(service DeepLinkService, logger *logrus.Logger) *DeepLinkHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeepLinkHandler{service: service, logger: logger.WithField("component", "deeplink_gateway")}
}

// RegisterRoutes mounts the gateway. These routes carry their own credential
// in the token and sit outside the identity middleware.
func (h *DeepLinkHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/approvals/action", h.HandleAction)
	rg.POST("/approvals/action", h.HandleAction)
}

// HandleAction runs the action carried by a deep link
// @Summary Run an emailed approval link
// @Description Validates the token and approves, rejects or views the timesheet. No session is needed.
// @Tags DeepLinks
// @Accept json
// @Produce json
// @Param token query string true "Signed token from the email"
// @Param action query string false "approve, reject or view" default(approve)
// @Param reason query string false "Rejection reason"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ActionResponse
// @Failure 409 {object} ActionResponse
// @Failure 410 {object} ActionResponse
// @Router /api/v1/approvals/action [get]
// @Router /api/v1/approvals/action [post]
func (h *DeepLinkHandler) HandleAction(c *gin.Context) {
	var req ActionRequest
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&req); err != nil {
			h.respondError(c, services.ErrInvalidToken)
			return
		}
	}
	if req.Token == "" {
		req.Token = c.Query("token")
	}
	if req.Action == "" {
		req.Action = c.Query("action")
	}
	if req.Reason == "" {
		req.Reason = c.Query("reason")
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		h.respondError(c, services.ErrInvalidToken)
		return
	}

	action := models.ActionApprove
	if req.Action != "" {
		parsed, ok := models.ParseAction(strings.ToLower(req.Action))
		if !ok {
			h.respondError(c, services.ErrInvalidToken)
			return
		}
		action = parsed
	}

	ctx := c.Request.Context()
	if action == models.ActionView {
		item, payload, err := h.service.View(ctx, req.Token)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, ActionResponse{
			State:   StateSuccess,
			Summary: summarize(item, payload.ApproverID),
			Message: viewMessage(item),
		})
		return
	}

	outcome, err := h.service.ActByToken(ctx, req.Token, action, strings.TrimSpace(req.Reason))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ActionResponse{
		State:   StateSuccess,
		Outcome: outcome.Transition,
		Summary: summarize(outcome.Item, outcome.ActorID),
		Message: successMessage(outcome),
	})
}

func (h *DeepLinkHandler) respondError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	resp := ActionResponse{ErrorCode: code}
	status := http.StatusBadRequest

	switch {
	case errors.Is(err, services.ErrTokenExpired):
		status = http.StatusGone
		resp.State = StateExpired
		resp.Message = "This link has expired. Open your approvals inbox to act on this timesheet."
	case errors.Is(err, services.ErrTokenAlreadyUsed):
		status = http.StatusConflict
		resp.State = StateAlreadyProcessed
		resp.Message = "This link has already been used. No further action is needed."
	case errors.Is(err, services.ErrAlreadyProcessed):
		status = http.StatusConflict
		resp.State = StateAlreadyProcessed
		resp.Message = "This timesheet has already been processed. No further action is needed."
	case errors.Is(err, services.ErrInvalidToken):
		resp.State = StateError
		resp.Message = "This link is not valid. Open your approvals inbox to act on this timesheet."
	default:
		status = http.StatusInternalServerError
		resp.State = StateError
		resp.ErrorCode = services.CodeInternal
		resp.Message = "Something went wrong while processing this link. Please try again from your approvals inbox."
		h.logger.WithError(err).Error("Deep link action failed")
	}

	c.JSON(status, resp)
}

func summarize(item *models.ApprovalItem, viewerID string) *Summary {
	if item == nil {
		return nil
	}
	view := item.ViewFor(viewerID)
	s := &Summary{
		ItemID:          view.ID.String(),
		SubmitterName:   view.Submitter.Name,
		ProjectName:     view.Subject.ProjectName,
		Period:          view.Subject.PeriodLabel(),
		Hours:           view.Subject.Hours,
		Amount:          view.Subject.Amount,
		Status:          view.Status,
		Step:            view.CurrentStepIndex,
		StepCount:       view.StepCount(),
		RejectionReason: view.RejectionReason,
	}
	if s.SubmitterName == "" {
		s.SubmitterName = view.Submitter.Email
	}
	if next, ok := view.CurrentApprover(); ok && !view.IsTerminal() {
		s.NextApproverName = next.Name
	}
	return s
}

func successMessage(o *models.Outcome) string {
	switch o.Transition {
	case models.TransitionAdvanced:
		return "Approved. The timesheet has moved to the next approver."
	case models.TransitionApproved:
		return "Approved. The timesheet is now fully approved."
	case models.TransitionRejected:
		return "Rejected. The submitter has been notified."
	}
	return "Done."
}

func viewMessage(item *models.ApprovalItem) string {
	switch item.Status {
	case models.StatusApproved:
		return "This timesheet has been fully approved."
	case models.StatusRejected:
		return "This timesheet has been rejected."
	}
	return "This timesheet is waiting for approval."
}
