package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"timesheet-approval-service/internal/middleware"
	"timesheet-approval-service/internal/models"
	"timesheet-approval-service/internal/services"
)

// InboxService is what the queue API needs from the approval service
type InboxService interface {
	Submit(ctx context.Context, submitter models.Party, input services.SubmitInput) (*models.ApprovalItem, error)
	ActInApp(ctx context.Context, itemID uuid.UUID, actorID string, action models.Action, reason string) (*models.Outcome, error)
	BulkAct(ctx context.Context, actorID string, itemIDs []uuid.UUID, action models.Action, reason string) ([]services.BulkResult, error)
	Get(ctx context.Context, id uuid.UUID, viewerID string) (*models.ApprovalItem, error)
	History(ctx context.Context, id uuid.UUID, viewerID string) ([]models.ApprovalAuditLog, error)
	ListInbox(ctx context.Context, approverID, status string, limit, offset int) ([]models.ApprovalItem, int64, error)
	ListSubmitted(ctx context.Context, submitterID, status string, limit, offset int) ([]models.ApprovalItem, int64, error)
	PendingCount(ctx context.Context, approverID string) (int64, error)
}

// InboxHandler handles the authenticated approval queue
type InboxHandler struct {
	service InboxService
	logger  *logrus.Entry
}

// NewInboxHandler creates a new InboxHandler
func NewInboxHandler(service InboxService, logger *logrus.Logger) *InboxHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InboxHandler{service: service, logger: logger.WithField("component", "inbox_api")}
}

// RegisterRoutes mounts the queue API. rg must already carry the identity middleware.
func (h *InboxHandler) RegisterRoutes(rg *gin.RouterGroup) {
	approvals := rg.Group("/approvals")
	{
		approvals.POST("", h.Submit)
		approvals.GET("/pending", h.ListPending)
		approvals.GET("/pending/count", h.PendingCount)
		approvals.GET("/my-submissions", h.ListMySubmissions)
		approvals.POST("/bulk", h.Bulk)
		approvals.GET("/:id", h.Get)
		approvals.GET("/:id/history", h.History)
		approvals.POST("/:id/approve", h.Approve)
		approvals.POST("/:id/reject", h.Reject)
	}
}

// DecisionInput is the body of approve and reject
type DecisionInput struct {
	Reason string `json:"reason"`
}

// BulkInput is the body of a bulk action
type BulkInput struct {
	ItemIDs []uuid.UUID `json:"itemIds" binding:"required"`
	Action  string      `json:"action" binding:"required"`
	Reason  string      `json:"reason"`
}

// Submit creates an approval item for a timesheet period
// @Summary Submit a timesheet for approval
// @Tags Approvals
// @Accept json
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param request body services.SubmitInput true "Submission"
// @Success 201 {object} models.ApprovalItem
// @Failure 400 {object} map[string]interface{}
// @Router /api/v1/approvals [post]
func (h *InboxHandler) Submit(c *gin.Context) {
	var input services.SubmitInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": services.CodeValidation})
		return
	}

	submitter := models.Party{
		ID:    c.GetString(middleware.UserIDKey),
		Name:  c.GetString(middleware.UserNameKey),
		Email: c.GetString(middleware.UserEmailKey),
	}

	item, err := h.service.Submit(c.Request.Context(), submitter, input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    item,
		"message": "Timesheet submitted for approval",
	})
}

// ListPending lists the caller's approval queue
// @Summary List my approval queue
// @Tags Approvals
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param status query string false "pending (default), all, approved or rejected"
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/pending [get]
func (h *InboxHandler) ListPending(c *gin.Context) {
	limit, offset := paging(c)
	items, total, err := h.service.ListInbox(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Query("status"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// PendingCount returns how many items wait on the caller
// @Summary Count my pending approvals
// @Tags Approvals
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/pending/count [get]
func (h *InboxHandler) PendingCount(c *gin.Context) {
	count, err := h.service.PendingCount(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ListMySubmissions lists timesheets the caller submitted
// @Summary List my submissions
// @Tags Approvals
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param status query string false "Status filter"
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/my-submissions [get]
func (h *InboxHandler) ListMySubmissions(c *gin.Context) {
	limit, offset := paging(c)
	items, total, err := h.service.ListSubmitted(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Query("status"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get returns one item
// @Summary Get an approval item
// @Tags Approvals
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param id path string true "Item ID"
// @Success 200 {object} models.ApprovalItem
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/approvals/{id} [get]
func (h *InboxHandler) Get(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	item, err := h.service.Get(c.Request.Context(), id, c.GetString(middleware.UserIDKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// History returns the audit trail of one item
// @Summary Get approval history
// @Tags Approvals
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param id path string true "Item ID"
// @Success 200 {array} models.ApprovalAuditLog
// @Router /api/v1/approvals/{id}/history [get]
func (h *InboxHandler) History(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	history, err := h.service.History(c.Request.Context(), id, c.GetString(middleware.UserIDKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history})
}

// Approve approves the item at the caller's step
// @Summary Approve from the inbox
// @Tags Approvals
// @Accept json
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param id path string true "Item ID"
// @Success 200 {object} models.Outcome
// @Failure 403 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/approvals/{id}/approve [post]
func (h *InboxHandler) Approve(c *gin.Context) {
	h.decide(c, models.ActionApprove)
}

// Reject rejects the item at the caller's step
// @Summary Reject from the inbox
// @Tags Approvals
// @Accept json
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param id path string true "Item ID"
// @Param request body DecisionInput false "Reason"
// @Success 200 {object} models.Outcome
// @Failure 403 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/approvals/{id}/reject [post]
func (h *InboxHandler) Reject(c *gin.Context) {
	h.decide(c, models.ActionReject)
}

func (h *InboxHandler) decide(c *gin.Context, action models.Action) {
	id, ok := itemID(c)
	if !ok {
		return
	}

	var input DecisionInput
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": services.CodeValidation})
			return
		}
	}

	outcome, err := h.service.ActInApp(c.Request.Context(), id, c.GetString(middleware.UserIDKey), action, input.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// Bulk applies one action to several items
// @Summary Bulk approve or reject
// @Tags Approvals
// @Accept json
// @Produce json
// @Param X-User-ID header string true "Caller"
// @Param request body BulkInput true "Items and action"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/bulk [post]
func (h *InboxHandler) Bulk(c *gin.Context) {
	var input BulkInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": services.CodeValidation})
		return
	}
	action, ok := models.ParseAction(input.Action)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be approve or reject", "code": services.CodeValidation})
		return
	}

	results, err := h.service.BulkAct(c.Request.Context(), c.GetString(middleware.UserIDKey), input.ItemIDs, action, input.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	succeeded := 0
	for _, r := range results {
		if r.ErrorCode == "" {
			succeeded++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (h *InboxHandler) respondError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	status := http.StatusInternalServerError

	switch code {
	case services.CodeValidation, services.CodeInvalidToken:
		status = http.StatusBadRequest
	case services.CodeNotFound:
		status = http.StatusNotFound
	case services.CodeNotCurrentApprover:
		status = http.StatusForbidden
	case services.CodeAlreadyProcessed, services.CodeAlreadyUsed:
		status = http.StatusConflict
	case services.CodeExpired:
		status = http.StatusGone
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Inbox request failed")
		c.JSON(status, gin.H{"error": "An internal error occurred", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func itemID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id", "code": services.CodeValidation})
		return uuid.Nil, false
	}
	return id, true
}

func paging(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var (
	_ InboxService    = (*services.ApprovalService)(nil)
	_ DeepLinkService = (*services.ApprovalService)(nil)
)
