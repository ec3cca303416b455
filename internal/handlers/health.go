package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ConsistencyReporter exposes the count of transitions that failed after
// touching state
type ConsistencyReporter interface {
	ConsistencyFailures() int64
}

// OutboxStats summarizes the notification outbox
type OutboxStats interface {
	CountNotificationsByStatus(ctx context.Context) (map[string]int64, error)
}

// Pinger checks a backing store
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	engine ConsistencyReporter
	outbox OutboxStats
	db     Pinger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(engine ConsistencyReporter, outbox OutboxStats, db Pinger) *HealthHandler {
	return &HealthHandler{engine: engine, outbox: outbox, db: db}
}

// HealthCheck handles health check requests. A non-zero consistency failure
// count reports "degraded" so it shows up on dashboards without failing the
// liveness probe.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	resp := gin.H{"service": "timesheet-approval-service"}

	if h.engine != nil {
		failures := h.engine.ConsistencyFailures()
		resp["consistencyFailures"] = failures
		if failures > 0 {
			status = "degraded"
		}
	}

	if h.outbox != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if counts, err := h.outbox.CountNotificationsByStatus(ctx); err == nil {
			resp["outbox"] = counts
		}
	}

	resp["status"] = status
	c.JSON(http.StatusOK, resp)
}

// ReadinessCheck handles readiness check requests
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"service": "timesheet-approval-service",
				"error":   "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "timesheet-approval-service",
	})
}
