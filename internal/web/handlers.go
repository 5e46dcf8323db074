package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/tracsync/internal/activity"
	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/health"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/orgsync"
	"github.com/macjediwizard/tracsync/internal/reconcile"
)

// Syncer starts manual passes and reports scheduling state.
// *scheduler.Scheduler satisfies it.
type Syncer interface {
	Trigger(orgID string, family reconcile.Family, full bool) error
	HasJob(orgID string) bool
	Failures(orgID string) int
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db        *db.DB
	scheduler Syncer
	status    orgsync.StatusReader
	tracker   *activity.Tracker
	health    *health.Checker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	database *db.DB,
	sched Syncer,
	status orgsync.StatusReader,
	tracker *activity.Tracker,
	healthChecker *health.Checker,
) *Handlers {
	return &Handlers{
		db:        database,
		scheduler: sched,
		status:    status,
		tracker:   tracker,
		health:    healthChecker,
	}
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	report := h.health.Liveness()
	c.JSON(http.StatusOK, report)
}

// Readiness checks all dependencies. A degraded service is still ready.
func (h *Handlers) Readiness(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// loadOrg fetches the org named by the :id parameter, answering 404 or 500
// itself when it cannot.
func (h *Handlers) loadOrg(c *gin.Context) (*db.Org, bool) {
	org, err := h.db.GetOrg(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Org not found")
		return nil, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load org"))
		return nil, false
	}
	return org, true
}

// sanitizeError returns a client-safe message. The underlying error is only
// logged.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		logger.Error().Err(err).Msg(userMessage)
	}
	return userMessage
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
