package ipc

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
)

// StatusProvider reports the state of the desktop process.
type StatusProvider interface {
	Status(ctx context.Context) (any, error)
}

// Aborter cancels a running backup on behalf of the user.
type Aborter interface {
	AbortBackup(id config.ConfigID) bool
}

// ScheduledBackupRequest is the body of POST /v1/StartScheduledBackup.
type ScheduledBackupRequest struct {
	ConfigID config.ConfigID    `json:"config_id" binding:"required"`
	DueCause *schedule.DueCause `json:"due_cause" binding:"required"`
}

// BackupRequest is the body of POST /v1/StartBackup and POST /v1/ShowSchedule.
type BackupRequest struct {
	ConfigID config.ConfigID `json:"config_id" binding:"required"`
}

// AbortResponse is returned by POST /v1/AbortBackup. Aborted is false when
// no backup was running for the configuration.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// AcceptedResponse is returned once a request has been handed to the queue.
type AcceptedResponse struct {
	Status string `json:"status"`
}

var accepted = AcceptedResponse{Status: "accepted"}

// Handlers serves the remote API.
type Handlers struct {
	service *Service
	status  StatusProvider
	aborter Aborter
	metrics http.Handler
	logger  zerolog.Logger
}

// NewHandlers creates the API handlers. status, aborter and metricsHandler
// may be nil.
func NewHandlers(service *Service, status StatusProvider, aborter Aborter, metricsHandler http.Handler, logger zerolog.Logger) *Handlers {
	return &Handlers{
		service: service,
		status:  status,
		aborter: aborter,
		metrics: metricsHandler,
		logger:  logger.With().Str("component", "ipc_handlers").Logger(),
	}
}

// RegisterRoutes registers the API routes.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	{
		v1.POST("/StartScheduledBackup", h.StartScheduledBackup)
		v1.POST("/StartBackup", h.StartBackup)
		v1.POST("/ShowOverview", h.ShowOverview)
		v1.POST("/ShowSchedule", h.ShowSchedule)
		v1.POST("/AbortBackup", h.AbortBackup)
		v1.GET("/status", h.Status)
	}
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// StartScheduledBackup queues a scheduled backup.
// POST /v1/StartScheduledBackup
func (h *Handlers) StartScheduledBackup(c *gin.Context) {
	var req ScheduledBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug().Err(err).Msg("invalid scheduled backup request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.service.StartScheduledBackup(req.ConfigID, *req.DueCause)
	c.JSON(http.StatusAccepted, accepted)
}

// StartBackup queues a backup.
// POST /v1/StartBackup
func (h *Handlers) StartBackup(c *gin.Context) {
	var req BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug().Err(err).Msg("invalid backup request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.service.StartBackup(req.ConfigID)
	c.JSON(http.StatusAccepted, accepted)
}

// ShowOverview queues showing the overview.
// POST /v1/ShowOverview
func (h *Handlers) ShowOverview(c *gin.Context) {
	h.service.ShowOverview()
	c.JSON(http.StatusAccepted, accepted)
}

// ShowSchedule queues showing a schedule.
// POST /v1/ShowSchedule
func (h *Handlers) ShowSchedule(c *gin.Context) {
	var req BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug().Err(err).Msg("invalid show schedule request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.service.ShowSchedule(req.ConfigID)
	c.JSON(http.StatusAccepted, accepted)
}

// AbortBackup cancels a running backup. It acts immediately instead of
// going through the command queue, and the canceled run is not presented.
// POST /v1/AbortBackup
func (h *Handlers) AbortBackup(c *gin.Context) {
	if h.aborter == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "abort not available"})
		return
	}
	var req BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug().Err(err).Msg("invalid abort request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	aborted := h.aborter.AbortBackup(req.ConfigID)
	h.logger.Info().Str("config_id", string(req.ConfigID)).Bool("aborted", aborted).Msg("abort requested")
	c.JSON(http.StatusOK, AbortResponse{Aborted: aborted})
}

// Status returns the state of the desktop process.
// GET /v1/status
func (h *Handlers) Status(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status not available"})
		return
	}
	status, err := h.status.Status(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to collect status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect status"})
		return
	}
	c.JSON(http.StatusOK, status)
}
