package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mixelka/mailingest/internal/ingest"
)

// SyncHandler handles sync-related HTTP requests
type SyncHandler struct {
	syncer    UserSyncer
	scheduler StateProvider
	states    SyncStateReader
	timeout   time.Duration
	logger    *slog.Logger
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(syncer UserSyncer, scheduler StateProvider, states SyncStateReader, timeout time.Duration, logger *slog.Logger) *SyncHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &SyncHandler{
		syncer:    syncer,
		scheduler: scheduler,
		states:    states,
		timeout:   timeout,
		logger:    logger,
	}
}

// Health reports liveness
// GET /api/health
func (h *SyncHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AccountStatus is the caller's own sync bookkeeping
type AccountStatus struct {
	LastSyncAt *time.Time `json:"last_sync_at"`
	LastError  string     `json:"last_error,omitempty"`
	Paused     bool       `json:"paused"`
}

// Status returns the scheduler state and the caller's account status
// GET /api/sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	userID := c.GetString(userIDKey)

	resp := gin.H{"scheduler": h.scheduler.State()}

	if h.states != nil {
		state, err := h.states.GetSyncState(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("failed to load sync state", "account", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync state"})
			return
		}
		resp["account"] = AccountStatus{
			LastSyncAt: state.LastSyncAt,
			LastError:  state.LastError,
			Paused:     state.AuthFailedAt != nil,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Sync runs a sync of the caller's account and returns its summary
// POST /api/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	userID := c.GetString(userIDKey)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	run, err := h.syncer.SyncUser(ctx, userID)
	switch {
	case errors.Is(err, ingest.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no mail account configured"})
		return
	case errors.Is(err, ingest.ErrAccountIneligible):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "mail account settings are incomplete"})
		return
	case err != nil:
		h.logger.Error("manual sync failed", "account", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync could not be started"})
		return
	}

	status := http.StatusOK
	switch run.Outcome {
	case ingest.OutcomeFailed:
		status = http.StatusBadGateway
	case ingest.OutcomeStopped:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"run": run.Summary()})
}
