package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mixelka/mailingest/internal/ingest"
	"github.com/mixelka/mailingest/pkg/models"
)

// UserSyncer runs a manual sync for one user
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) (*ingest.SyncRun, error)
}

// StateProvider exposes the scheduler state
type StateProvider interface {
	State() ingest.ScheduleState
}

// SyncStateReader reads per-account sync bookkeeping
type SyncStateReader interface {
	GetSyncState(ctx context.Context, userID string) (*models.SyncState, error)
}

// TokenVerifier resolves a bearer token to a user id
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Deps dependencies for creating the router
type Deps struct {
	Syncer    UserSyncer
	Scheduler StateProvider
	States    SyncStateReader
	Verifier  TokenVerifier
	Logger    *slog.Logger
	// SyncTimeout bounds a manual sync request
	SyncTimeout time.Duration
}

// NewRouter creates the HTTP trigger surface
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger.With("component", "api")

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := NewSyncHandler(deps.Syncer, deps.Scheduler, deps.States, deps.SyncTimeout, logger)

	api := router.Group("/api")
	api.GET("/health", h.Health)

	authed := api.Group("")
	authed.Use(AuthMiddleware(deps.Verifier))
	authed.GET("/sync/status", h.Status)
	authed.POST("/sync", h.Sync)

	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
