package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxy"
	"proxy-allocator/pkg/scheduler"
)

// Recorder persists allocations handed out over HTTP.
type Recorder interface {
	InsertAllocation(ctx context.Context, allocation *models.Allocation) error
}

type Handler struct {
	scheduler scheduler.Scheduler
	recorder  Recorder
	logger    *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter exposes the scheduler to drivers that run out of process. An
// empty apiKey disables authentication.
func NewRouter(s scheduler.Scheduler, recorder Recorder, apiKey string, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{scheduler: s, recorder: recorder, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1", authMiddleware(apiKey))
	v1.POST("/proxy/next", h.next)
	v1.GET("/continue", h.shouldContinue)
	v1.GET("/stats", h.stats)
	v1.POST("/reset", h.reset)
	return router
}

func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header || token != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid API key"})
			return
		}
		c.Next()
	}
}

// next answers 204 when the pool is exhausted.
func (h *Handler) next(c *gin.Context) {
	ctx := c.Request.Context()
	allocation, err := h.scheduler.Next(ctx)
	switch {
	case errors.Is(err, scheduler.ErrExhausted):
		c.Status(http.StatusNoContent)
		return
	case errors.Is(err, proxy.ErrPinnedUnavailable), errors.Is(err, proxy.ErrUnknownProxy):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.logger.Error("Allocation failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if h.recorder != nil {
		if err := h.recorder.InsertAllocation(ctx, allocation); err != nil {
			h.logger.Error("Failed to save allocation", "error", err, "label", allocation.Label)
		}
	}
	c.JSON(http.StatusOK, allocation)
}

func (h *Handler) shouldContinue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"continue": h.scheduler.ShouldContinue(c.Request.Context())})
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stats())
}

// reset starts a new batch, or only a new cycle with ?scope=cycle.
func (h *Handler) reset(c *gin.Context) {
	switch scope := c.DefaultQuery("scope", "batch"); scope {
	case "batch":
		h.scheduler.Reset()
	case "cycle":
		h.scheduler.ResetCycle()
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown scope: " + scope})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": h.scheduler.BatchID()})
}
