package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/reviewradar/internal/budget"
	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/labeling/orchestrator"
)

// BatchProcessor labels one page of a batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID int64, limit int) (*orchestrator.BatchResult, error)
}

// ProgressReader reports per-status counts for a batch.
type ProgressReader interface {
	Progress(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error)
	CompletionRate(ctx context.Context, batchID int64) (float64, error)
}

// UsageReader reports budget usage.
type UsageReader interface {
	Usage() budget.Usage
}

// Check is a named dependency probe for /health.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps groups what the handler reads from.
type Deps struct {
	Processor BatchProcessor
	Progress  ProgressReader
	Budget    UsageReader
	Queue     storage.HumanQueue
	Checks    []Check
	// MaxLimit caps ?limit on process requests.
	MaxLimit int
}

// Handler handles HTTP requests
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxLimit <= 0 {
		deps.MaxLimit = 500
	}
	return &Handler{deps: deps, logger: logger.With("component", "api")}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/budget", h.Budget)
		api.GET("/batches/:id/progress", h.BatchProgress)
		api.POST("/batches/:id/process", h.ProcessBatch)
		api.GET("/human-queue", h.HumanQueue)
	}
}

// Health runs every check; any failure reports critical.
func (h *Handler) Health(c *gin.Context) {
	failed := gin.H{}
	for _, chk := range h.deps.Checks {
		if err := chk.Probe(c.Request.Context()); err != nil {
			failed[chk.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "critical", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Budget returns today's spend against the daily budget
func (h *Handler) Budget(c *gin.Context) {
	if h.deps.Budget == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "budget tracking disabled"})
		return
	}
	c.JSON(http.StatusOK, h.deps.Budget.Usage())
}

// BatchProgress returns label status counts for a batch
func (h *Handler) BatchProgress(c *gin.Context) {
	batchID, ok := batchParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	counts, err := h.deps.Progress.Progress(ctx, batchID)
	if err != nil {
		h.fail(c, "Failed to read progress", err)
		return
	}
	rate, err := h.deps.Progress.CompletionRate(ctx, batchID)
	if err != nil {
		h.fail(c, "Failed to read completion rate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":        batchID,
		"counts":          counts,
		"completion_rate": rate,
	})
}

// ProcessBatch labels up to ?limit pending reviews of a batch synchronously
func (h *Handler) ProcessBatch(c *gin.Context) {
	batchID, ok := batchParam(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > h.deps.MaxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(h.deps.MaxLimit)})
		return
	}

	res, err := h.deps.Processor.ProcessBatch(c.Request.Context(), batchID, limit)
	if err != nil {
		h.fail(c, "Failed to process batch", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HumanQueue lists reviews waiting for manual labeling
func (h *Handler) HumanQueue(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	ctx := c.Request.Context()
	items, err := h.deps.Queue.List(ctx, limit)
	if err != nil {
		h.fail(c, "Failed to list human queue", err)
		return
	}
	total, err := h.deps.Queue.Len(ctx)
	if err != nil {
		h.fail(c, "Failed to count human queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func batchParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error(msg, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
