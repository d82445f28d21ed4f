package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chxlky/boardhooks/internal/automations"
	"github.com/chxlky/boardhooks/internal/dispatcher"
	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/maintenance"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/chxlky/boardhooks/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) (dispatcher.Outcome, error)
}

// Processor handles one raw webhook body.
type Processor interface {
	Handle(ctx context.Context, body map[string]any) error
}

type DocumentsPreviewer interface {
	Preview(ctx context.Context, itemID string) (*automations.DocumentsReport, error)
}

type Archiver interface {
	Run(ctx context.Context) (maintenance.ArchiveReport, error)
	DryRun() bool
}

type GroupCloser interface {
	Close(ctx context.Context, req maintenance.CloseRequest) (maintenance.CloseReport, error)
}

type Tasks interface {
	List(ctx context.Context, limit int) ([]models.ScheduledTask, error)
	Cancel(ctx context.Context, id string) error
}

type Runs interface {
	Recent(ctx context.Context, itemID string, limit int) ([]models.AutomationRun, error)
}

// Handler serves the webhook routes. Platform deliveries are acknowledged
// immediately and processed in the background, at most cap(Workers) at a
// time.
type Handler struct {
	BootID string

	Dispatcher  Dispatcher
	Documents   Processor
	Preview     DocumentsPreviewer
	ParentLabel Processor
	OwnerNotify Processor
	Archiver    Archiver
	GroupCloser GroupCloser
	Tasks       Tasks
	Runs        Runs

	Workers    chan struct{}
	JobTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

// Routes registers every endpoint. Optional collaborators left nil leave
// their routes unregistered.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/", h.RootHandler)
	r.GET("/webhook", h.WebhookStatusHandler)
	r.GET("/health", h.HealthCheckHandler)

	r.POST("/webhook", h.StatusWebhookHandler)
	if h.Documents != nil {
		r.POST("/webhook/documents", h.processorHandler("documents", h.Documents))
	}
	if h.ParentLabel != nil {
		r.POST("/webhook/doc-externo", h.processorHandler("doc-externo", h.ParentLabel))
	}
	if h.OwnerNotify != nil {
		r.POST("/webhook/owner", h.processorHandler("owner-notify", h.OwnerNotify))
	}
	if h.Preview != nil {
		r.POST("/test-documentos", h.PreviewDocumentsHandler)
	}
	if h.Archiver != nil {
		r.POST("/archive", h.ArchiveHandler)
	}
	if h.GroupCloser != nil {
		r.POST("/bulk/close-subitems", h.CloseSubitemsHandler)
	}
	if h.Tasks != nil {
		r.GET("/tasks", h.ListTasksHandler)
		r.DELETE("/tasks/:id", h.CancelTaskHandler)
	}
	if h.Runs != nil {
		r.GET("/runs", h.ListRunsHandler)
	}
}

func (h *Handler) RootHandler(c *gin.Context) {
	c.String(http.StatusOK, "Server running, BOOT_ID: %s", h.BootID)
}

func (h *Handler) WebhookStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"now":     time.Now().UTC().Format(time.RFC3339),
		"boot_id": h.BootID,
		"message": "Webhook endpoint is up",
	})
}

func (h *Handler) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "boot": h.BootID})
}

// readBody decodes the webhook body and answers the platform's challenge.
// It returns false when the request has been fully answered.
func (h *Handler) readBody(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		zap.L().Warn("Could not bind webhook payload, ignoring", zap.Error(err))
		h.ack(c)
		return nil, false
	}
	if challenge, ok := body["challenge"]; ok && challenge != nil {
		zap.L().Info("Challenge received")
		c.JSON(http.StatusOK, gin.H{"challenge": challenge})
		return nil, false
	}
	return body, true
}

func (h *Handler) ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "boot": h.BootID})
}

func (h *Handler) StatusWebhookHandler(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	h.ack(c)

	ev := event.Normalize(body)
	if !ev.Actionable() {
		zap.L().Debug("Event has no item id or status, ignoring", zap.String("type", ev.Type))
		return
	}
	h.Go("status", h.JobTimeout, func(ctx context.Context) error {
		out, err := h.Dispatcher.Dispatch(ctx, ev)
		if err != nil {
			return err
		}
		if out.IsIgnored() {
			zap.L().Debug("Event ignored", zap.String("itemID", out.ItemID), zap.String("reason", out.Ignored))
		}
		return nil
	})
}

func (h *Handler) processorHandler(name string, p Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := h.readBody(c)
		if !ok {
			return
		}
		h.ack(c)
		h.Go(name, h.JobTimeout, func(ctx context.Context) error {
			return p.Handle(ctx, body)
		})
	}
}

func (h *Handler) PreviewDocumentsHandler(c *gin.Context) {
	var req struct {
		ItemID any `json:"itemId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "itemId is required"})
		return
	}
	report, err := h.Preview.Preview(c.Request.Context(), cast.ToString(req.ItemID))
	if err != nil {
		zap.L().Error("Documents preview failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ArchiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"boot":    h.BootID,
		"dryRun":  h.Archiver.DryRun(),
		"started": time.Now().UTC().Format(time.RFC3339),
	})
	h.Go("archive", 0, func(ctx context.Context) error {
		_, err := h.Archiver.Run(ctx)
		return err
	})
}

func (h *Handler) CloseSubitemsHandler(c *gin.Context) {
	var req maintenance.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "boot": h.BootID, "groupId": req.GroupID})
	h.Go("close-subitems", 0, func(ctx context.Context) error {
		_, err := h.GroupCloser.Close(ctx, req)
		return err
	})
}

func limitParam(c *gin.Context) int {
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return limit
}

func (h *Handler) ListTasksHandler(c *gin.Context) {
	tasks, err := h.Tasks.List(c.Request.Context(), limitParam(c))
	if err != nil {
		zap.L().Error("Failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) CancelTaskHandler(c *gin.Context) {
	id := c.Param("id")
	err := h.Tasks.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cancelled": id})
	case errors.Is(err, scheduler.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		zap.L().Error("Failed to cancel task", zap.String("taskID", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel task"})
	}
}

func (h *Handler) ListRunsHandler(c *gin.Context) {
	runs, err := h.Runs.Recent(c.Request.Context(), c.Query("item"), limitParam(c))
	if err != nil {
		zap.L().Error("Failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Go runs fn in the background once a worker slot is free. A zero timeout
// means no deadline. Jobs submitted after Shutdown are dropped.
func (h *Handler) Go(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		zap.L().Warn("Shutting down, job dropped", zap.String("job", name))
		return
	}
	h.wg.Go(func() {
		if h.Workers != nil {
			h.Workers <- struct{}{}
			defer func() { <-h.Workers }()
		}
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			zap.L().Error("Background job failed", zap.String("job", name), zap.Error(err))
		}
	})
}

// Shutdown stops accepting jobs and waits for running ones until ctx ends.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := h.wg.WaitAndRecover(); r != nil {
			zap.L().Error("Background job panicked", zap.String("panic", fmt.Sprint(r.Value)))
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background jobs: %w", ctx.Err())
	}
}
