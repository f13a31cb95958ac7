package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
	"comfyrunner/internal/dispatcher"
	"comfyrunner/internal/interfaces"
	"comfyrunner/internal/queue"
)

const readyTimeout = 5 * time.Second

// DispatcherStats exposes dispatcher metrics
type DispatcherStats interface {
	GetDispatcherMetrics() dispatcher.DispatcherMetrics
}

// Options handler options
type Options struct {
	APIKey    string
	JWTSecret string
	// RunSyncWait bounds how long /runsync waits for a terminal status
	RunSyncWait time.Duration
	// SyncPollInterval is how often /runsync rereads the job
	SyncPollInterval time.Duration
}

// Handler API handler
type Handler struct {
	queueManager interfaces.QueueManager
	comfyClient  interfaces.ComfyUIClient
	dispatcher   DispatcherStats
	opts         Options
	logger       *logrus.Logger
}

// NewHandler creates API handler
func NewHandler(queueManager interfaces.QueueManager, comfyClient interfaces.ComfyUIClient, dispatcher DispatcherStats, opts Options) *Handler {
	if opts.SyncPollInterval <= 0 {
		opts.SyncPollInterval = 250 * time.Millisecond
	}
	return &Handler{
		queueManager: queueManager,
		comfyClient:  comfyClient,
		dispatcher:   dispatcher,
		opts:         opts,
		logger:       config.NewLogger(),
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Job related routes
	jobs := r.Group("/", h.authorize)
	{
		jobs.POST("/run", h.run)
		jobs.POST("/runsync", h.runSync)
		jobs.GET("/status/:id", h.getStatus)
		jobs.POST("/cancel/:id", h.cancelJob)
		jobs.GET("/queue/metrics", h.getQueueMetrics)
	}

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
}

// enqueue validates the request and adds a new job
func (h *Handler) enqueue(c *gin.Context) (*queue.Job, bool) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	job := queue.NewJob(req.Input)
	if err := h.queueManager.AddJob(c.Request.Context(), job); err != nil {
		h.logger.WithError(err).Error("Failed to enqueue job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}

	h.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"caller": c.GetString(callerKey),
	}).Debug("Job accepted")
	return job, true
}

// run submits a job and returns immediately
func (h *Handler) run(c *gin.Context) {
	job, ok := h.enqueue(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     job.ID,
		"status": job.Status,
	})
}

// runSync submits a job and waits for it to finish or for RunSyncWait
func (h *Handler) runSync(c *gin.Context) {
	job, ok := h.enqueue(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RunSyncWait)
	defer cancel()

	ticker := time.NewTicker(h.opts.SyncPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.JSON(http.StatusOK, newJobResponse(job))
			return
		case <-ticker.C:
		}

		current, err := h.queueManager.GetJob(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		job = current
		if job.IsTerminal() {
			c.JSON(http.StatusOK, newJobResponse(job))
			return
		}
	}
}

// getStatus gets job details
func (h *Handler) getStatus(c *gin.Context) {
	job, err := h.queueManager.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// cancelJob cancels a queued job
func (h *Handler) cancelJob(c *gin.Context) {
	job, err := h.queueManager.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, queue.ErrJobNotCancellable):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// getQueueMetrics gets queue metrics
func (h *Handler) getQueueMetrics(c *gin.Context) {
	metrics, err := h.queueManager.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := MetricsResponse{Queue: metrics}
	if h.dispatcher != nil {
		dm := h.dispatcher.GetDispatcherMetrics()
		resp.Dispatcher = &dm
	}
	c.JSON(http.StatusOK, resp)
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck reports ready once both Redis and ComfyUI answer
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := h.queueManager.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "redis: " + err.Error()})
		return
	}
	if err := h.comfyClient.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "comfyui: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}
