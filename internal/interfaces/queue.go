package interfaces

import (
	"context"
	"time"

	"comfyrunner/internal/queue"
)

// QueueManager queue manager interface
type QueueManager interface {
	// Start recovers unfinished jobs
	Start(ctx context.Context) error

	// Ping checks the backing store
	Ping(ctx context.Context) error

	// AddJob adds a job to the queue
	AddJob(ctx context.Context, job *queue.Job) error

	// Pop waits up to timeout for the next queued job
	Pop(ctx context.Context, timeout time.Duration) (*queue.Job, error)

	// UpdateJob persists job status
	UpdateJob(ctx context.Context, job *queue.Job) error

	// GetJob gets job by ID
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)

	// CancelJob cancels a queued job
	CancelJob(ctx context.Context, jobID string) (*queue.Job, error)

	// GetMetrics gets queue metrics
	GetMetrics(ctx context.Context) (*queue.QueueMetrics, error)

	// AddCallback adds job status change callback
	AddCallback(callback queue.JobCallback)
}
