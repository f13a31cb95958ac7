package api

import (
	"time"

	"comfyrunner/internal/dispatcher"
	"comfyrunner/internal/queue"
)

// RunRequest run request. An empty input is a liveness check.
type RunRequest struct {
	Input map[string]interface{} `json:"input"`
}

// JobResponse job response
type JobResponse struct {
	ID              string                 `json:"id"`
	Status          string                 `json:"status"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DelayTimeMs     int64                  `json:"delay_time_ms,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms,omitempty"`
}

// MetricsResponse queue metrics response
type MetricsResponse struct {
	Queue      *queue.QueueMetrics           `json:"queue"`
	Dispatcher *dispatcher.DispatcherMetrics `json:"dispatcher,omitempty"`
}

func newJobResponse(job *queue.Job) JobResponse {
	resp := JobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		Output:      job.Output,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil {
		resp.DelayTimeMs = job.StartedAt.Sub(job.CreatedAt).Milliseconds()
		if job.CompletedAt != nil {
			resp.ExecutionTimeMs = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		}
	}
	return resp
}
