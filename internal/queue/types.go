package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus job status
type JobStatus string

const (
	JobStatusInQueue    JobStatus = "IN_QUEUE"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)

// Job job record
type Job struct {
	ID          string                 `json:"id"`
	Status      JobStatus              `json:"status"`
	Input       map[string]interface{} `json:"input"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewJob creates new job
func NewJob(input map[string]interface{}) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.New().String(),
		Status:    JobStatusInQueue,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the job will not change anymore
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// MarkStarted marks job as started
func (j *Job) MarkStarted() {
	j.Status = JobStatusInProgress
	now := time.Now()
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted marks job as completed
func (j *Job) MarkCompleted(output map[string]interface{}) {
	j.Status = JobStatusCompleted
	j.Output = output
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed marks job as failed. The handler response is kept as output so
// callers see details and traceback.
func (j *Job) MarkFailed(errorMsg string, output map[string]interface{}) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	j.Output = output
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled marks job as cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// clone returns a copy safe to hand out of the cache
func (j *Job) clone() *Job {
	cp := *j
	return &cp
}

// JobCallback job callback function type
type JobCallback func(*Job)

// QueueMetrics queue metrics
type QueueMetrics struct {
	InQueue    int64 `json:"in_queue"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}
