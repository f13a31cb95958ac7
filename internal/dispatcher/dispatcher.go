package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
	"comfyrunner/internal/interfaces"
	"comfyrunner/internal/queue"
	"comfyrunner/internal/runner"
)

// JobRunner runs one job and always returns a response
type JobRunner interface {
	Handle(ctx context.Context, job *runner.Job) *runner.Response
}

// Dispatcher job dispatcher. It runs exactly one job at a time.
type Dispatcher struct {
	queueManager interfaces.QueueManager
	runner       JobRunner
	logger       *logrus.Logger

	// currently running job
	mu         sync.RWMutex
	current    *JobExecution
	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64

	// configuration
	config DispatcherConfig
}

// DispatcherConfig dispatcher configuration
type DispatcherConfig struct {
	PopTimeout time.Duration // how long one BRPOP blocks
	RetryDelay time.Duration // backoff after a queue error
}

// JobExecution job execution information
type JobExecution struct {
	JobID     string    `json:"job_id"`
	StartTime time.Time `json:"start_time"`
}

// DispatcherMetrics dispatcher metrics
type DispatcherMetrics struct {
	Running         *JobExecution `json:"running,omitempty"`
	TotalDispatched int64         `json:"total_dispatched"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
}

// NewDispatcher creates a job dispatcher
func NewDispatcher(queueManager interfaces.QueueManager, jobRunner JobRunner) *Dispatcher {
	return NewDispatcherWithConfig(queueManager, jobRunner, DispatcherConfig{
		PopTimeout: 5 * time.Second,
		RetryDelay: 2 * time.Second,
	})
}

// NewDispatcherWithConfig creates a job dispatcher with explicit timings
func NewDispatcherWithConfig(queueManager interfaces.QueueManager, jobRunner JobRunner, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queueManager: queueManager,
		runner:       jobRunner,
		logger:       config.NewLogger(),
		config:       cfg,
	}
}

// Start runs the dispatch loop until ctx is done
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting job dispatcher")
	d.dispatchLoop(ctx)
	d.logger.Info("Job dispatcher stopped")
	return nil
}

// dispatchLoop job dispatch loop
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := d.queueManager.Pop(ctx, d.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.WithError(err).Error("Failed to get next job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.RetryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		d.dispatch(ctx, job)
	}
}

// dispatch runs one job and records the outcome
func (d *Dispatcher) dispatch(ctx context.Context, job *queue.Job) {
	log := d.logger.WithField("job_id", job.ID)

	job.MarkStarted()
	if err := d.queueManager.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to update job status")
	}

	d.setCurrent(&JobExecution{JobID: job.ID, StartTime: time.Now()})
	defer d.setCurrent(nil)
	d.dispatched.Add(1)

	log.Info("Job started")
	resp := d.run(ctx, job)

	if resp.Failed() {
		d.failed.Add(1)
		job.MarkFailed(resp.Error, resp.Map())
	} else {
		d.succeeded.Add(1)
		job.MarkCompleted(resp.Map())
	}

	// the outcome is recorded even when shutdown cancelled ctx mid-job
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.queueManager.UpdateJob(updateCtx, job); err != nil {
		log.WithError(err).Error("Failed to update job status")
		return
	}

	log.WithFields(logrus.Fields{
		"status":   job.Status,
		"duration": time.Since(*job.StartedAt),
	}).Info("Job finished")
}

// run calls the runner and converts a panic into a failed response
func (d *Dispatcher) run(ctx context.Context, job *queue.Job) (resp *runner.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("job_id", job.ID).WithField("panic", r).Error("Job runner panicked")
			resp = &runner.Response{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return d.runner.Handle(ctx, &runner.Job{ID: job.ID, Input: job.Input})
}

func (d *Dispatcher) setCurrent(execution *JobExecution) {
	d.mu.Lock()
	d.current = execution
	d.mu.Unlock()
}

// GetDispatcherMetrics gets dispatcher metrics
func (d *Dispatcher) GetDispatcherMetrics() DispatcherMetrics {
	d.mu.RLock()
	current := d.current
	d.mu.RUnlock()

	return DispatcherMetrics{
		Running:         current,
		TotalDispatched: d.dispatched.Load(),
		Succeeded:       d.succeeded.Load(),
		Failed:          d.failed.Load(),
	}
}
