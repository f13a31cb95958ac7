package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
)

const (
	jobKeyPrefix   = "job:"
	pendingJobsKey = "pending_jobs"
	jobStatsKey    = "job_stats"
)

// Manager queue manager
type Manager struct {
	redis     *redis.Client
	jobs      sync.Map // in-memory cache of unfinished jobs
	callbacks []JobCallback
	mu        sync.RWMutex
	resultTTL time.Duration
	logger    *logrus.Logger
}

// NewManager creates a queue manager
func NewManager(cfg config.RedisConfig, resultTTL time.Duration) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewManagerWithClient(rdb, resultTTL)
}

// NewManagerWithClient creates a queue manager on an existing client
func NewManagerWithClient(rdb *redis.Client, resultTTL time.Duration) *Manager {
	return &Manager{
		redis:     rdb,
		callbacks: make([]JobCallback, 0),
		resultTTL: resultTTL,
		logger:    config.NewLogger(),
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Start recovers unfinished jobs from Redis
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting queue manager")
	return m.loadJobsFromRedis(ctx)
}

// Ping checks the Redis connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Close closes the Redis client
func (m *Manager) Close() error {
	return m.redis.Close()
}

// AddJob stores the job and appends it to the pending list
func (m *Manager) AddJob(ctx context.Context, job *Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), jobJSON, 0)
	pipe.LPush(ctx, pendingJobsKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add job to Redis: %w", err)
	}

	m.jobs.Store(job.ID, job.clone())

	m.logger.WithField("job_id", job.ID).Info("Job added to queue")
	return nil
}

// Pop blocks up to timeout for the oldest pending job. It returns nil, nil
// when nothing is pending or the popped job is no longer queued.
func (m *Manager) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := m.redis.BRPop(ctx, timeout, pendingJobsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop pending job: %w", err)
	}

	// result is [key, value]
	jobID := result[1]
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusInQueue {
		m.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"status": job.Status,
		}).Debug("Skipping job that is no longer queued")
		return nil, nil
	}
	return job, nil
}

// UpdateJob persists the job. Finished jobs expire after the result TTL and
// leave the in-memory cache.
func (m *Manager) UpdateJob(ctx context.Context, job *Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if job.IsTerminal() {
		pipe := m.redis.TxPipeline()
		pipe.Set(ctx, jobKey(job.ID), jobJSON, m.resultTTL)
		pipe.HIncrBy(ctx, jobStatsKey, string(job.Status), 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to update job in Redis: %w", err)
		}
		m.jobs.Delete(job.ID)
	} else {
		if err := m.redis.Set(ctx, jobKey(job.ID), jobJSON, 0).Err(); err != nil {
			return fmt.Errorf("failed to update job in Redis: %w", err)
		}
		m.jobs.Store(job.ID, job.clone())
	}

	m.mu.RLock()
	callbacks := make([]JobCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(job.clone())
	}

	m.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
	}).Info("Job updated")

	return nil
}

// GetJob gets job by ID
func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	// first search from memory cache
	if value, ok := m.jobs.Load(jobID); ok {
		return value.(*Job).clone(), nil
	}
	return m.loadJob(ctx, jobID)
}

func (m *Manager) loadJob(ctx context.Context, jobID string) (*Job, error) {
	jobJSON, err := m.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job from Redis: %w", err)
	}

	var job Job
	if err := json.Unmarshal(jobJSON, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if !job.IsTerminal() {
		m.jobs.Store(job.ID, job.clone())
	}
	return &job, nil
}

// CancelJob cancels a job that has not started yet
func (m *Manager) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusInQueue {
		return nil, fmt.Errorf("%w, current status: %s", ErrJobNotCancellable, job.Status)
	}

	// A job popped by the dispatcher is still IN_QUEUE until it is marked
	// started, so only a job actually removed from the pending list is cancelled.
	removed, err := m.redis.LRem(ctx, pendingJobsKey, 0, jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove job from pending list: %w", err)
	}
	if removed == 0 {
		return nil, fmt.Errorf("%w, job already dispatched", ErrJobNotCancellable)
	}

	job.MarkCancelled()
	if err := m.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// GetMetrics gets queue metrics
func (m *Manager) GetMetrics(ctx context.Context) (*QueueMetrics, error) {
	metrics := &QueueMetrics{}

	inQueue, err := m.redis.LLen(ctx, pendingJobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending list: %w", err)
	}
	metrics.InQueue = inQueue

	m.jobs.Range(func(key, value interface{}) bool {
		if value.(*Job).Status == JobStatusInProgress {
			metrics.InProgress++
		}
		return true
	})

	stats, err := m.redis.HGetAll(ctx, jobStatsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job stats: %w", err)
	}
	for status, count := range stats {
		var n int64
		if _, err := fmt.Sscan(count, &n); err != nil {
			continue
		}
		switch JobStatus(status) {
		case JobStatusCompleted:
			metrics.Completed = n
		case JobStatusFailed:
			metrics.Failed = n
		case JobStatusCancelled:
			metrics.Cancelled = n
		}
	}

	return metrics, nil
}

// AddCallback adds job status change callback
func (m *Manager) AddCallback(callback JobCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// loadJobsFromRedis caches unfinished jobs and requeues jobs that were in
// progress when the previous process stopped
func (m *Manager) loadJobsFromRedis(ctx context.Context) error {
	var (
		cursor    uint64
		count     int
		recovered int
	)

	for {
		keys, next, err := m.redis.Scan(ctx, cursor, jobKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to load jobs from Redis: %w", err)
		}

		for _, key := range keys {
			job, err := m.loadJob(ctx, strings.TrimPrefix(key, jobKeyPrefix))
			if err != nil {
				m.logger.WithError(err).WithField("key", key).Warn("Failed to load job")
				continue
			}
			if job.IsTerminal() {
				continue
			}
			count++

			if job.Status == JobStatusInProgress {
				job.Status = JobStatusInQueue
				job.StartedAt = nil
				job.UpdatedAt = time.Now()

				jobJSON, err := json.Marshal(job)
				if err != nil {
					continue
				}
				// RPUSH puts recovered jobs at the popping end
				pipe := m.redis.TxPipeline()
				pipe.Set(ctx, key, jobJSON, 0)
				pipe.RPush(ctx, pendingJobsKey, job.ID)
				if _, err := pipe.Exec(ctx); err != nil {
					return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
				}
				m.jobs.Store(job.ID, job.clone())
				recovered++

				m.logger.WithField("job_id", job.ID).Info("Recovered in-progress job, requeued")
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	m.logger.WithFields(logrus.Fields{
		"unfinished_jobs": count,
		"recovered_jobs":  recovered,
	}).Info("Loaded jobs from Redis")

	return nil
}
