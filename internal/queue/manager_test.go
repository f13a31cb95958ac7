package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(rdb, 30*time.Minute)
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestAddAndPopFIFO(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := NewJob(map[string]interface{}{"n": 1})
	second := NewJob(map[string]interface{}{"n": 2})
	for _, job := range []*Job{first, second} {
		if err := m.AddJob(ctx, job); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}

	got, err := m.Pop(ctx, time.Second)
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("expected first job, got %+v %v", got, err)
	}
	if got.Input["n"] != float64(1) {
		t.Errorf("input did not round-trip: %v", got.Input)
	}
	got, err = m.Pop(ctx, time.Second)
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("expected second job, got %+v %v", got, err)
	}
}

func TestPopEmpty(t *testing.T) {
	m, _ := newTestManager(t)

	job, err := m.Pop(context.Background(), time.Second)
	if err != nil || job != nil {
		t.Errorf("expected nil, nil on empty queue, got %+v %v", job, err)
	}
}

func TestStatusTransitionsAndTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	job := NewJob(map[string]interface{}{})
	if err := m.AddJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	job.MarkStarted()
	if err := m.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != JobStatusInProgress || got.StartedAt == nil {
		t.Errorf("expected IN_PROGRESS with start time, got %+v", got)
	}
	if ttl := mr.TTL(jobKey(job.ID)); ttl != 0 {
		t.Errorf("unfinished jobs must not expire, ttl %s", ttl)
	}

	job.MarkCompleted(map[string]interface{}{"output": "abc"})
	if err := m.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetJob(ctx, job.ID)
	if err != nil || got.Status != JobStatusCompleted || got.Output["output"] != "abc" {
		t.Fatalf("unexpected completed job: %+v %v", got, err)
	}
	if ttl := mr.TTL(jobKey(job.ID)); ttl != 30*time.Minute {
		t.Errorf("expected result ttl, got %s", ttl)
	}

	mr.FastForward(31 * time.Minute)
	if _, err := m.GetJob(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected expired job to be gone, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	running := NewJob(nil)
	queued := NewJob(nil)
	for _, job := range []*Job{running, queued} {
		if err := m.AddJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	popped, _ := m.Pop(ctx, time.Second)
	popped.MarkStarted()
	if err := m.UpdateJob(ctx, popped); err != nil {
		t.Fatal(err)
	}

	cancelled, err := m.CancelJob(ctx, queued.ID)
	if err != nil || cancelled.Status != JobStatusCancelled {
		t.Fatalf("expected cancellation, got %+v %v", cancelled, err)
	}
	if _, err := m.CancelJob(ctx, running.ID); !errors.Is(err, ErrJobNotCancellable) {
		t.Errorf("in-progress jobs must not be cancellable, got %v", err)
	}

	job, err := m.Pop(ctx, time.Second)
	if err != nil || job != nil {
		t.Errorf("cancelled job must leave the pending list, got %+v %v", job, err)
	}
}

func TestCancelRejectsDispatchedJob(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job := NewJob(nil)
	if err := m.AddJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	popped, err := m.Pop(ctx, time.Second)
	if err != nil || popped == nil {
		t.Fatalf("expected popped job, got %+v %v", popped, err)
	}

	// popped but not yet marked started
	if _, err := m.CancelJob(ctx, job.ID); !errors.Is(err, ErrJobNotCancellable) {
		t.Fatalf("expected ErrJobNotCancellable for a dispatched job, got %v", err)
	}

	popped.MarkStarted()
	if err := m.UpdateJob(ctx, popped); err != nil {
		t.Fatal(err)
	}
	popped.MarkCompleted(map[string]interface{}{"output": "ok"})
	if err := m.UpdateJob(ctx, popped); err != nil {
		t.Fatal(err)
	}

	final, err := m.GetJob(ctx, job.ID)
	if err != nil || final.Status != JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v %v", final, err)
	}
	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Cancelled != 0 || metrics.Completed != 1 {
		t.Errorf("expected only a completion to be counted, got %+v", metrics)
	}
}

func TestPopSkipsJobsNoLongerQueued(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job := NewJob(nil)
	if err := m.AddJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	// cancelled behind the pending list's back
	job.MarkCancelled()
	if err := m.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := m.Pop(ctx, time.Second)
	if err != nil || got != nil {
		t.Errorf("expected skip, got %+v %v", got, err)
	}
}

func TestGetMetrics(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	jobs := []*Job{NewJob(nil), NewJob(nil), NewJob(nil), NewJob(nil)}
	for _, job := range jobs {
		if err := m.AddJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	a, _ := m.Pop(ctx, time.Second)
	a.MarkStarted()
	_ = m.UpdateJob(ctx, a)
	a.MarkCompleted(nil)
	_ = m.UpdateJob(ctx, a)

	b, _ := m.Pop(ctx, time.Second)
	b.MarkStarted()
	_ = m.UpdateJob(ctx, b)
	b.MarkFailed("boom", nil)
	_ = m.UpdateJob(ctx, b)

	c, _ := m.Pop(ctx, time.Second)
	c.MarkStarted()
	_ = m.UpdateJob(ctx, c)

	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := QueueMetrics{InQueue: 1, InProgress: 1, Completed: 1, Failed: 1}
	if *metrics != want {
		t.Errorf("metrics = %+v, want %+v", *metrics, want)
	}
}

func TestStartRequeuesInProgressJobs(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	waiting := NewJob(nil)
	interrupted := NewJob(nil)
	for _, job := range []*Job{interrupted, waiting} {
		if err := m.AddJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	popped, _ := m.Pop(ctx, time.Second)
	popped.MarkStarted()
	_ = m.UpdateJob(ctx, popped)

	// a fresh process on the same Redis
	restarted := NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer restarted.Close()
	if err := restarted.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := restarted.Pop(ctx, time.Second)
	if err != nil || got == nil || got.ID != interrupted.ID {
		t.Fatalf("expected the interrupted job first, got %+v %v", got, err)
	}
	if got.StartedAt != nil {
		t.Error("requeued job must not keep its start time")
	}
	got, _ = restarted.Pop(ctx, time.Second)
	if got == nil || got.ID != waiting.ID {
		t.Errorf("expected the waiting job next, got %+v", got)
	}
}

func TestCallbacks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	seen := make(chan JobStatus, 4)
	m.AddCallback(func(job *Job) { seen <- job.Status })

	job := NewJob(nil)
	_ = m.AddJob(ctx, job)
	job.MarkStarted()
	_ = m.UpdateJob(ctx, job)

	select {
	case status := <-seen:
		if status != JobStatusInProgress {
			t.Errorf("unexpected status %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}
