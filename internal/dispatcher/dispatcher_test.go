package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"comfyrunner/internal/queue"
	"comfyrunner/internal/runner"
)

type fakeRunner struct {
	mu     sync.Mutex
	seen   []string
	active int
	max    int
	handle func(job *runner.Job) *runner.Response
}

func (f *fakeRunner) Handle(ctx context.Context, job *runner.Job) *runner.Response {
	f.mu.Lock()
	f.seen = append(f.seen, job.ID)
	f.active++
	if f.active > f.max {
		f.max = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	return f.handle(job)
}

func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	m := queue.NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitForStatus(t *testing.T, q *queue.Manager, id string, want queue.JobStatus) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s", id, want)
	return nil
}

func startDispatcher(t *testing.T, q *queue.Manager, r JobRunner) *Dispatcher {
	t.Helper()
	d := NewDispatcherWithConfig(q, r, DispatcherConfig{PopTimeout: time.Second, RetryDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestDispatchRecordsOutcome(t *testing.T) {
	q := newTestQueue(t)
	r := &fakeRunner{handle: func(job *runner.Job) *runner.Response {
		if job.Input["fail"] == true {
			return &runner.Response{Error: "No output generated", Details: "{}"}
		}
		return &runner.Response{Output: "b64"}
	}}

	ok := queue.NewJob(map[string]interface{}{"fail": false})
	bad := queue.NewJob(map[string]interface{}{"fail": true})
	for _, job := range []*queue.Job{ok, bad} {
		if err := q.AddJob(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}

	d := startDispatcher(t, q, r)

	done := waitForStatus(t, q, ok.ID, queue.JobStatusCompleted)
	if done.Output["output"] != "b64" || done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("unexpected completed job: %+v", done)
	}

	failed := waitForStatus(t, q, bad.ID, queue.JobStatusFailed)
	if failed.Error != "No output generated" || failed.Output["details"] != "{}" {
		t.Errorf("unexpected failed job: %+v", failed)
	}

	metrics := d.GetDispatcherMetrics()
	if metrics.TotalDispatched != 2 || metrics.Succeeded != 1 || metrics.Failed != 1 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestDispatchOneJobAtATime(t *testing.T) {
	q := newTestQueue(t)
	r := &fakeRunner{handle: func(job *runner.Job) *runner.Response {
		return &runner.Response{Output: "x"}
	}}

	var ids []string
	for i := 0; i < 4; i++ {
		job := queue.NewJob(map[string]interface{}{"i": i})
		if err := q.AddJob(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}

	startDispatcher(t, q, r)
	waitForStatus(t, q, ids[3], queue.JobStatusCompleted)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max != 1 {
		t.Errorf("expected one job at a time, saw %d concurrent", r.max)
	}
	for i, id := range ids {
		if r.seen[i] != id {
			t.Errorf("job %d ran out of order", i)
		}
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	q := newTestQueue(t)
	r := &fakeRunner{handle: func(job *runner.Job) *runner.Response {
		panic("boom")
	}}

	job := queue.NewJob(map[string]interface{}{"a": 1})
	if err := q.AddJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	startDispatcher(t, q, r)
	failed := waitForStatus(t, q, job.ID, queue.JobStatusFailed)
	if failed.Error != "internal error: boom" {
		t.Errorf("unexpected error %q", failed.Error)
	}
}
