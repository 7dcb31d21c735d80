package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"appbuilder/pkg/db"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	orm, err := db.Open(ctx, filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close(orm) })
	if err := db.Migrate(ctx, orm); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}
	return orm
}

func newTestQueue(t *testing.T, clock *fakeClock) *Queue {
	t.Helper()
	q, err := New(openTestDB(t), Config{Now: clock.Now, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func mustGet(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return job
}

func TestBackoffWait(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		made    int
		want    time.Duration
	}{
		{name: "none", backoff: Backoff{}, made: 1, want: 0},
		{name: "fixed", backoff: Backoff{Type: BackoffFixed, Delay: 3 * time.Second}, made: 2, want: 3 * time.Second},
		{name: "exponential first", backoff: Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, made: 1, want: 2 * time.Second},
		{name: "exponential third", backoff: Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, made: 3, want: 8 * time.Second},
		{name: "unknown type", backoff: Backoff{Type: "linear", Delay: time.Second}, made: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Wait(tt.made); got != tt.want {
				t.Fatalf("Wait(%d) = %s, want %s", tt.made, got, tt.want)
			}
		})
	}
}

func TestProcessNextCompletesJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, clock)

	type payload struct {
		App string `json:"app"`
	}

	var seen payload
	if err := q.Process("build", 1, func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error) {
		if err := job.Decode(&seen); err != nil {
			return nil, err
		}
		if err := progress(ctx, 40); err != nil {
			return nil, err
		}
		return map[string]any{"status": "built"}, nil
	}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	job, err := q.Add(ctx, "build", "dep-1", payload{App: "library"}, Options{Attempts: 2, Label: "library"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if job.State != StateWaiting {
		t.Fatalf("new job state = %s, want waiting", job.State)
	}

	ran, err := q.ProcessNext(ctx, "build")
	if err != nil || !ran {
		t.Fatalf("ProcessNext() = %v, %v; want true, nil", ran, err)
	}
	if seen.App != "library" {
		t.Fatalf("handler payload = %+v", seen)
	}

	got := mustGet(t, q, job.ID)
	if got.State != StateCompleted || got.Progress != 100 {
		t.Fatalf("job = %s/%d, want completed/100", got.State, got.Progress)
	}
	if got.Result["status"] != "built" {
		t.Fatalf("result = %v", got.Result)
	}
	if got.AttemptsMade != 1 || got.FinishedAt == nil || got.ProcessedAt == nil {
		t.Fatalf("bookkeeping = attempts %d finished %v processed %v", got.AttemptsMade, got.FinishedAt, got.ProcessedAt)
	}
	if got.Options.Label != "library" || got.DeploymentID != "dep-1" {
		t.Fatalf("job metadata = %+v", got)
	}

	ran, err = q.ProcessNext(ctx, "build")
	if err != nil || ran {
		t.Fatalf("ProcessNext() on empty queue = %v, %v", ran, err)
	}
}

func TestFailedAttemptsBackOffExponentially(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, clock)

	if err := q.Process("flaky", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
		return nil, errors.New("remote unavailable")
	}); err != nil {
		t.Fatal(err)
	}

	job, err := q.Add(ctx, "flaky", "dep-1", nil, Options{
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}

	waits := []time.Duration{2 * time.Second, 4 * time.Second}
	for i, wait := range waits {
		if ran, err := q.ProcessNext(ctx, "flaky"); err != nil || !ran {
			t.Fatalf("attempt %d: ProcessNext() = %v, %v", i+1, ran, err)
		}
		got := mustGet(t, q, job.ID)
		if got.State != StateWaiting || got.AttemptsMade != i+1 {
			t.Fatalf("attempt %d: state %s attempts %d", i+1, got.State, got.AttemptsMade)
		}
		if want := clock.Now().Add(wait); !got.RunAt.Equal(want) {
			t.Fatalf("attempt %d: run at %s, want %s", i+1, got.RunAt, want)
		}
		if got.FailedReason != "remote unavailable" {
			t.Fatalf("failed reason = %q", got.FailedReason)
		}

		if ran, _ := q.ProcessNext(ctx, "flaky"); ran {
			t.Fatalf("attempt %d: job ran before its backoff elapsed", i+1)
		}
		clock.Advance(wait)
	}

	if ran, err := q.ProcessNext(ctx, "flaky"); err != nil || !ran {
		t.Fatalf("final attempt: ProcessNext() = %v, %v", ran, err)
	}
	got := mustGet(t, q, job.ID)
	if got.State != StateFailed || got.AttemptsMade != 3 || got.FinishedAt == nil {
		t.Fatalf("final job = %+v", got)
	}
}

func TestPermanentErrorSkipsRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFakeClock())

	if err := q.Process("site", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
		return nil, Permanent(errors.New("site never became ready"))
	}); err != nil {
		t.Fatal(err)
	}
	job, err := q.Add(ctx, "site", "dep-1", nil, Options{Attempts: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.ProcessNext(ctx, "site"); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, q, job.ID)
	if got.State != StateFailed || got.AttemptsMade != 1 {
		t.Fatalf("job = %s after %d attempts, want failed after 1", got.State, got.AttemptsMade)
	}
	if got.FailedReason != "site never became ready" {
		t.Fatalf("failed reason = %q", got.FailedReason)
	}
}

func TestDelayAndDependencyGateClaims(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, clock)

	var order []string
	record := func(context.Context, *Job, ProgressFunc) (map[string]any, error) { return nil, nil }
	if err := q.Process("first", 1, func(ctx context.Context, job *Job, p ProgressFunc) (map[string]any, error) {
		order = append(order, "first")
		return record(ctx, job, p)
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Process("second", 1, func(ctx context.Context, job *Job, p ProgressFunc) (map[string]any, error) {
		order = append(order, "second")
		return record(ctx, job, p)
	}); err != nil {
		t.Fatal(err)
	}

	first, err := q.Add(ctx, "first", "dep-1", nil, Options{Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Add(ctx, "second", "dep-1", nil, Options{Attempts: 1, Delay: 5 * time.Second, DependsOn: first.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Scheduled(clock.Now()) {
		t.Fatal("delayed job not reported as scheduled")
	}

	clock.Advance(10 * time.Second)
	if ran, _ := q.ProcessNext(ctx, "second"); ran {
		t.Fatal("dependent ran before its dependency completed")
	}
	if ran, _ := q.ProcessNext(ctx, "first"); !ran {
		t.Fatal("dependency did not run")
	}
	if ran, _ := q.ProcessNext(ctx, "second"); !ran {
		t.Fatal("dependent did not run after dependency completed")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}

	orphan, err := q.Add(ctx, "second", "dep-2", nil, Options{DependsOn: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if ran, _ := q.ProcessNext(ctx, "second"); ran {
		t.Fatal("job with a missing dependency was claimed")
	}
	if got := mustGet(t, q, orphan.ID); got.State != StateWaiting {
		t.Fatalf("orphan state = %s", got.State)
	}
}

func TestDependentsOfFailedJobsDoNotBlockClaims(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, clock)

	if err := q.Process("generate", 1, func(_ context.Context, job *Job, _ ProgressFunc) (map[string]any, error) {
		if job.DeploymentID == "healthy" {
			return nil, nil
		}
		return nil, Permanent(errors.New("bad prd"))
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Process("deploy", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
		return map[string]any{"status": "deployed"}, nil
	}); err != nil {
		t.Fatal(err)
	}

	enqueue := func(deployment string) *Job {
		t.Helper()
		gen, err := q.Add(ctx, "generate", deployment, nil, Options{})
		if err != nil {
			t.Fatal(err)
		}
		deploy, err := q.Add(ctx, "deploy", deployment, nil, Options{DependsOn: gen.ID})
		if err != nil {
			t.Fatal(err)
		}
		return deploy
	}

	for i := 0; i < claimBatch+5; i++ {
		enqueue(fmt.Sprintf("broken-%d", i))
		if ran, err := q.ProcessNext(ctx, "generate"); err != nil || !ran {
			t.Fatalf("ProcessNext(generate) = %v, %v", ran, err)
		}
		clock.Advance(time.Second)
	}

	healthy := enqueue("healthy")
	if ran, err := q.ProcessNext(ctx, "generate"); err != nil || !ran {
		t.Fatalf("ProcessNext(generate) healthy = %v, %v", ran, err)
	}
	if ran, err := q.ProcessNext(ctx, "deploy"); err != nil || !ran {
		t.Fatalf("ProcessNext(deploy) = %v, %v; want the healthy deploy claimed", ran, err)
	}
	if got := mustGet(t, q, healthy.ID); got.State != StateCompleted {
		t.Fatalf("healthy deploy state = %s", got.State)
	}

	waiting, err := q.Jobs(ctx, Filter{Names: []string{"deploy"}, States: []State{StateWaiting}})
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != claimBatch+5 {
		t.Fatalf("waiting deploys = %d, want %d", len(waiting), claimBatch+5)
	}
}

func TestRemoveTakesWaitingDependents(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFakeClock())

	if err := q.Process("generate", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
		return nil, Permanent(errors.New("bad prd"))
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Process("deploy", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}

	gen, err := q.Add(ctx, "generate", "dep-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	deploy, err := q.Add(ctx, "deploy", "dep-1", nil, Options{DependsOn: gen.ID})
	if err != nil {
		t.Fatal(err)
	}
	site, err := q.Add(ctx, "site", "dep-1", nil, Options{DependsOn: deploy.ID})
	if err != nil {
		t.Fatal(err)
	}
	other, err := q.Add(ctx, "deploy", "dep-2", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.ProcessNext(ctx, "generate"); err != nil {
		t.Fatal(err)
	}

	removed, err := q.Remove(ctx, gen.ID)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("Remove() = %d, want 3", removed)
	}
	for _, id := range []string{gen.ID, deploy.ID, site.ID} {
		if _, err := q.Get(ctx, id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("Get(%s) error = %v, want ErrJobNotFound", id, err)
		}
	}
	if got := mustGet(t, q, other.ID); got.State != StateWaiting {
		t.Fatalf("unrelated job state = %s", got.State)
	}
	if ran, _ := q.ProcessNext(ctx, "deploy"); !ran {
		t.Fatal("unrelated deploy was not claimed")
	}
}

func TestRemovedWhileRunningDiscardsResult(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFakeClock())

	if err := q.Process("build", 1, func(ctx context.Context, job *Job, _ ProgressFunc) (map[string]any, error) {
		if _, err := q.Remove(ctx, job.ID); err != nil {
			return nil, err
		}
		return map[string]any{"status": "done"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	job, err := q.Add(ctx, "build", "dep-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ran, err := q.ProcessNext(ctx, "build"); err != nil || !ran {
		t.Fatalf("ProcessNext() = %v, %v", ran, err)
	}
	if _, err := q.Get(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get() error = %v, want ErrJobNotFound", err)
	}
}

func TestSupersedeRepointsWaitingDependents(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFakeClock())

	failed, err := q.Add(ctx, "first", "dep-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	dependent, err := q.Add(ctx, "second", "dep-1", nil, Options{DependsOn: failed.ID})
	if err != nil {
		t.Fatal(err)
	}
	replacement, err := q.Add(ctx, "first", "dep-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Supersede(ctx, failed.ID, replacement.ID); err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}
	if got := mustGet(t, q, failed.ID); !got.Superseded() || got.RetriedBy != replacement.ID {
		t.Fatalf("old job retried_by = %q", got.RetriedBy)
	}
	if got := mustGet(t, q, dependent.ID); got.Options.DependsOn != replacement.ID {
		t.Fatalf("dependent depends on %q, want %q", got.Options.DependsOn, replacement.ID)
	}
}

func TestJobsFilter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFakeClock())

	for _, seed := range []struct{ name, dep string }{
		{"first", "dep-1"}, {"second", "dep-1"}, {"first", "dep-2"},
	} {
		if _, err := q.Add(ctx, seed.name, seed.dep, nil, Options{}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 3},
		{name: "deployment", filter: Filter{DeploymentID: "dep-1"}, want: 2},
		{name: "names", filter: Filter{Names: []string{"first"}}, want: 2},
		{name: "states", filter: Filter{States: []State{StateFailed}}, want: 0},
		{name: "combined", filter: Filter{DeploymentID: "dep-2", States: []State{StateWaiting}}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := q.Jobs(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != tt.want {
				t.Fatalf("Jobs() returned %d, want %d", len(jobs), tt.want)
			}
		})
	}
}

func TestRecoverStalled(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, clock)

	job, err := q.Add(ctx, "build", "dep-1", nil, Options{Attempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.claim(ctx, "build"); err != nil {
		t.Fatal(err)
	}

	if n, err := q.RecoverStalled(ctx); err != nil || n != 0 {
		t.Fatalf("RecoverStalled() fresh = %d, %v", n, err)
	}

	clock.Advance(defaultStallTimeout + time.Minute)
	if n, err := q.RecoverStalled(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverStalled() stale = %d, %v", n, err)
	}
	got := mustGet(t, q, job.ID)
	if got.State != StateWaiting || got.AttemptsMade != 0 {
		t.Fatalf("recovered job = %s/%d", got.State, got.AttemptsMade)
	}
}

func TestWorkersProcessInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, err := New(openTestDB(t), Config{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Process("build", 2, func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Close()

	if err := q.Process("late", 1, func(context.Context, *Job, ProgressFunc) (map[string]any, error) { return nil, nil }); err == nil {
		t.Fatal("Process() after Start succeeded")
	}

	job, err := q.Add(ctx, "build", "dep-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := mustGet(t, q, job.ID); got.State == StateCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job was not completed by background workers")
}
