package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/toolwire/toolwire/catalog"
	"github.com/toolwire/toolwire/jobs"
	"github.com/toolwire/toolwire/jobs/memstore"
	"github.com/toolwire/toolwire/protocol"
)

type invokerFunc func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error)

func (f invokerFunc) Invoke(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

func newTestManager(t *testing.T, inv jobs.Invoker, opts ...jobs.Option) *jobs.Manager {
	t.Helper()
	opts = append([]jobs.Option{jobs.WithSweepInterval(0)}, opts...)
	m, err := jobs.New(inv, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitForStatus(t *testing.T, m *jobs.Manager, jobID string, want protocol.JobStatus) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := m.Poll(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Poll %s: %v", jobID, err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %q, stuck at %q", jobID, want, job.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		req.Progress(50, "halfway")
		return json.RawMessage(`{"ok":true}`), nil
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{
		RequestID: "req-1",
		ToolName:  "tools/echo",
		Input:     json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != protocol.JobQueued && job.Status != protocol.JobRunning {
		t.Fatalf("expected queued or running snapshot, got %q", job.Status)
	}

	final := waitForStatus(t, m, job.ID, protocol.JobCompleted)
	if string(final.Result) != `{"ok":true}` {
		t.Errorf("expected result {\"ok\":true}, got %s", final.Result)
	}
	if final.Progress != 100 {
		t.Errorf("expected progress 100 on completion, got %v", final.Progress)
	}
	if final.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
}

func TestSubmitRejectsDuplicateRequestID(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv)

	first, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-dup", ToolName: "tools/slow"})
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	_, err = m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-dup", ToolName: "tools/slow"})
	if !protocol.IsCode(err, protocol.CodeDuplicateRequest) {
		t.Fatalf("expected DUPLICATE_REQUEST, got %v", err)
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		if got := perr.Detail["job_id"]; got != first.ID {
			t.Errorf("expected job_id detail %q, got %v", first.ID, got)
		}
	}

	close(release)
	waitForStatus(t, m, first.ID, protocol.JobCompleted)

	// A terminal job frees its request ID for reuse.
	if _, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-dup", ToolName: "tools/slow"}); err != nil {
		t.Fatalf("expected resubmit after completion to succeed, got %v", err)
	}
}

func TestQueuePromotesInSubmitOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		mu.Lock()
		started = append(started, req.Tool)
		mu.Unlock()
		<-release
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv, jobs.WithMaxConcurrentJobs(1))

	var ids []string
	for _, tool := range []string{"tools/a", "tools/b", "tools/c"} {
		job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-" + tool, ToolName: tool})
		if err != nil {
			t.Fatalf("Submit %s: %v", tool, err)
		}
		ids = append(ids, job.ID)
	}

	waitForStatus(t, m, ids[0], protocol.JobRunning)
	if second, _ := m.Poll(context.Background(), ids[1]); second.Status != protocol.JobQueued {
		t.Fatalf("expected second job queued behind the slot, got %q", second.Status)
	}

	for range ids {
		release <- struct{}{}
	}
	for _, id := range ids {
		waitForStatus(t, m, id, protocol.JobCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 || started[0] != "tools/a" || started[1] != "tools/b" || started[2] != "tools/c" {
		t.Errorf("expected FIFO start order [tools/a tools/b tools/c], got %v", started)
	}
}

func TestProgressClampsAndNeverRegresses(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		req.Progress(-10, "below")
		req.Progress(55, "mid")
		req.Progress(30, "regression")
		req.Progress(150, "above")
		return nil, errors.New("boom")
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-clamp", ToolName: "tools/noisy"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForStatus(t, m, job.ID, protocol.JobFailed)
	if final.Progress != 100 {
		t.Errorf("expected clamped progress 100, got %v", final.Progress)
	}
	if final.Error == nil || final.Error.Code != protocol.CodeExecutionError {
		t.Errorf("expected EXECUTION_ERROR, got %+v", final.Error)
	}
}

func TestObserverSeesOrderedProgress(t *testing.T) {
	subscribed := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		<-subscribed
		req.Progress(10, "start")
		req.Progress(60, "more")
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-obs", ToolName: "tools/steps"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	events, unsubscribe, err := m.Observe(job.ID)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsubscribe()
	close(subscribed)

	var collected []jobs.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				goto done
			}
			collected = append(collected, ev)
		case <-timeout:
			t.Fatalf("observer channel never closed; got %v", collected)
		}
	}
done:
	if len(collected) == 0 {
		t.Fatal("expected at least one event before close")
	}
	last := 0.0
	for _, ev := range collected {
		if ev.Progress < last {
			t.Errorf("progress regressed: %v after %v", ev.Progress, last)
		}
		last = ev.Progress
	}
	finalEv := collected[len(collected)-1]
	if finalEv.Status != protocol.JobCompleted || finalEv.Progress != 100 {
		t.Errorf("expected final event completed/100, got %+v", finalEv)
	}
}

func TestObserveTerminalJobYieldsFinalEvent(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-late", ToolName: "tools/fast"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, m, job.ID, protocol.JobCompleted)

	events, unsubscribe, err := m.Observe(job.ID)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsubscribe()

	ev, ok := <-events
	if !ok {
		t.Fatal("expected one final event before close")
	}
	if ev.Status != protocol.JobCompleted {
		t.Errorf("expected completed event, got %+v", ev)
	}
	if _, ok := <-events; ok {
		t.Error("expected channel to close after the final event")
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	var mu sync.Mutex
	var started []string
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		mu.Lock()
		started = append(started, req.Tool)
		mu.Unlock()
		<-release
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv, jobs.WithMaxConcurrentJobs(1))

	blocker, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-blk", ToolName: "tools/blocker"})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	queued, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-q", ToolName: "tools/queued"})
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	cancelled, err := m.Cancel(context.Background(), queued.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel queued: cancelled=%v err=%v", cancelled, err)
	}

	got := waitForStatus(t, m, queued.ID, protocol.JobCancelled)
	if got.Error == nil || got.Error.Code != protocol.CodeCancelled {
		t.Errorf("expected CANCELLED error on record, got %+v", got.Error)
	}

	close(release)
	waitForStatus(t, m, blocker.ID, protocol.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	for _, tool := range started {
		if tool == "tools/queued" {
			t.Error("cancelled job's handler should never have started")
		}
	}
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	sawCancel := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		<-ctx.Done()
		close(sawCancel)
		return nil, ctx.Err()
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-run", ToolName: "tools/hang"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, m, job.ID, protocol.JobRunning)

	cancelled, err := m.Cancel(context.Background(), job.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel: cancelled=%v err=%v", cancelled, err)
	}

	// Bookkeeping flips immediately, before the handler unwinds.
	got, err := m.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != protocol.JobCancelled {
		t.Fatalf("expected cancelled right after Cancel, got %q", got.Status)
	}

	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed the cancelled context")
	}

	// Cancelling a terminal job reports false without error.
	again, err := m.Cancel(context.Background(), job.ID)
	if err != nil || again {
		t.Errorf("expected second cancel to be a no-op, got cancelled=%v err=%v", again, err)
	}
}

func TestLateResultAfterCancelIsDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		close(entered)
		<-release // ignores ctx on purpose
		return json.RawMessage(`{"late":true}`), nil
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-late-res", ToolName: "tools/stubborn"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-entered

	if cancelled, err := m.Cancel(context.Background(), job.ID); err != nil || !cancelled {
		t.Fatalf("Cancel: cancelled=%v err=%v", cancelled, err)
	}
	close(release)

	// Give the handler time to return its late result, then confirm the
	// cancelled state stuck.
	time.Sleep(50 * time.Millisecond)
	got, err := m.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != protocol.JobCancelled {
		t.Errorf("expected cancelled to stick, got %q", got.Status)
	}
	if got.Result != nil {
		t.Errorf("expected late result discarded, got %s", got.Result)
	}
}

func TestDeadlineFailsJobWithTimeout(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newTestManager(t, inv)

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{
		RequestID: "req-ttl",
		ToolName:  "tools/slowpoke",
		Timeout:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForStatus(t, m, job.ID, protocol.JobFailed)
	if final.Error == nil || final.Error.Code != protocol.CodeExecutionError {
		t.Fatalf("expected EXECUTION_ERROR, got %+v", final.Error)
	}
	if got := final.Error.Detail["sub_code"]; got != protocol.SubCodeTimeout {
		t.Errorf("expected sub_code %q, got %v", protocol.SubCodeTimeout, got)
	}
}

func TestSweepRemovesOnlyExpiredTerminalJobs(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		if req.Tool == "tools/hang" {
			<-release
		}
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv, jobs.WithJobTTL(time.Millisecond))

	hanging, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-hang", ToolName: "tools/hang"})
	if err != nil {
		t.Fatalf("Submit hanging: %v", err)
	}
	done, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-done", ToolName: "tools/fast"})
	if err != nil {
		t.Fatalf("Submit done: %v", err)
	}
	waitForStatus(t, m, done.ID, protocol.JobCompleted)

	time.Sleep(10 * time.Millisecond)
	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("expected sweep to remove exactly 1 job, removed %d", n)
	}

	if _, err := m.Poll(context.Background(), done.ID); !protocol.IsCode(err, protocol.CodeJobNotFound) {
		t.Errorf("expected JOB_NOT_FOUND for swept job, got %v", err)
	}
	if _, err := m.Poll(context.Background(), hanging.ID); err != nil {
		t.Errorf("running job must survive the sweep, got %v", err)
	}

	close(release)
	waitForStatus(t, m, hanging.ID, protocol.JobCompleted)
}

func TestPollUnknownJob(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv)

	if _, err := m.Poll(context.Background(), "no-such-job"); !protocol.IsCode(err, protocol.CodeJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND, got %v", err)
	}
	if _, err := m.Cancel(context.Background(), "no-such-job"); !protocol.IsCode(err, protocol.CodeJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND from Cancel, got %v", err)
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv)

	if _, err := m.Submit(context.Background(), jobs.SubmitRequest{ToolName: "tools/echo"}); !protocol.IsCode(err, protocol.CodeValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for missing request_id, got %v", err)
	}
	if _, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-x"}); !protocol.IsCode(err, protocol.CodeValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for missing tool_name, got %v", err)
	}
}

func TestPollFallsBackToPersistence(t *testing.T) {
	store := memstore.New()
	seeded := jobs.Job{
		ID:        "job-from-store",
		RequestID: "req-old",
		ToolName:  "tools/echo",
		Status:    protocol.JobCompleted,
		Progress:  100,
		Result:    json.RawMessage(`{"ok":true}`),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := store.Save(context.Background(), seeded); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	m := newTestManager(t, inv, jobs.WithPersistence(store))

	got, err := m.Poll(context.Background(), "job-from-store")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != protocol.JobCompleted || string(got.Result) != `{"ok":true}` {
		t.Errorf("expected persisted record, got %+v", got)
	}
}

func TestFailingStoreNeverFailsJobs(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	m := newTestManager(t, inv, jobs.WithPersistence(brokenStore{}))

	job, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-bs", ToolName: "tools/echo"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, m, job.ID, protocol.JobCompleted)
	if string(final.Result) != `{"ok":true}` {
		t.Errorf("expected result despite store failures, got %s", final.Result)
	}
}

type brokenStore struct{}

func (brokenStore) Save(context.Context, jobs.Job) error { return errors.New("store down") }
func (brokenStore) Load(context.Context, string) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrNotFound
}
func (brokenStore) List(context.Context) ([]jobs.Job, error) { return nil, errors.New("store down") }
func (brokenStore) Delete(context.Context, string) error     { return errors.New("store down") }

func TestRecoverRestoresPersistedJobs(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	queued := jobs.Job{
		ID: "job-q", RequestID: "req-q", ToolName: "tools/echo",
		Status: protocol.JobQueued, Input: json.RawMessage(`{"text":"hi"}`), CreatedAt: now,
	}
	running := jobs.Job{
		ID: "job-r", RequestID: "req-r", ToolName: "tools/echo",
		Status: protocol.JobRunning, CreatedAt: now, StartedAt: now,
	}
	finished := jobs.Job{
		ID: "job-f", RequestID: "req-f", ToolName: "tools/echo",
		Status: protocol.JobCompleted, Progress: 100,
		Result: json.RawMessage(`{}`), CreatedAt: now, CompletedAt: now,
	}
	for _, j := range []jobs.Job{queued, running, finished} {
		if err := store.Save(context.Background(), j); err != nil {
			t.Fatalf("seed %s: %v", j.ID, err)
		}
	}

	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"redone":true}`), nil
	})
	m := newTestManager(t, inv, jobs.WithPersistence(store))
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// Queued work re-executes after the restart.
	redone := waitForStatus(t, m, "job-q", protocol.JobCompleted)
	if string(redone.Result) != `{"redone":true}` {
		t.Errorf("expected requeued job to run, got %s", redone.Result)
	}

	// A job that was mid-flight when the process died is failed.
	interrupted, err := m.Poll(context.Background(), "job-r")
	if err != nil {
		t.Fatalf("Poll interrupted: %v", err)
	}
	if interrupted.Status != protocol.JobFailed || interrupted.Error == nil {
		t.Fatalf("expected interrupted job failed, got %+v", interrupted)
	}

	// Terminal records are pollable again.
	restored, err := m.Poll(context.Background(), "job-f")
	if err != nil {
		t.Fatalf("Poll restored: %v", err)
	}
	if restored.Status != protocol.JobCompleted {
		t.Errorf("expected restored completed job, got %q", restored.Status)
	}
}

func TestShutdownCancelsEverything(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return json.RawMessage(`{}`), nil
		}
	})
	m := newTestManager(t, inv, jobs.WithMaxConcurrentJobs(1))

	running, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-sr", ToolName: "tools/hang"})
	if err != nil {
		t.Fatalf("Submit running: %v", err)
	}
	waiting, err := m.Submit(context.Background(), jobs.SubmitRequest{RequestID: "req-sq", ToolName: "tools/hang"})
	if err != nil {
		t.Fatalf("Submit waiting: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range []string{running.ID, waiting.ID} {
		job, err := m.Poll(context.Background(), id)
		if err != nil {
			t.Fatalf("Poll %s: %v", id, err)
		}
		if job.Status != protocol.JobCancelled {
			t.Errorf("expected %s cancelled on shutdown, got %q", id, job.Status)
		}
	}
}
