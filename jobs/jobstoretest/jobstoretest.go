// Package jobstoretest holds a reusable conformance suite for
// jobs.Persistence implementations. Backend packages run it from their
// own tests so every store honors the same contract.
package jobstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/toolwire/toolwire/jobs"
	"github.com/toolwire/toolwire/protocol"
)

// StoreFactory creates a fresh, empty Persistence instance for testing.
type StoreFactory func(t *testing.T) jobs.Persistence

// RunPersistenceTests runs the complete Persistence test suite against
// the provided factory.
func RunPersistenceTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndLoadRoundTrip", func(t *testing.T) { testSaveAndLoadRoundTrip(t, factory) })
	t.Run("LoadMissingReturnsErrNotFound", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("SaveOverwritesExistingRecord", func(t *testing.T) { testSaveOverwrites(t, factory) })
	t.Run("ListReturnsEveryRecord", func(t *testing.T) { testListReturnsEveryRecord(t, factory) })
	t.Run("DeleteRemovesRecord", func(t *testing.T) { testDeleteRemovesRecord(t, factory) })
	t.Run("DeleteMissingIsNotAnError", func(t *testing.T) { testDeleteMissing(t, factory) })
}

func sampleJob(id string) jobs.Job {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return jobs.Job{
		ID:              id,
		RequestID:       "req-" + id,
		ToolName:        "tools/echo",
		Status:          protocol.JobRunning,
		Progress:        42.5,
		ProgressMessage: "working",
		Input:           json.RawMessage(`{"text":"hi"}`),
		Timeout:         30 * time.Second,
		CreatedAt:       created,
		StartedAt:       created.Add(time.Second),
	}
}

func testSaveAndLoadRoundTrip(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := sampleJob("job-rt")
	want.Status = protocol.JobCompleted
	want.Progress = 100
	want.Result = json.RawMessage(`{"text":"hi"}`)
	want.CompletedAt = want.StartedAt.Add(2 * time.Second)

	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, want.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.ID != want.ID || got.RequestID != want.RequestID || got.ToolName != want.ToolName {
		t.Errorf("identity fields differ: got %+v", got)
	}
	if got.Status != want.Status {
		t.Errorf("expected status %q, got %q", want.Status, got.Status)
	}
	if got.Progress != want.Progress {
		t.Errorf("expected progress %v, got %v", want.Progress, got.Progress)
	}
	if got.Timeout != want.Timeout {
		t.Errorf("expected timeout %v, got %v", want.Timeout, got.Timeout)
	}
	if string(got.Result) != string(want.Result) {
		t.Errorf("expected result %s, got %s", want.Result, got.Result)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.CompletedAt.Equal(want.CompletedAt) {
		t.Errorf("timestamps differ: got created=%v completed=%v", got.CreatedAt, got.CompletedAt)
	}
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.Load(ctx, "job-does-not-exist")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected jobs.ErrNotFound, got %v", err)
	}
}

func testSaveOverwrites(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := sampleJob("job-ow")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	job.Status = protocol.JobFailed
	job.Error = protocol.NewError(protocol.CodeExecutionError, "boom")
	job.CompletedAt = job.StartedAt.Add(time.Second)
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := store.Load(ctx, job.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != protocol.JobFailed {
		t.Errorf("expected status %q after overwrite, got %q", protocol.JobFailed, got.Status)
	}
	if got.Error == nil || got.Error.Code != protocol.CodeExecutionError {
		t.Errorf("expected EXECUTION_ERROR record, got %+v", got.Error)
	}
}

func testListReturnsEveryRecord(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := map[string]bool{"job-l1": true, "job-l2": true, "job-l3": true}
	for id := range want {
		if err := store.Save(ctx, sampleJob(id)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	listed, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	seen := make(map[string]bool, len(listed))
	for _, job := range listed {
		seen[job.ID] = true
	}
	for id := range want {
		if !seen[id] {
			t.Errorf("List is missing %s (got %v)", id, seen)
		}
	}
}

func testDeleteRemovesRecord(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := sampleJob("job-del")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected jobs.ErrNotFound after delete, got %v", err)
	}
}

func testDeleteMissing(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Delete(ctx, "job-never-saved"); err != nil {
		t.Fatalf("expected nil deleting a missing record, got %v", err)
	}
}
