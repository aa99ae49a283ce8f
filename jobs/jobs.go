// Package jobs runs tool calls asynchronously: a bounded number execute
// concurrently, the rest queue FIFO. Jobs expose snapshots for polling,
// ordered progress events for observers, cooperative cancellation, and a
// TTL sweep that reaps terminal jobs. Persistence is pluggable and always
// best-effort.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/toolwire/toolwire/catalog"
	"github.com/toolwire/toolwire/protocol"
)

// Job is a point-in-time snapshot of one asynchronous tool call.
type Job struct {
	ID              string             `json:"id"`
	RequestID       string             `json:"request_id"`
	ToolName        string             `json:"tool_name"`
	Status          protocol.JobStatus `json:"status"`
	Progress        float64            `json:"progress"`
	ProgressMessage string             `json:"progress_message,omitzero"`
	Input           json.RawMessage    `json:"input,omitempty"`
	Result          json.RawMessage    `json:"result,omitempty"`
	Error           *protocol.Error    `json:"error,omitempty"`
	Timeout         time.Duration      `json:"timeout,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       time.Time          `json:"started_at,omitzero"`
	CompletedAt     time.Time          `json:"completed_at,omitzero"`
}

// Terminal reports whether the job has reached an end state.
func (j Job) Terminal() bool { return j.Status.Terminal() }

// ProgressEvent is delivered to observers as a job advances. Events for one
// job arrive in order with non-decreasing progress; no ordering holds
// across jobs.
type ProgressEvent struct {
	JobID    string             `json:"job_id"`
	Progress float64            `json:"progress"`
	Message  string             `json:"message,omitzero"`
	Status   protocol.JobStatus `json:"status"`
}

// ErrNotFound is returned by Persistence implementations when no record
// exists for a job ID.
var ErrNotFound = errors.New("jobs: job not found in store")

// Persistence stores job records. The manager treats every call as
// best-effort: failures are logged and never fail the job itself.
type Persistence interface {
	Save(ctx context.Context, job Job) error
	Load(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context) ([]Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Invoker executes one tool call. *catalog.Catalog satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req catalog.InvokeRequest) (json.RawMessage, error)
}
