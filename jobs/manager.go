package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolwire/toolwire/catalog"
	"github.com/toolwire/toolwire/protocol"
)

const (
	defaultMaxConcurrentJobs = 4
	defaultJobTTL            = 15 * time.Minute
	defaultSweepInterval     = time.Minute

	// persistTimeout bounds each best-effort store call so a slow backend
	// cannot stall job execution.
	persistTimeout = 5 * time.Second

	// observerBuffer is the per-observer channel depth. When an observer
	// falls behind, the oldest buffered event is dropped to make room, so
	// progress stays non-decreasing from the observer's point of view.
	observerBuffer = 16
)

var (
	errCancelledByRequest = errors.New("jobs: cancelled by request")
	errShutdown           = errors.New("jobs: manager shutting down")
)

// jobState is the manager's mutable record for one job. All fields are
// guarded by Manager.mu.
type jobState struct {
	job Job

	// cancel is the cooperative cancellation token, set when the job is
	// promoted to running.
	cancel context.CancelCauseFunc

	observers map[int]chan ProgressEvent
	nextObs   int
}

// Manager executes submitted tool calls with bounded concurrency. Jobs
// beyond the limit wait in a FIFO queue; completed jobs stay pollable
// until the TTL sweep removes them.
type Manager struct {
	invoker Invoker
	store   Persistence
	log     *slog.Logger
	newID   func() string

	maxConcurrent int
	jobTTL        time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	jobs      map[string]*jobState
	byRequest map[string]string // request ID -> job ID, active jobs only
	queue     []string
	running   int

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMaxConcurrentJobs bounds how many jobs execute at once. Values
// below one are ignored.
func WithMaxConcurrentJobs(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithJobTTL sets how long terminal jobs stay pollable before the sweep
// removes them.
func WithJobTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.jobTTL = ttl
		}
	}
}

// WithSweepInterval sets how often the background sweep runs. Zero
// disables the loop; SweepExpired can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.sweepInterval = d
		}
	}
}

// WithPersistence attaches a job store. Saves, loads and deletes are
// best-effort; the manager works entirely from memory without one.
func WithPersistence(p Persistence) Option {
	return func(m *Manager) { m.store = p }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// New builds a Manager that executes jobs through invoker.
func New(invoker Invoker, opts ...Option) (*Manager, error) {
	if invoker == nil {
		return nil, errors.New("jobs: invoker is required")
	}

	m := &Manager{
		invoker:       invoker,
		log:           slog.Default(),
		newID:         uuid.NewString,
		maxConcurrent: defaultMaxConcurrentJobs,
		jobTTL:        defaultJobTTL,
		sweepInterval: defaultSweepInterval,
		jobs:          make(map[string]*jobState),
		byRequest:     make(map[string]string),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	}
	return m, nil
}

// SubmitRequest describes one asynchronous tool call.
type SubmitRequest struct {
	// RequestID is the client's idempotency key. At most one job per
	// request ID may be queued or running at a time.
	RequestID string

	ToolName string
	Input    json.RawMessage

	// Timeout, when positive, bounds the handler's execution. A job that
	// outlives it fails with a timeout error.
	Timeout time.Duration
}

// Submit registers a job and either starts it immediately or queues it
// behind the concurrency limit. The returned snapshot reflects the job's
// state at return, so its status is either queued or running.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if req.RequestID == "" {
		return Job{}, protocol.NewError(protocol.CodeValidationFailed, "request_id is required")
	}
	if req.ToolName == "" {
		return Job{}, protocol.NewError(protocol.CodeValidationFailed, "tool_name is required")
	}

	m.mu.Lock()
	if existing, ok := m.byRequest[req.RequestID]; ok {
		m.mu.Unlock()
		return Job{}, protocol.Errorf(protocol.CodeDuplicateRequest, "request %q already has an active job", req.RequestID).
			WithDetail("job_id", existing)
	}

	id := m.newID()
	st := &jobState{
		job: Job{
			ID:        id,
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			Status:    protocol.JobQueued,
			Input:     req.Input,
			Timeout:   req.Timeout,
			CreatedAt: time.Now(),
		},
		observers: make(map[int]chan ProgressEvent),
	}
	m.jobs[id] = st
	m.byRequest[req.RequestID] = id
	m.queue = append(m.queue, id)
	m.pumpLocked()
	snap := st.job
	m.mu.Unlock()

	m.persistBestEffort(snap)
	m.log.InfoContext(ctx, "jobs.submit.ok",
		slog.String("job_id", id),
		slog.String("request_id", req.RequestID),
		slog.String("tool", req.ToolName),
		slog.String("status", string(snap.Status)))
	return snap, nil
}

// pumpLocked promotes queued jobs into free execution slots.
func (m *Manager) pumpLocked() {
	for m.running < m.maxConcurrent && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		st, ok := m.jobs[id]
		if !ok || st.job.Status != protocol.JobQueued {
			continue // cancelled while waiting
		}
		m.startLocked(st)
	}
}

func (m *Manager) startLocked(st *jobState) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	st.cancel = cancel
	st.job.Status = protocol.JobRunning
	st.job.StartedAt = time.Now()
	m.running++
	m.emitLocked(st)

	m.wg.Add(1)
	go m.run(runCtx, cancel, st.job.ID, st.job.ToolName, st.job.Input, st.job.Timeout)
}

func (m *Manager) run(ctx context.Context, cancel context.CancelCauseFunc, id, tool string, input json.RawMessage, timeout time.Duration) {
	defer m.wg.Done()
	defer cancel(context.Canceled)

	runCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	start := time.Now()
	out, err := m.invoker.Invoke(runCtx, catalog.InvokeRequest{
		Tool:      tool,
		Arguments: input,
		Progress: func(percent float64, message string) {
			m.reportProgress(id, percent, message)
		},
	})

	var jobErr *protocol.Error
	if err != nil {
		if timeout > 0 && errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
			jobErr = protocol.Errorf(protocol.CodeExecutionError, "tool %q did not finish within %s", tool, timeout).
				WithDetail("sub_code", protocol.SubCodeTimeout)
		} else {
			jobErr = protocol.AsError(err)
		}
	}
	m.finish(id, out, jobErr, time.Since(start))
}

// finish records the handler's outcome. A job that was cancelled while
// the handler was still unwinding keeps its cancelled state; the
// handler's late result is discarded.
func (m *Manager) finish(id string, result json.RawMessage, jobErr *protocol.Error, dur time.Duration) {
	m.mu.Lock()
	st, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.running--

	discarded := st.job.Status == protocol.JobCancelled
	if !discarded {
		st.job.CompletedAt = time.Now()
		if jobErr == nil {
			st.job.Status = protocol.JobCompleted
			st.job.Result = result
			st.job.Progress = 100
		} else {
			st.job.Status = protocol.JobFailed
			st.job.Error = jobErr
		}
		delete(m.byRequest, st.job.RequestID)
		m.emitLocked(st)
		m.closeObserversLocked(st)
	}
	m.pumpLocked()
	snap := st.job
	m.mu.Unlock()

	if discarded {
		m.log.DebugContext(context.Background(), "jobs.run.discarded",
			slog.String("job_id", id),
			slog.Int64("dur_ms", dur.Milliseconds()))
		return
	}

	m.persistBestEffort(snap)
	if snap.Status == protocol.JobFailed {
		m.log.WarnContext(context.Background(), "jobs.run.fail",
			slog.String("job_id", id),
			slog.String("tool", snap.ToolName),
			slog.String("code", string(snap.Error.Code)),
			slog.Int64("dur_ms", dur.Milliseconds()))
		return
	}
	m.log.InfoContext(context.Background(), "jobs.run.ok",
		slog.String("job_id", id),
		slog.String("tool", snap.ToolName),
		slog.Int64("dur_ms", dur.Milliseconds()))
}

// reportProgress applies one handler progress report. Percentages clamp
// to [0,100] and never regress; reports against jobs that are no longer
// running are dropped.
func (m *Manager) reportProgress(id string, percent float64, message string) {
	if math.IsNaN(percent) {
		return
	}

	m.mu.Lock()
	st, ok := m.jobs[id]
	if !ok || st.job.Status != protocol.JobRunning {
		m.mu.Unlock()
		return
	}
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}
	if percent < st.job.Progress {
		percent = st.job.Progress
	}
	st.job.Progress = percent
	st.job.ProgressMessage = message
	m.emitLocked(st)
	snap := st.job
	m.mu.Unlock()

	m.persistBestEffort(snap)
}

// Poll returns the job's current snapshot. Jobs missing from memory fall
// back to the persistence store, so terminal results survive restarts.
func (m *Manager) Poll(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	if st, ok := m.jobs[jobID]; ok {
		snap := st.job
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	if m.store != nil {
		job, err := m.store.Load(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Job{}, protocol.Errorf(protocol.CodeExecutionError, "load job %q: %v", jobID, err)
		}
	}
	return Job{}, protocol.Errorf(protocol.CodeJobNotFound, "job %q not found; it may have expired", jobID)
}

// Cancel requests cancellation of a job. Queued jobs are cancelled
// before they ever run. Running jobs are marked cancelled immediately and
// their context is cancelled; the handler keeps its slot until it
// observes the context and returns. Terminal jobs report false.
func (m *Manager) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return false, protocol.Errorf(protocol.CodeJobNotFound, "job %q not found", jobID)
	}
	if st.job.Terminal() {
		m.mu.Unlock()
		return false, nil
	}

	wasRunning := st.job.Status == protocol.JobRunning
	if wasRunning {
		m.markCancelledLocked(st, "cancelled by request")
		st.cancel(errCancelledByRequest)
	} else {
		if i := slices.Index(m.queue, jobID); i >= 0 {
			m.queue = slices.Delete(m.queue, i, i+1)
		}
		m.markCancelledLocked(st, "cancelled while queued")
	}
	snap := st.job
	m.mu.Unlock()

	m.persistBestEffort(snap)
	m.log.InfoContext(ctx, "jobs.cancel.ok",
		slog.String("job_id", jobID),
		slog.Bool("was_running", wasRunning))
	return true, nil
}

func (m *Manager) markCancelledLocked(st *jobState, msg string) {
	st.job.Status = protocol.JobCancelled
	st.job.CompletedAt = time.Now()
	st.job.Error = protocol.NewError(protocol.CodeCancelled, msg)
	delete(m.byRequest, st.job.RequestID)
	m.emitLocked(st)
	m.closeObserversLocked(st)
}

// Observe subscribes to a job's progress events. The channel closes once
// the job reaches a terminal state; observing an already-terminal job
// yields its final event and an immediately closed channel. The returned
// func unsubscribes.
func (m *Manager) Observe(jobID string) (<-chan ProgressEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, protocol.Errorf(protocol.CodeJobNotFound, "job %q not found", jobID)
	}

	ch := make(chan ProgressEvent, observerBuffer)
	if st.job.Terminal() {
		ch <- eventFor(st.job)
		close(ch)
		return ch, func() {}, nil
	}

	key := st.nextObs
	st.nextObs++
	st.observers[key] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := st.observers[key]; ok {
			delete(st.observers, key)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

func eventFor(j Job) ProgressEvent {
	return ProgressEvent{
		JobID:    j.ID,
		Progress: j.Progress,
		Message:  j.ProgressMessage,
		Status:   j.Status,
	}
}

// emitLocked fans the job's current state out to its observers. Sends
// never block: when a buffer is full the oldest event is dropped first,
// which preserves non-decreasing progress for that observer.
func (m *Manager) emitLocked(st *jobState) {
	if len(st.observers) == 0 {
		return
	}
	ev := eventFor(st.job)
	for _, ch := range st.observers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (m *Manager) closeObserversLocked(st *jobState) {
	for key, ch := range st.observers {
		delete(st.observers, key)
		close(ch)
	}
}

// Len reports how many jobs are tracked in memory, terminal ones
// included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// SweepExpired removes terminal jobs whose completion is older than the
// TTL and deletes their persisted records. Queued and running jobs are
// never touched. It returns the number of jobs removed.
func (m *Manager) SweepExpired() int {
	cutoff := time.Now().Add(-m.jobTTL)

	var victims []string
	m.mu.Lock()
	for id, st := range m.jobs {
		if st.job.Terminal() && st.job.CompletedAt.Before(cutoff) {
			victims = append(victims, id)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		m.deleteBestEffort(id)
	}
	if len(victims) > 0 {
		m.log.Debug("jobs.sweep.expired", slog.Int("jobs", len(victims)))
	}
	return len(victims)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.done:
			return
		}
	}
}

// Recover reloads persisted jobs after a restart. Terminal jobs become
// pollable again, queued jobs re-enter the queue, and jobs that were
// running when the previous process died are marked failed.
func (m *Manager) Recover(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	persisted, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	var requeued, interrupted, restored int
	var updates []Job
	m.mu.Lock()
	for _, job := range persisted {
		if _, ok := m.jobs[job.ID]; ok {
			continue
		}
		switch job.Status {
		case protocol.JobQueued:
			if _, busy := m.byRequest[job.RequestID]; busy {
				continue
			}
			m.jobs[job.ID] = &jobState{job: job, observers: make(map[int]chan ProgressEvent)}
			m.byRequest[job.RequestID] = job.ID
			m.queue = append(m.queue, job.ID)
			requeued++
		case protocol.JobRunning:
			job.Status = protocol.JobFailed
			job.CompletedAt = time.Now()
			job.Error = protocol.NewError(protocol.CodeExecutionError, "job interrupted by server restart")
			m.jobs[job.ID] = &jobState{job: job, observers: make(map[int]chan ProgressEvent)}
			updates = append(updates, job)
			interrupted++
		default:
			m.jobs[job.ID] = &jobState{job: job, observers: make(map[int]chan ProgressEvent)}
			restored++
		}
	}
	m.pumpLocked()
	m.mu.Unlock()

	for _, job := range updates {
		m.persistBestEffort(job)
	}
	m.log.InfoContext(ctx, "jobs.recover.ok",
		slog.Int("requeued", requeued),
		slog.Int("interrupted", interrupted),
		slog.Int("restored", restored))
	return nil
}

// Close stops the background sweep. In-flight jobs keep running; use
// Shutdown to cancel and drain them.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Shutdown cancels every queued and running job and waits for handlers
// to unwind, or returns early with ctx's error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Close()

	var snaps []Job
	m.mu.Lock()
	m.queue = nil
	for _, st := range m.jobs {
		switch st.job.Status {
		case protocol.JobQueued:
			m.markCancelledLocked(st, "server shutting down")
			snaps = append(snaps, st.job)
		case protocol.JobRunning:
			m.markCancelledLocked(st, "server shutting down")
			st.cancel(errShutdown)
			snaps = append(snaps, st.job)
		}
	}
	m.mu.Unlock()

	for _, snap := range snaps {
		m.persistBestEffort(snap)
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistBestEffort(job Job) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, job); err != nil {
		m.log.WarnContext(ctx, "jobs.persist.save_failed",
			slog.String("job_id", job.ID),
			slog.String("err", err.Error()))
	}
}

func (m *Manager) deleteBestEffort(jobID string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, jobID); err != nil {
		m.log.WarnContext(ctx, "jobs.persist.delete_failed",
			slog.String("job_id", jobID),
			slog.String("err", err.Error()))
	}
}
