package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// jobBackend is the part of the client a job needs to submit and cancel itself.
type jobBackend interface {
	queuePrompt(ctx context.Context, workflow json.RawMessage) (*models.PromptResponse, error)
	deleteQueueItems(ctx context.Context, ids []string) error
}

// Job is one workflow submission and its lifecycle:
//
//	building -> queued -> running -> completed | failed | cancelled
//
// A Job is submitted at most once. Use Clone to run the same workflow again.
type Job struct {
	backend  jobBackend
	registry *Registry
	logger   *slog.Logger
	metrics  MetricsRecorder
	workflow json.RawMessage
	observer JobObserver
	done     chan struct{}

	mu          sync.Mutex
	id          string
	number      int
	state       models.JobState
	submitting  bool
	err         error
	lastNode    string
	outputs     map[string]json.RawMessage
	createdAt   time.Time
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

func newJob(b jobBackend, reg *Registry, logger *slog.Logger, metrics MetricsRecorder, workflow json.RawMessage, obs JobObserver) *Job {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	return &Job{
		backend:   b,
		registry:  reg,
		logger:    logger,
		metrics:   metrics,
		workflow:  workflow,
		observer:  obs,
		done:      make(chan struct{}),
		state:     models.JobStateBuilding,
		outputs:   make(map[string]json.RawMessage),
		createdAt: time.Now().UTC(),
	}
}

// ID returns the backend prompt id, or "" before a successful submission.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Number returns the queue position the backend assigned on submission.
func (j *Job) Number() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.number
}

func (j *Job) State() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error that ended the job. It is nil unless the job failed or
// was cancelled.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// LastNode returns the most recent node reported as executing.
func (j *Job) LastNode() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastNode
}

// Outputs returns the node outputs reported so far, keyed by node id.
func (j *Job) Outputs() map[string]json.RawMessage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.outputs)
}

// Workflow returns the payload the job was built with.
func (j *Job) Workflow() json.RawMessage {
	return append(json.RawMessage(nil), j.workflow...)
}

func (j *Job) CreatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.createdAt
}

// StartedAt returns when the first progress event arrived, or the zero time.
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// FinishedAt returns when the job reached a terminal state, or the zero time.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Submit queues the workflow on the backend. On success the job becomes queued
// and is tracked by the registry. If the request fails or the backend reports
// node errors the job becomes failed, OnError fires, and the error is returned.
// Calling Submit on a job that has already been submitted returns a *StateError.
func (j *Job) Submit(ctx context.Context) error {
	j.mu.Lock()
	if j.state != models.JobStateBuilding || j.submitting {
		st := j.state
		j.mu.Unlock()
		return &StateError{Op: "submit", State: st}
	}
	j.submitting = true
	j.mu.Unlock()

	resp, err := j.backend.queuePrompt(ctx, j.workflow)
	if err != nil {
		j.fail(err)
		return err
	}
	if resp.HasNodeErrors() {
		serr := &SubmissionError{PromptID: resp.PromptID, NodeErrors: resp.NodeErrors}
		j.fail(serr)
		return serr
	}
	if resp.PromptID == "" {
		perr := fmt.Errorf("%w: submission response has no prompt_id", ErrProtocol)
		j.fail(perr)
		return perr
	}

	j.mu.Lock()
	j.id = resp.PromptID
	j.number = resp.Number
	j.state = models.JobStateQueued
	j.submittedAt = time.Now().UTC()
	j.mu.Unlock()

	j.metrics.RecordJobSubmitted(ctx)
	j.logger.Info("job queued", "prompt_id", resp.PromptID, "number", resp.Number)
	j.registry.Register(j)
	return nil
}

// Cancel removes a queued or running job from the backend queue and moves it to
// cancelled. It is a no-op for jobs that are building or already terminal. If
// the stream resolved the job while the delete request was in flight, the
// stream's outcome stands.
func (j *Job) Cancel(ctx context.Context) error {
	j.mu.Lock()
	st, id := j.state, j.id
	j.mu.Unlock()

	if !st.IsActive() {
		return nil
	}
	if err := j.backend.deleteQueueItems(ctx, []string{id}); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if j.transition(models.JobStateCancelled, ErrCancelled) {
		j.notify(func() { j.observer.OnCancelled(j) })
	}
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx is done. It returns
// nil for a completed job and the job's error otherwise.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	if j.state == models.JobStateBuilding && !j.submitting {
		j.mu.Unlock()
		return &StateError{Op: "wait on", State: models.JobStateBuilding}
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clone returns a new building job with a copy of the workflow and the same
// observer. The clone shares nothing else with j.
func (j *Job) Clone() *Job {
	return newJob(j.backend, j.registry, j.logger, j.metrics, j.Workflow(), j.observer)
}

// handleEvent applies a stream event. The registry serializes calls per job.
func (j *Job) handleEvent(ev Event) {
	switch ev.Type {
	case EventExecuting:
		if ev.Node == nil {
			j.complete()
			return
		}
		j.progress(Progress{Node: *ev.Node})
	case EventProgress:
		p := Progress{Value: ev.Value, Max: ev.Max}
		if ev.Node != nil {
			p.Node = *ev.Node
		}
		j.progress(p)
	case EventExecuted:
		if ev.Node == nil {
			return
		}
		j.mu.Lock()
		if !j.state.IsTerminal() {
			j.outputs[*ev.Node] = ev.Output
		}
		j.mu.Unlock()
	case EventExecutionError, EventExecutionInterrupted:
		j.fail(executionError(ev))
	}
}

func (j *Job) progress(p Progress) {
	j.mu.Lock()
	if !j.state.IsActive() {
		j.mu.Unlock()
		return
	}
	if j.state == models.JobStateQueued {
		j.state = models.JobStateRunning
		j.startedAt = time.Now().UTC()
	}
	if p.Node != "" {
		j.lastNode = p.Node
	}
	j.mu.Unlock()

	j.notify(func() { j.observer.OnProgress(j, p) })
}

func (j *Job) complete() {
	if j.transition(models.JobStateCompleted, nil) {
		j.notify(func() { j.observer.OnCompleted(j) })
	}
}

// fail moves the job to failed and reports whether this call did it.
func (j *Job) fail(err error) bool {
	if !j.transition(models.JobStateFailed, err) {
		return false
	}
	j.notify(func() { j.observer.OnError(j, err) })
	return true
}

// transition moves the job to the terminal state to. It returns false if the
// job was already terminal.
func (j *Job) transition(to models.JobState, err error) bool {
	j.mu.Lock()
	if j.state.IsTerminal() {
		j.mu.Unlock()
		return false
	}
	j.state = to
	j.err = err
	j.finishedAt = time.Now().UTC()
	id := j.id
	var elapsed time.Duration
	if !j.submittedAt.IsZero() {
		elapsed = j.finishedAt.Sub(j.submittedAt)
	}
	close(j.done)
	j.mu.Unlock()

	if id != "" {
		j.registry.release(id, j)
		j.metrics.RecordJobFinished(context.Background(), string(to), elapsed.Seconds())
	}
	if err != nil && to == models.JobStateFailed {
		j.logger.Warn("job failed", "prompt_id", id, "error", err)
	} else {
		j.logger.Info("job finished", "prompt_id", id, "state", to)
	}
	return true
}

// notify runs an observer callback, logging a panic instead of propagating it.
func (j *Job) notify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("job observer panicked", "prompt_id", j.ID(), "panic", rec)
		}
	}()
	fn()
}
