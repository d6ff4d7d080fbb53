// Package tracker submits workflows through the backend client and keeps a
// persisted record of every accepted job.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/comfyrun/internal/cache"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// ErrInvalidWorkflow is returned when the submitted payload is not a JSON object.
var ErrInvalidWorkflow = errors.New("workflow must be a non-empty JSON object")

const (
	defaultStatusTTL    = 24 * time.Hour
	defaultStatsTTL     = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Backend is the part of *comfy.Client the service drives.
type Backend interface {
	Addr() string
	ClientID() string
	IsOpen() bool
	Registry() *comfy.Registry
	NewJob(workflow json.RawMessage, obs comfy.JobObserver) *comfy.Job
	ClearQueue(ctx context.Context) error
	DeleteQueueItems(ctx context.Context, ids ...string) error
	SystemStats(ctx context.Context) (*models.SystemStats, error)
}

var _ Backend = (*comfy.Client)(nil)

type Service struct {
	backend      Backend
	store        store.Store
	cache        cache.Cache
	logger       *slog.Logger
	statusTTL    time.Duration
	statsTTL     time.Duration
	writeTimeout time.Duration

	mu         sync.Mutex
	persisters map[string]*persister
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithStatusTTL sets how long mirrored job statuses live in the cache.
func WithStatusTTL(d time.Duration) Option {
	return func(s *Service) { s.statusTTL = d }
}

// WithStatsTTL sets how long a system stats snapshot is served from the cache.
func WithStatsTTL(d time.Duration) Option {
	return func(s *Service) { s.statsTTL = d }
}

func NewService(b Backend, st store.Store, c cache.Cache, opts ...Option) *Service {
	s := &Service{
		backend:      b,
		store:        st,
		cache:        c,
		logger:       slog.Default(),
		statusTTL:    defaultStatusTTL,
		statsTTL:     defaultStatsTTL,
		writeTimeout: defaultWriteTimeout,
		persisters:   map[string]*persister{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tracker")
	return s
}

// Submit queues workflow on the backend and persists the accepted job. Rejected
// submissions are not persisted; their error is returned as is.
func (s *Service) Submit(ctx context.Context, workflow json.RawMessage) (*models.JobRecord, error) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(workflow, &nodes); err != nil || len(nodes) == 0 {
		return nil, ErrInvalidWorkflow
	}

	p := newPersister(s)
	j := s.backend.NewJob(workflow, p)
	if err := j.Submit(ctx); err != nil {
		p.discard()
		return nil, err
	}

	now := time.Now().UTC()
	rec := &models.JobRecord{
		ID:          uuid.New(),
		PromptID:    j.ID(),
		ClientID:    s.backend.ClientID(),
		Status:      models.JobStateQueued,
		Workflow:    workflow,
		QueueNumber: j.Number(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		p.discard()
		s.abandon(ctx, j)
		return nil, fmt.Errorf("persist job %s: %w", rec.PromptID, err)
	}
	s.mirror(ctx, rec.PromptID, rec.Status, "")
	p.attach(rec.PromptID)

	s.logger.Info("job submitted", "prompt_id", rec.PromptID, "number", rec.QueueNumber)
	return s.Get(ctx, rec.PromptID)
}

// Get returns the persisted record. A mirrored status written no earlier than
// the record's last update takes precedence over the stored one.
func (s *Service) Get(ctx context.Context, promptID string) (*models.JobRecord, error) {
	rec, err := s.store.GetJobByPromptID(ctx, promptID)
	if err != nil {
		return nil, err
	}
	live, ok, err := s.cache.GetJobStatus(ctx, promptID)
	if err != nil {
		s.logger.Warn("read mirrored status failed", "prompt_id", promptID, "error", err)
		return rec, nil
	}
	if !ok || live.UpdatedAt.Before(rec.UpdatedAt) {
		return rec, nil
	}
	rec.Status = live.State
	if live.LastNode != "" {
		rec.LastNode = &live.LastNode
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.JobRecord, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Cancel cancels a queued or running job. Jobs no longer tracked by this
// process (for example after a restart) are removed from the backend queue
// and marked cancelled directly. Terminal jobs are returned unchanged.
func (s *Service) Cancel(ctx context.Context, promptID string) (*models.JobRecord, error) {
	if j, ok := s.backend.Registry().Lookup(promptID); ok {
		if err := j.Cancel(ctx); err != nil {
			return nil, err
		}
		s.flush(ctx, promptID)
		return s.Get(ctx, promptID)
	}

	rec, err := s.Get(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsActive() {
		return rec, nil
	}
	if err := s.backend.DeleteQueueItems(ctx, promptID); err != nil {
		return nil, err
	}
	s.settle(ctx, promptID, models.JobStateCancelled)
	return s.Get(ctx, promptID)
}

// ClearQueue empties the backend queue. Tracked jobs fail through their
// observers; active persisted jobs this process does not track are marked
// failed here.
func (s *Service) ClearQueue(ctx context.Context) error {
	started := time.Now().UTC()
	tracked := map[string]bool{}
	for _, id := range s.backend.Registry().IDs() {
		tracked[id] = true
	}

	if err := s.backend.ClearQueue(ctx); err != nil {
		return err
	}
	s.flush(ctx)

	untracked, err := s.activeRecords(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, rec := range untracked {
		if tracked[rec.PromptID] || rec.CreatedAt.After(started) {
			continue
		}
		s.settle(ctx, rec.PromptID, models.JobStateFailed, store.WithErrorMessage("removed from queue"))
	}
	return nil
}

// DeleteQueueItems removes ids from the backend queue. Tracked jobs fail
// through their observers; untracked persisted jobs are marked failed here.
func (s *Service) DeleteQueueItems(ctx context.Context, ids []string) error {
	var untracked []string
	for _, id := range ids {
		if _, ok := s.backend.Registry().Lookup(id); !ok {
			untracked = append(untracked, id)
		}
	}
	if err := s.backend.DeleteQueueItems(ctx, ids...); err != nil {
		return err
	}
	s.flush(ctx, ids...)
	for _, id := range untracked {
		s.settle(ctx, id, models.JobStateFailed, store.WithErrorMessage("removed from queue"))
	}
	return nil
}

// activeRecords lists every queued or running record.
func (s *Service) activeRecords(ctx context.Context) ([]*models.JobRecord, error) {
	const pageSize = 100
	var out []*models.JobRecord
	for _, status := range []models.JobState{models.JobStateQueued, models.JobStateRunning} {
		for page := 1; ; page++ {
			recs, total, err := s.store.ListJobs(ctx, store.JobFilter{Status: status, Page: page, Limit: pageSize})
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
			if len(recs) == 0 || page*pageSize >= total {
				break
			}
		}
	}
	return out, nil
}

// SystemStats returns backend host stats, served from the cache for a few
// seconds between backend calls.
func (s *Service) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	key := cache.SystemStatsKey(s.backend.Addr())
	if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var stats models.SystemStats
		if json.Unmarshal(b, &stats) == nil {
			return &stats, nil
		}
	}

	stats, err := s.backend.SystemStats(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(stats); err == nil {
		if err := s.cache.Set(ctx, key, b, s.statsTTL); err != nil {
			s.logger.Warn("cache system stats failed", "error", err)
		}
	}
	return stats, nil
}

// Health reports "ok" or "degraded" for the database, the cache and the
// backend event stream.
func (s *Service) Health(ctx context.Context) map[string]string {
	checks := map[string]string{
		"database": "ok",
		"cache":    "ok",
		"backend":  "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = "degraded"
	}
	if err := s.cache.Ping(ctx); err != nil {
		checks["cache"] = "degraded"
	}
	if !s.backend.IsOpen() {
		checks["backend"] = "degraded"
	}
	return checks
}

// settle moves an untracked persisted job to a terminal state. Records that
// are missing or already terminal are left alone.
func (s *Service) settle(ctx context.Context, promptID string, status models.JobState, opts ...store.JobUpdateOption) {
	err := s.store.UpdateJobStatus(ctx, promptID, status, opts...)
	switch {
	case err == nil:
		s.mirror(ctx, promptID, status, "")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
	default:
		s.logger.Warn("persist job status failed", "prompt_id", promptID, "status", status, "error", err)
	}
}

func (s *Service) mirror(ctx context.Context, promptID string, status models.JobState, lastNode string) {
	live := cache.JobStatus{State: status, LastNode: lastNode, UpdatedAt: time.Now().UTC()}
	if err := s.cache.SetJobStatus(ctx, promptID, live, s.statusTTL); err != nil {
		s.logger.Warn("mirror job status failed", "prompt_id", promptID, "status", status, "error", err)
	}
}

// abandon cancels a job the backend accepted but the store could not record,
// so nothing runs that the gateway cannot see.
func (s *Service) abandon(ctx context.Context, j *comfy.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := j.Cancel(ctx); err != nil {
		s.logger.Warn("cancel unrecorded job failed", "prompt_id", j.ID(), "error", err)
	}
}

func (s *Service) track(promptID string, p *persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisters[promptID] = p
}

func (s *Service) untrack(promptID string, p *persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persisters[promptID] == p {
		delete(s.persisters, promptID)
	}
}

// flush waits for pending writes of the given jobs, or of every tracked job
// when ids is empty.
func (s *Service) flush(ctx context.Context, ids ...string) {
	s.mu.Lock()
	var targets []*persister
	if len(ids) == 0 {
		for _, p := range s.persisters {
			targets = append(targets, p)
		}
	} else {
		for _, id := range ids {
			if p, ok := s.persisters[id]; ok {
				targets = append(targets, p)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		p.flush(ctx)
	}
}
