package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

type statusUpdate struct {
	status   models.JobState
	lastNode string
	opts     []store.JobUpdateOption
}

// persister writes a job's transitions to the store and the status mirror.
// Callbacks only queue updates; a writer goroutine applies them in order so a
// slow database never stalls the stream reader. Transitions that arrive before
// the record exists are held until attach.
type persister struct {
	svc *Service

	mu        sync.Mutex
	promptID  string
	attached  bool
	discarded bool
	writing   bool
	drained   chan struct{}
	lastNode  string
	pending   []statusUpdate
}

func newPersister(s *Service) *persister {
	return &persister{svc: s}
}

func (p *persister) OnProgress(_ *comfy.Job, pr comfy.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr.Node == "" || pr.Node == p.lastNode {
		return
	}
	p.lastNode = pr.Node
	p.record(statusUpdate{
		status: models.JobStateRunning,
		opts:   []store.JobUpdateOption{store.WithLastNode(pr.Node)},
	})
}

func (p *persister) OnCompleted(*comfy.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(statusUpdate{status: models.JobStateCompleted})
}

func (p *persister) OnCancelled(*comfy.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(statusUpdate{status: models.JobStateCancelled})
}

func (p *persister) OnError(_ *comfy.Job, err error) {
	opts := []store.JobUpdateOption{store.WithErrorMessage(err.Error())}
	var execErr *comfy.ExecutionError
	if errors.As(err, &execErr) && len(execErr.Data) > 0 {
		opts = append(opts, store.WithErrorDetail(execErr.Data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(statusUpdate{status: models.JobStateFailed, opts: opts})
}

// attach binds the persisted record and writes held transitions before it
// returns.
func (p *persister) attach(promptID string) {
	p.mu.Lock()
	p.promptID = promptID
	p.attached = true
	p.writing = true
	p.drained = make(chan struct{})
	p.mu.Unlock()

	p.svc.track(promptID, p)
	p.drain()
}

// discard drops held and future transitions for a job that was never persisted.
func (p *persister) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = true
	p.pending = nil
}

// record must be called with p.mu held.
func (p *persister) record(u statusUpdate) {
	if p.discarded {
		return
	}
	u.lastNode = p.lastNode
	p.pending = append(p.pending, u)
	if p.attached && !p.writing {
		p.writing = true
		p.drained = make(chan struct{})
		go p.drain()
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		if len(batch) == 0 {
			p.writing = false
			close(p.drained)
			p.mu.Unlock()
			return
		}
		promptID := p.promptID
		p.mu.Unlock()

		for _, u := range batch {
			p.apply(promptID, u)
			if u.status.IsTerminal() {
				p.svc.untrack(promptID, p)
			}
		}
	}
}

// flush waits until every transition queued so far has been written.
func (p *persister) flush(ctx context.Context) {
	p.mu.Lock()
	writing, drained := p.writing, p.drained
	p.mu.Unlock()
	if !writing {
		return
	}
	select {
	case <-drained:
	case <-ctx.Done():
	}
}

func (p *persister) apply(promptID string, u statusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), p.svc.writeTimeout)
	defer cancel()

	if err := p.svc.store.UpdateJobStatus(ctx, promptID, u.status, u.opts...); err != nil {
		p.svc.logger.Warn("persist job status failed",
			"prompt_id", promptID, "status", u.status, "error", err)
	}
	p.svc.mirror(ctx, promptID, u.status, u.lastNode)
}

var _ comfy.JobObserver = (*persister)(nil)
