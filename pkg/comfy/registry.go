package comfy

import (
	"log/slog"
	"sort"
	"sync"
)

const (
	maxOrphanPrompts = 64
	maxOrphanEvents  = 64
)

// Registry correlates prompt ids to the jobs waiting on them. Entries are added
// when a submission is accepted and removed when the job reaches a terminal
// state. It is safe for concurrent use.
//
// Events for an id that is not registered yet are held in a bounded buffer and
// replayed on Register, since the backend may start executing a prompt before
// the submission response reaches the client.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	orphans map[string][]Event
	order   []string
}

type entry struct {
	job *Job
	// deliver serializes event delivery to one job.
	deliver sync.Mutex
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: make(map[string]*entry),
		orphans: make(map[string][]Event),
	}
}

// Register inserts or replaces the entry for the job's id and replays any
// events that arrived before it.
func (r *Registry) Register(j *Job) {
	id := j.ID()
	if id == "" {
		return
	}
	e := &entry{job: j}

	r.mu.Lock()
	r.entries[id] = e
	pending := r.takeOrphans(id)
	e.deliver.Lock()
	r.mu.Unlock()

	for _, ev := range pending {
		r.deliver(j, ev)
	}
	e.deliver.Unlock()

	// The job may have finished before it was inserted.
	if j.State().IsTerminal() {
		r.release(id, j)
	}
}

// Unregister removes the entry for id. It is a no-op if id is not registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// release removes the entry for id only if it still belongs to j.
func (r *Registry) release(id string, j *Job) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.job == j {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// Lookup returns the job registered under id.
func (r *Registry) Lookup(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the tracked prompt ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ForEachEntry calls fn for every tracked job. The set is snapshotted first, so
// fn may unregister entries.
func (r *Registry) ForEachEntry(fn func(id string, j *Job)) {
	r.visit(r.snapshot(nil), fn)
}

// ForEntriesMatching calls fn for every tracked job whose id is in ids.
// Unknown ids are ignored.
func (r *Registry) ForEntriesMatching(ids []string, fn func(id string, j *Job)) {
	if len(ids) == 0 {
		return
	}
	r.visit(r.snapshot(ids), fn)
}

// Dispatch routes a correlated event to its job. It reports whether a job was
// found; events for unknown ids are buffered for a later Register.
func (r *Registry) Dispatch(ev Event) bool {
	if ev.PromptID == "" {
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[ev.PromptID]
	if !ok {
		r.bufferOrphan(ev)
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	e.deliver.Lock()
	defer e.deliver.Unlock()
	r.deliver(e.job, ev)
	return true
}

// failAll forces every tracked job to failed with err.
func (r *Registry) failAll(err error) int {
	n := 0
	r.ForEachEntry(func(_ string, j *Job) {
		if j.fail(err) {
			n++
		}
	})
	return n
}

// failMatching forces the tracked jobs in ids to failed with err.
func (r *Registry) failMatching(ids []string, err error) int {
	n := 0
	r.ForEntriesMatching(ids, func(_ string, j *Job) {
		if j.fail(err) {
			n++
		}
	})
	return n
}

type idEntry struct {
	id string
	e  *entry
}

func (r *Registry) snapshot(ids []string) []idEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []idEntry
	if ids == nil {
		out = make([]idEntry, 0, len(r.entries))
		for id, e := range r.entries {
			out = append(out, idEntry{id: id, e: e})
		}
		return out
	}
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			out = append(out, idEntry{id: id, e: e})
		}
	}
	return out
}

func (r *Registry) visit(entries []idEntry, fn func(id string, j *Job)) {
	for _, ie := range entries {
		r.safely(ie.id, func() { fn(ie.id, ie.e.job) })
	}
}

func (r *Registry) deliver(j *Job, ev Event) {
	r.safely(ev.PromptID, func() { j.handleEvent(ev) })
}

// safely runs fn and logs a panic instead of letting it reach the stream reader.
func (r *Registry) safely(id string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job handler panicked", "prompt_id", id, "panic", rec)
		}
	}()
	fn()
}

// bufferOrphan must be called with r.mu held.
func (r *Registry) bufferOrphan(ev Event) {
	events, seen := r.orphans[ev.PromptID]
	if !seen {
		if len(r.order) >= maxOrphanPrompts {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.orphans, oldest)
		}
		r.order = append(r.order, ev.PromptID)
	}
	if len(events) >= maxOrphanEvents {
		events = events[1:]
	}
	r.orphans[ev.PromptID] = append(events, ev)
}

// takeOrphans must be called with r.mu held.
func (r *Registry) takeOrphans(id string) []Event {
	events, ok := r.orphans[id]
	if !ok {
		return nil
	}
	delete(r.orphans, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return events
}
