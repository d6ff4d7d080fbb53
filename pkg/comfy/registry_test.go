package comfy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitN(t *testing.T, b *fakeBackend, reg *Registry, n int) ([]*Job, []*recorder) {
	t.Helper()
	jobs := make([]*Job, n)
	recs := make([]*recorder, n)
	for i := range jobs {
		recs[i] = &recorder{}
		jobs[i] = newJob(b, reg, discardLogger(), noopMetrics{}, []byte(`{}`), recs[i])
		require.NoError(t, jobs[i].Submit(context.Background()))
	}
	return jobs, recs
}

func TestRegistry_FailAllForcesTrackedJobs(t *testing.T) {
	b := &fakeBackend{}
	reg := NewRegistry(discardLogger())
	jobs, recs := submitN(t, b, reg, 3)

	// p-1 runs, p-2 stays queued, p-3 finishes before the clear.
	reg.Dispatch(executing("p-1", strPtr("5")))
	reg.Dispatch(executing("p-3", nil))

	n := reg.failAll(forcedFailure("queue cleared"))

	assert.Equal(t, 2, n)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, models.JobStateFailed, jobs[0].State())
	assert.Equal(t, models.JobStateFailed, jobs[1].State())
	assert.Equal(t, models.JobStateCompleted, jobs[2].State())

	for _, i := range []int{0, 1} {
		_, _, _, errs := recs[i].counts()
		require.Equal(t, 1, errs)
		assert.ErrorIs(t, recs[i].errs[0], ErrForcedFailure)
	}
	_, completed, _, errs := recs[2].counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, errs)
}

func TestRegistry_FailMatchingOnlyTouchesListedIDs(t *testing.T) {
	reg := NewRegistry(discardLogger())
	jobs, _ := submitN(t, &fakeBackend{}, reg, 3)

	n := reg.failMatching([]string{"p-2", "p-unknown"}, forcedFailure("removed from queue"))

	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobStateQueued, jobs[0].State())
	assert.Equal(t, models.JobStateFailed, jobs[1].State())
	assert.Equal(t, models.JobStateQueued, jobs[2].State())
	assert.Equal(t, []string{"p-1", "p-3"}, reg.IDs())
}

func TestRegistry_ForEntriesMatchingEmptyIsNoop(t *testing.T) {
	reg := NewRegistry(discardLogger())
	submitN(t, &fakeBackend{}, reg, 1)

	called := false
	reg.ForEntriesMatching(nil, func(string, *Job) { called = true })
	assert.False(t, called)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(discardLogger())
	assert.NotPanics(t, func() { reg.Unregister("missing") })
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_RegisterReplacesEntry(t *testing.T) {
	reg := NewRegistry(discardLogger())
	b := &fakeBackend{}
	first := newJob(b, reg, discardLogger(), noopMetrics{}, []byte(`{}`), nil)
	require.NoError(t, first.Submit(context.Background()))

	second := newJob(b, reg, discardLogger(), noopMetrics{}, []byte(`{}`), nil)
	second.id = first.ID()
	second.state = models.JobStateQueued
	reg.Register(second)

	got, ok := reg.Lookup(first.ID())
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, reg.Len())

	// The replaced job finishing must not evict the new entry.
	first.complete()
	_, ok = reg.Lookup(first.ID())
	assert.True(t, ok)
}

func TestRegistry_OrphanEventsReplayedOnRegister(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(discardLogger())
	j := newJob(&fakeBackend{}, reg, discardLogger(), noopMetrics{}, []byte(`{}`), rec)

	// The backend finished p-1 before the submit response arrived.
	assert.False(t, reg.Dispatch(executing("p-1", strPtr("3"))))
	assert.False(t, reg.Dispatch(executing("p-1", nil)))

	require.NoError(t, j.Submit(context.Background()))

	assert.Equal(t, models.JobStateCompleted, j.State())
	assert.Equal(t, 0, reg.Len())
	progress, completed, _, _ := rec.counts()
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, completed)
	assert.NoError(t, j.Wait(context.Background()))
}

func TestRegistry_OrphanBufferIsBounded(t *testing.T) {
	reg := NewRegistry(discardLogger())
	for i := 0; i < maxOrphanPrompts+10; i++ {
		reg.Dispatch(executing(fmt.Sprintf("other-%d", i), strPtr("1")))
	}
	for i := 0; i < maxOrphanEvents+10; i++ {
		reg.Dispatch(executing("other-last", strPtr("1")))
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.LessOrEqual(t, len(reg.orphans), maxOrphanPrompts)
	assert.Len(t, reg.order, len(reg.orphans))
	assert.NotContains(t, reg.orphans, "other-0")
	assert.Len(t, reg.orphans["other-last"], maxOrphanEvents)
}

func TestRegistry_DispatchWithoutPromptIDIsIgnored(t *testing.T) {
	reg := NewRegistry(discardLogger())
	assert.False(t, reg.Dispatch(Event{Type: EventExecuting}))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Empty(t, reg.orphans)
}

func TestRegistry_ConcurrentDispatchAndClear(t *testing.T) {
	reg := NewRegistry(discardLogger())
	jobs, recs := submitN(t, &fakeBackend{}, reg, 20)

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reg.Dispatch(executing(id, strPtr("1")))
			reg.Dispatch(executing(id, nil))
		}(j.ID())
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.failAll(forcedFailure("queue cleared"))
	}()
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
	for i, j := range jobs {
		assert.True(t, j.State().IsTerminal())
		_, completed, _, errs := recs[i].counts()
		assert.Equal(t, 1, completed+errs, "job %s resolved more than once", j.ID())
	}
}
