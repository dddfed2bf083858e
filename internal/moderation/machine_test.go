package moderation

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	pubmemory "github.com/JakeFAU/relist/internal/publisher/memory"
	"github.com/JakeFAU/relist/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu        sync.Mutex
	submitErr error
	statuses  []listing.ModerationStatus
	checkErr  error
	submits   int
	checks    int
}

func (f *fakeExecutor) SubmitListing(context.Context, listing.ListingFields) (listing.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return listing.SubmitResult{}, f.submitErr
	}
	return listing.SubmitResult{ListingID: "L-1"}, nil
}

func (f *fakeExecutor) CheckModerationStatus(context.Context, string) (listing.ModerationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return listing.ModerationUnknown, f.checkErr
	}
	if len(f.statuses) == 0 {
		return listing.ModerationPending, nil
	}
	s := f.statuses[0]
	f.statuses = f.statuses[1:]
	return s, nil
}

type fixture struct {
	tasks  *memory.ModerationStore
	drafts *memory.DraftStore
	exec   *fakeExecutor
	events *pubmemory.Publisher
	m      *Machine
}

func newFixture(t *testing.T, exec *fakeExecutor, maxPolls int) *fixture {
	t.Helper()
	f := &fixture{
		tasks:  memory.NewModerationStore(),
		drafts: memory.NewDraftStore(),
		exec:   exec,
		events: pubmemory.New(),
	}
	require.NoError(t, f.drafts.CreateDraft(context.Background(), listing.Draft{ID: "d1", Status: listing.DraftPublishing}))
	f.m = NewMachine(f.tasks, f.drafts, exec, f.events, fixedClock{epoch},
		Config{PollInterval: time.Minute, MaxPolls: maxPolls, Topic: "events"}, zap.NewNop())
	return f
}

func (f *fixture) states(t *testing.T) []listing.ModerationState {
	t.Helper()
	log, err := f.tasks.ListTransitions(context.Background(), "d1")
	require.NoError(t, err)
	out := []listing.ModerationState{}
	for i, tr := range log {
		if i == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

func TestStartSubmitsAndMonitors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{}, 3)
	step, err := f.m.Start(context.Background(), "d1", listing.ListingFields{Title: "x"})
	require.NoError(t, err)
	require.Equal(t, listing.StateMonitoring, step.State)
	require.True(t, step.Repoll())
	require.Equal(t, epoch.Add(time.Minute), step.PollAt)

	task, err := f.tasks.GetTask(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, "L-1", task.ListingID)
	require.NotNil(t, task.SubmittedAt)
	require.Equal(t, []listing.ModerationState{listing.StateInit, listing.StateMonitoring}, f.states(t))

	active, err := f.m.Active(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, active)

	_, err = f.m.Start(context.Background(), "d1", listing.ListingFields{})
	require.ErrorIs(t, err, listing.ErrActiveTask)
	require.Equal(t, 1, f.exec.submits)
}

func TestStartFailureIsTerminalAndRetryable(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{submitErr: errors.New("form rejected input")}
	f := newFixture(t, exec, 3)

	step, err := f.m.Start(context.Background(), "d1", listing.ListingFields{})
	require.ErrorContains(t, err, "form rejected input")
	require.Equal(t, listing.StateFailed, step.State)
	require.False(t, step.Repoll())

	exec.mu.Lock()
	exec.submitErr = nil
	exec.mu.Unlock()
	step, err = f.m.Start(context.Background(), "d1", listing.ListingFields{})
	require.NoError(t, err)
	require.Equal(t, listing.StateMonitoring, step.State)
	task, _ := f.tasks.GetTask(context.Background(), "d1")
	require.Equal(t, 1, task.Retries)
}

func TestAdvanceApprovedPublishesDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{statuses: []listing.ModerationStatus{listing.ModerationPending, listing.ModerationApproved}}, 5)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)

	step, err := f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateMonitoring, step.State)
	require.True(t, step.Repoll())

	step, err = f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateDone, step.State)

	d, err := f.drafts.GetDraft(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.DraftPublished, d.Status)
	require.Equal(t, "L-1", d.ListingID)
	require.Equal(t, []listing.ModerationState{
		listing.StateInit, listing.StateMonitoring, listing.StateApproved, listing.StateDone,
	}, f.states(t))

	task, _ := f.tasks.GetTask(ctx, "d1")
	require.Equal(t, 2, task.Polls)

	// Terminal tasks are a no-op.
	step, err = f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateDone, step.State)
	require.Equal(t, 2, f.exec.checks)

	require.Len(t, f.events.Events(listing.EventDraftPublished), 1)
}

func TestAdvanceRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{statuses: []listing.ModerationStatus{listing.ModerationRejected}}, 5)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)

	step, err := f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateRejected, step.State)
	d, _ := f.drafts.GetDraft(ctx, "d1")
	require.Equal(t, listing.DraftRejected, d.Status)
	require.Contains(t, d.LastError, "rejected")
}

func TestAdvanceTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{}, 2)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)

	step, err := f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.True(t, step.Repoll())
	step, err = f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateFailed, step.State)

	d, _ := f.drafts.GetDraft(ctx, "d1")
	require.Equal(t, listing.DraftFailed, d.Status)
	require.Equal(t, "moderation timed out after 2 polls", d.LastError)
}

func TestAdvanceCheckErrorCountsPoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{checkErr: errors.New("console unreachable")}, 5)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)

	step, err := f.m.Advance(ctx, "d1")
	require.ErrorContains(t, err, "console unreachable")
	require.Equal(t, listing.StateMonitoring, step.State)
	task, _ := f.tasks.GetTask(ctx, "d1")
	require.Equal(t, 1, task.Polls)
	require.Equal(t, listing.StateMonitoring, task.State)
}

func TestAdvanceAbortsWhenDraftGone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{}, 5)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)
	require.NoError(t, f.drafts.DeleteDraft(ctx, "d1"))

	step, err := f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateFailed, step.State)
	require.Zero(t, f.exec.checks)

	step, err = f.m.Advance(ctx, "nobody")
	require.NoError(t, err)
	require.Equal(t, listing.ModerationState(""), step.State)
}

func TestAdvanceResumesApprovedAfterCrash(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{}, 5)
	ctx := context.Background()
	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)

	// Simulate a crash after the draft was published but before done was recorded.
	task, _ := f.tasks.GetTask(ctx, "d1")
	task.State = listing.StateApproved
	require.NoError(t, f.tasks.RecordTransition(ctx, task, listing.Transition{
		DraftID: "d1", From: listing.StateMonitoring, To: listing.StateApproved,
	}))
	d, _ := f.drafts.GetDraft(ctx, "d1")
	d.Status = listing.DraftPublished
	require.NoError(t, f.drafts.SaveDraft(ctx, d))

	step, err := f.m.Advance(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, listing.StateDone, step.State)
	require.Equal(t, 1, f.exec.submits)
	require.Zero(t, f.exec.checks)
}

func TestAbort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeExecutor{}, 5)
	ctx := context.Background()
	require.NoError(t, f.m.Abort(ctx, "d1", "nothing to abort"))

	_, err := f.m.Start(ctx, "d1", listing.ListingFields{})
	require.NoError(t, err)
	require.NoError(t, f.m.Abort(ctx, "d1", "operator retry"))
	task, _ := f.tasks.GetTask(ctx, "d1")
	require.Equal(t, listing.StateFailed, task.State)
	require.Equal(t, "operator retry", task.Reason)

	// Aborting a terminal task is a no-op.
	require.NoError(t, f.m.Abort(ctx, "d1", "again"))
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	all := []listing.ModerationState{
		listing.StateInit, listing.StateMonitoring, listing.StateApproved,
		listing.StateDone, listing.StateRejected, listing.StateFailed, "replacing",
	}
	allowed := map[[2]listing.ModerationState]bool{
		{listing.StateInit, listing.StateMonitoring}:     true,
		{listing.StateInit, listing.StateRejected}:       true,
		{listing.StateInit, listing.StateFailed}:         true,
		{listing.StateMonitoring, listing.StateApproved}: true,
		{listing.StateMonitoring, listing.StateRejected}: true,
		{listing.StateMonitoring, listing.StateFailed}:   true,
		{listing.StateApproved, listing.StateDone}:       true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]listing.ModerationState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// TestRandomRunsFollowGraph drives the machine with random marketplace answers
// and checks every recorded path against the transition table.
func TestRandomRunsFollowGraph(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 7))
	answers := []listing.ModerationStatus{
		listing.ModerationApproved, listing.ModerationRejected,
		listing.ModerationPending, listing.ModerationUnknown,
	}
	for run := range 300 {
		exec := &fakeExecutor{}
		if rng.IntN(5) == 0 {
			exec.submitErr = errors.New("submit failed")
		}
		for range 6 {
			exec.statuses = append(exec.statuses, answers[rng.IntN(len(answers))])
		}
		f := newFixture(t, exec, 1+rng.IntN(6))
		ctx := context.Background()

		step, _ := f.m.Start(ctx, "d1", listing.ListingFields{})
		for i := 0; i < 10 && !step.State.Terminal(); i++ {
			var err error
			step, err = f.m.Advance(ctx, "d1")
			require.NoError(t, err)
		}
		require.True(t, step.State.Terminal(), "run %d ended in %s", run, step.State)

		states := f.states(t)
		require.Equal(t, listing.StateInit, states[0])
		for i := 1; i < len(states); i++ {
			require.True(t, CanTransition(states[i-1], states[i]), "run %d: %v", run, states)
		}
		if states[len(states)-1] == listing.StateDone {
			require.Equal(t, listing.StateApproved, states[len(states)-2])
		}

		d, _ := f.drafts.GetDraft(ctx, "d1")
		switch step.State {
		case listing.StateDone:
			require.Equal(t, listing.DraftPublished, d.Status)
		case listing.StateRejected:
			require.Equal(t, listing.DraftRejected, d.Status)
		}
	}
}
