package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/queue/memory"
)

type countingHandler struct {
	mu        sync.Mutex
	calls     []listing.Job
	fails     int
	err       error
	next      func(listing.Job) []listing.Job
	exhausted []error
}

func (h *countingHandler) Handle(_ context.Context, job listing.Job) ([]listing.Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, job)
	if len(h.calls) <= h.fails {
		if h.err != nil {
			return nil, h.err
		}
		return nil, errors.New("transient error")
	}
	if h.next != nil {
		return h.next(job), nil
	}
	return nil, nil
}

func (h *countingHandler) Exhausted(_ context.Context, _ listing.Job, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = append(h.exhausted, err)
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *countingHandler) exhaustedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.exhausted)
}

func fastPolicy() *ExponentialRetryPolicy {
	return NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorker_RetryLogic(t *testing.T) {
	t.Parallel()

	keys := memory.NewKeys()
	q := memory.NewQueue(0, keys)
	h := &countingHandler{fails: 2}
	w := New(q, nil, h, fastPolicy(), nil, Config{}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobPublish, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		return h.callCount() == 3 && !keys.Held("d1")
	}, 2*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, []int{h.calls[0].Attempt, h.calls[1].Attempt, h.calls[2].Attempt})
	require.Equal(t, "transient error", h.calls[2].LastError)
	require.Empty(t, h.exhausted)
}

func TestWorker_RetryExhausted(t *testing.T) {
	t.Parallel()

	keys := memory.NewKeys()
	q := memory.NewQueue(0, keys)
	h := &countingHandler{fails: 100}
	w := New(q, nil, h, fastPolicy(), nil, Config{}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobPublish, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		return h.exhaustedCount() == 1 && !keys.Held("d1")
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, h.callCount())
}

func TestWorker_PermanentErrorSkipsRetry(t *testing.T) {
	t.Parallel()

	keys := memory.NewKeys()
	q := memory.NewQueue(0, keys)
	h := &countingHandler{fails: 100, err: Permanent(errors.New("bad input"))}
	w := New(q, nil, h, fastPolicy(), nil, Config{}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobCollect, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		return h.exhaustedCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.callCount())
	require.EqualError(t, h.exhausted[0], "bad input")
}

func TestWorker_SameQueueFollowUpKeepsKey(t *testing.T) {
	t.Parallel()

	keys := memory.NewKeys()
	q := memory.NewQueue(0, keys)
	release := make(chan struct{})
	polled := make(chan struct{})

	mux := NewMux()
	mux.Register(listing.JobPublish, HandlerFunc(func(_ context.Context, job listing.Job) ([]listing.Job, error) {
		return []listing.Job{{Kind: listing.JobModerationPoll, DraftID: job.DraftID}}, nil
	}))
	mux.Register(listing.JobModerationPoll, HandlerFunc(func(context.Context, listing.Job) ([]listing.Job, error) {
		close(polled)
		<-release
		return nil, nil
	}))
	w := New(q, nil, mux, fastPolicy(), nil, Config{
		Kinds: []listing.JobKind{listing.JobPublish, listing.JobModerationPoll},
	}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobPublish, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll follow-up never ran")
	}
	// Key was never released between publish and poll.
	ok, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobPublish, DraftID: "d1"})
	require.NoError(t, err)
	require.False(t, ok)

	close(release)
	require.Eventually(t, func() bool { return !keys.Held("d1") }, 2*time.Second, 5*time.Millisecond)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []listing.Job
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, job listing.Job) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return true, nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func TestWorker_CrossQueueFollowUpUsesEnqueuer(t *testing.T) {
	t.Parallel()

	keys := memory.NewKeys()
	q := memory.NewQueue(0, keys)
	enq := &recordingEnqueuer{}
	h := &countingHandler{next: func(job listing.Job) []listing.Job {
		return []listing.Job{{Kind: listing.JobPublish, DraftID: job.DraftID}}
	}}
	w := New(q, enq, h, fastPolicy(), nil, Config{Kinds: []listing.JobKind{listing.JobCollect}}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobCollect, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	require.Eventually(t, func() bool { return enq.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, keys.Held("d1"), "collect key is released before handing to the publish queue")
	require.Equal(t, listing.JobPublish, enq.jobs[0].Kind)
}

func TestWorker_PanicBecomesExhaustion(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0, nil)
	var mu sync.Mutex
	var exhausted error
	mux := NewMux()
	mux.Register(listing.JobCollect, &panicHandler{onExhausted: func(err error) {
		mu.Lock()
		defer mu.Unlock()
		exhausted = err
	}})
	w := New(q, nil, mux, fastPolicy(), nil, Config{}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), listing.Job{Kind: listing.JobCollect, DraftID: "d1"})
	require.NoError(t, err)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exhausted != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, exhausted.Error(), "handler panic")
}

type panicHandler struct {
	onExhausted func(error)
}

func (p *panicHandler) Handle(context.Context, listing.Job) ([]listing.Job, error) {
	panic("boom")
}

func (p *panicHandler) Exhausted(_ context.Context, _ listing.Job, err error) {
	p.onExhausted(err)
}

func TestMuxUnknownKindIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := NewMux().Handle(context.Background(), listing.Job{Kind: "nope"})
	require.ErrorIs(t, err, ErrUnknownKind)
	require.True(t, IsPermanent(err))
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.True(t, p.ShouldRetry(errors.New("x"), 1))
	require.True(t, p.ShouldRetry(errors.New("x"), 2))
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(Permanent(errors.New("x")), 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1), "per-job timeouts are retryable")

	for attempt := range 10 {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
	require.Nil(t, Permanent(nil))
}
