// Package worker implements the job execution loop shared by the collect and
// publish pools.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/clock/system"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/metrics"
)

// Handler processes one job and returns any follow-up jobs.
type Handler interface {
	Handle(ctx context.Context, job listing.Job) ([]listing.Job, error)
}

// Exhauster is implemented by handlers that need to record a job that ran
// out of attempts.
type Exhauster interface {
	Exhausted(ctx context.Context, job listing.Job, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job listing.Job) ([]listing.Job, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	return f(ctx, job)
}

// ErrUnknownKind is returned by Mux for kinds with no registered handler.
var ErrUnknownKind = errors.New("no handler for job kind")

// Mux routes jobs to handlers by kind.
type Mux struct {
	handlers map[listing.JobKind]Handler
}

// NewMux constructs an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[listing.JobKind]Handler)}
}

// Register binds h to kind.
func (m *Mux) Register(kind listing.JobKind, h Handler) {
	m.handlers[kind] = h
}

// Handle dispatches to the handler registered for the job's kind.
func (m *Mux) Handle(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}
	return h.Handle(ctx, job)
}

// Exhausted forwards to the kind's handler when it implements Exhauster.
func (m *Mux) Exhausted(ctx context.Context, job listing.Job, err error) {
	if ex, ok := m.handlers[job.Kind].(Exhauster); ok {
		ex.Exhausted(ctx, job, err)
	}
}

// Config controls Worker behavior.
type Config struct {
	// Kinds lists the job kinds served by this worker's queue. A follow-up of
	// one of these kinds for the same draft is requeued without releasing the key.
	Kinds      []listing.JobKind
	JobTimeout time.Duration
}

// Worker consumes queue items and runs the handler with retries.
type Worker struct {
	queue    listing.Queue
	enqueuer listing.Enqueuer
	handler  Handler
	policy   RetryPolicy
	clock    listing.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. Follow-up jobs bound for other queues go through enqueuer.
func New(
	queue listing.Queue,
	enqueuer listing.Enqueuer,
	handler Handler,
	policy RetryPolicy,
	clock listing.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = NewExponentialRetryPolicy(0, 0, 0)
	}
	if clock == nil {
		clock = system.New()
	}
	if enqueuer == nil {
		enqueuer = queue
	}
	return &Worker{
		queue:    queue,
		enqueuer: enqueuer,
		handler:  handler,
		policy:   policy,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, listing.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("draft_id", job.DraftID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", job.Attempt),
		)
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job listing.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	jobCtx, span := otel.Tracer("relist/worker").Start(jobCtx, "job "+string(job.Kind),
		trace.WithAttributes(
			attribute.String("draft_id", job.DraftID),
			attribute.Int("attempt", job.Attempt),
		))
	defer span.End()

	start := time.Now()
	next, err := w.safeHandle(jobCtx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err == nil {
		metrics.ObserveJob(string(job.Kind), "succeeded", time.Since(start))
		w.finish(ctx, job, next)
		return
	}

	attempt := job.Attempt + 1
	logger := w.logger.With(
		zap.String("draft_id", job.DraftID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	if ctx.Err() == nil && w.policy.ShouldRetry(err, attempt) {
		metrics.ObserveJob(string(job.Kind), "retried", time.Since(start))
		retry := job
		retry.Attempt = attempt
		retry.LastError = err.Error()
		retry.RunAt = w.clock.Now().Add(w.policy.Backoff(attempt))
		logger.Warn("job failed, retrying", zap.Time("run_at", retry.RunAt))
		if rqErr := w.queue.Requeue(ctx, retry); rqErr != nil {
			logger.Error("requeue failed", zap.NamedError("requeue_error", rqErr))
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the job; put it back untouched for the next process.
		logger.Warn("job interrupted by shutdown")
		if rqErr := w.queue.Requeue(context.WithoutCancel(ctx), job); rqErr != nil {
			logger.Error("requeue failed", zap.NamedError("requeue_error", rqErr))
		}
		return
	}

	metrics.ObserveJob(string(job.Kind), "exhausted", time.Since(start))
	logger.Error("job exhausted retries")
	if ex, ok := w.handler.(Exhauster); ok {
		ex.Exhausted(ctx, job, err)
	}
	w.complete(ctx, job)
}

// finish acknowledges job and schedules its follow-ups. A same-draft
// follow-up served by this queue keeps the key so nothing can slip in between.
func (w *Worker) finish(ctx context.Context, job listing.Job, next []listing.Job) {
	var rest []listing.Job
	handedOff := false
	for _, n := range next {
		if !handedOff && n.Key() == job.Key() && w.serves(n.Kind) {
			n.Receipt = job.Receipt
			if err := w.queue.Requeue(ctx, n); err != nil {
				w.logger.Error("requeue follow-up failed",
					zap.String("draft_id", n.DraftID),
					zap.String("kind", string(n.Kind)),
					zap.Error(err),
				)
				rest = append(rest, n)
				continue
			}
			handedOff = true
			continue
		}
		rest = append(rest, n)
	}
	if !handedOff {
		w.complete(ctx, job)
	}
	for _, n := range rest {
		ok, err := w.enqueuer.Enqueue(ctx, n)
		if err != nil {
			w.logger.Error("enqueue follow-up failed",
				zap.String("draft_id", n.DraftID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			w.logger.Debug("follow-up collapsed into active job",
				zap.String("draft_id", n.DraftID),
				zap.String("kind", string(n.Kind)),
			)
		}
	}
}

func (w *Worker) complete(ctx context.Context, job listing.Job) {
	if err := w.queue.Complete(ctx, job); err != nil {
		w.logger.Error("complete job failed", zap.String("draft_id", job.DraftID), zap.Error(err))
	}
}

func (w *Worker) serves(kind listing.JobKind) bool {
	return slices.Contains(w.cfg.Kinds, kind)
}

// safeHandle converts a handler panic into a permanent error.
func (w *Worker) safeHandle(ctx context.Context, job listing.Job) (next []listing.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic", zap.String("draft_id", job.DraftID), zap.Any("panic", r))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, job)
}
