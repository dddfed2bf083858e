// Package dispatcher manages worker fan-out over the collect and publish queues.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/worker"
)

// Config sizes the worker pools.
type Config struct {
	CollectWorkers int
	PublishWorkers int
	Worker         worker.Config
}

// Dispatcher owns both queues and fans their work out to worker pools.
type Dispatcher struct {
	collect listing.Queue
	publish listing.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher with collect and publish pools sharing handler.
func New(
	collect listing.Queue,
	publish listing.Queue,
	handler worker.Handler,
	policy worker.RetryPolicy,
	clock listing.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CollectWorkers <= 0 {
		cfg.CollectWorkers = 1
	}
	if cfg.PublishWorkers <= 0 {
		cfg.PublishWorkers = 1
	}
	d := &Dispatcher{collect: collect, publish: publish}

	collectCfg := cfg.Worker
	collectCfg.Kinds = []listing.JobKind{listing.JobCollect}
	for i := range cfg.CollectWorkers {
		d.workers = append(d.workers, worker.New(collect, d, handler, policy, clock, collectCfg,
			logger.With(zap.String("pool", "collect"), zap.Int("worker", i))))
	}
	publishCfg := cfg.Worker
	publishCfg.Kinds = []listing.JobKind{listing.JobPublish, listing.JobModerationPoll}
	for i := range cfg.PublishWorkers {
		d.workers = append(d.workers, worker.New(publish, d, handler, policy, clock, publishCfg,
			logger.With(zap.String("pool", "publish"), zap.Int("worker", i))))
	}
	return d
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	d.collect.Close()
	d.publish.Close()
	wg.Wait()
}

// Enqueue routes the job to the queue serving its kind. It returns false
// when an equivalent job for the draft is already queued or running.
func (d *Dispatcher) Enqueue(ctx context.Context, job listing.Job) (bool, error) {
	q, err := d.route(job.Kind)
	if err != nil {
		return false, err
	}
	ok, err := q.Enqueue(ctx, job)
	if err != nil {
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	return ok, nil
}

func (d *Dispatcher) route(kind listing.JobKind) (listing.Queue, error) {
	switch kind {
	case listing.JobCollect:
		return d.collect, nil
	case listing.JobPublish, listing.JobModerationPoll:
		return d.publish, nil
	default:
		return nil, fmt.Errorf("%w: %s", worker.ErrUnknownKind, kind)
	}
}
