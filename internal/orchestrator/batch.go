package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/clock/system"
	"github.com/JakeFAU/relist/internal/listing"
)

// BatchOptions tune UploadBatch.
type BatchOptions struct {
	// Concurrency is the chunk size. Defaults to 3.
	Concurrency int
	// Delay and Jitter set the pause between chunks to [Delay, Delay+Jitter).
	Delay  time.Duration
	Jitter time.Duration
	Upload Options
}

// BatchSummary totals a batch run.
type BatchSummary struct {
	Total   int            `json:"total"`
	Success int            `json:"success"`
	Failed  int            `json:"failed"`
	Results []UploadResult `json:"results"`
}

// UploadBatch uploads drafts in chunks of opts.Concurrency, pausing between
// chunks. A failing draft never aborts the batch. Follow-up jobs are
// enqueued before returning.
func (o *Orchestrator) UploadBatch(ctx context.Context, drafts []listing.Draft, opts BatchOptions) BatchSummary {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	summary := BatchSummary{Results: make([]UploadResult, 0, len(drafts))}
	for start := 0; start < len(drafts); start += opts.Concurrency {
		if start > 0 {
			if err := system.Sleep(ctx, system.Jittered(opts.Delay, opts.Jitter)); err != nil {
				o.logger.Warn("batch interrupted", zap.Int("processed", len(summary.Results)), zap.Error(err))
				break
			}
		}
		end := min(start+opts.Concurrency, len(drafts))
		chunk := make([]UploadResult, end-start)
		var wg sync.WaitGroup
		for i, d := range drafts[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				chunk[i] = o.uploadOne(ctx, d, opts.Upload)
			}()
		}
		wg.Wait()
		summary.Results = append(summary.Results, chunk...)
	}

	summary.Total = len(summary.Results)
	for _, r := range summary.Results {
		if r.Success {
			summary.Success++
		}
	}
	summary.Failed = summary.Total - summary.Success
	o.logger.Info("batch upload finished",
		zap.Int("total", summary.Total),
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

func (o *Orchestrator) uploadOne(ctx context.Context, d listing.Draft, opts Options) UploadResult {
	res, err := o.UploadSingle(ctx, d, opts)
	if err != nil {
		o.logger.Warn("upload failed", zap.String("draft_id", d.ID), zap.Error(err))
		res.Success = false
		res.Message = err.Error()
		return res
	}
	for _, job := range res.Next {
		if o.deps.Enqueuer == nil {
			o.logger.Warn("no enqueuer, follow-up dropped", zap.String("draft_id", d.ID), zap.String("kind", string(job.Kind)))
			continue
		}
		if _, err := o.deps.Enqueuer.Enqueue(ctx, job); err != nil {
			o.logger.Error("enqueue follow-up failed", zap.String("draft_id", d.ID), zap.Error(err))
		}
	}
	return res
}
