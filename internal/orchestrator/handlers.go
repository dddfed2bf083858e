package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/metrics"
)

// Handle serves publish and moderation_poll jobs.
func (o *Orchestrator) Handle(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	switch job.Kind {
	case listing.JobPublish:
		return o.handlePublish(ctx, job)
	case listing.JobModerationPoll:
		return o.handlePoll(ctx, job)
	default:
		return nil, fmt.Errorf("orchestrator cannot handle %s jobs", job.Kind)
	}
}

func (o *Orchestrator) handlePublish(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	d, err := o.deps.Drafts.GetDraft(ctx, job.DraftID)
	if errors.Is(err, listing.ErrNotFound) {
		o.logger.Info("draft deleted, dropping publish job", zap.String("draft_id", job.DraftID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	res, err := o.UploadSingle(ctx, d, Options{})
	if err != nil {
		return nil, err
	}
	o.logger.Info("publish finished",
		zap.String("draft_id", d.ID),
		zap.Bool("success", res.Success),
		zap.String("message", res.Message),
		zap.Strings("warnings", res.Warnings),
	)
	return res.Next, nil
}

func (o *Orchestrator) handlePoll(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	step, err := o.deps.Lifecycle.Advance(ctx, job.DraftID)
	if err != nil {
		return nil, err
	}
	if !step.Repoll() {
		return nil, nil
	}
	return []listing.Job{{Kind: listing.JobModerationPoll, DraftID: job.DraftID, RunAt: step.PollAt}}, nil
}

// Exhausted marks the draft failed with the last error and closes any
// moderation task still open.
func (o *Orchestrator) Exhausted(ctx context.Context, job listing.Job, cause error) {
	logger := logging.ForDraft(o.logger, job.DraftID).With(zap.String("kind", string(job.Kind)))
	reason := cause.Error()
	if err := o.deps.Lifecycle.Abort(ctx, job.DraftID, reason); err != nil {
		logger.Error("abort moderation task failed", zap.Error(err))
	}
	d, err := o.deps.Drafts.GetDraft(ctx, job.DraftID)
	if err != nil {
		if !errors.Is(err, listing.ErrNotFound) {
			logger.Error("load exhausted draft failed", zap.Error(err))
		}
		return
	}
	if d.Status.Terminal() {
		return
	}
	if err := d.Advance(listing.DraftFailed); err != nil {
		logger.Error("mark draft failed", zap.Error(err))
		return
	}
	d.LastError = reason
	if err := o.deps.Drafts.SaveDraft(ctx, d); err != nil {
		logger.Error("save failed draft", zap.Error(err))
		return
	}
	metrics.ObserveDraftOutcome(string(listing.DraftFailed))
	o.emit(ctx, listing.Event{
		Type:    listing.EventDraftFailed,
		DraftID: d.ID,
		OwnerID: d.OwnerID,
		Status:  d.Status,
		Reason:  reason,
	})
}

// Retry resets a failed or rejected draft to pending and queues it for
// collection again.
func (o *Orchestrator) Retry(ctx context.Context, draftID string) error {
	d, err := o.deps.Drafts.GetDraft(ctx, draftID)
	if err != nil {
		return fmt.Errorf("get draft: %w", err)
	}
	if err := d.ResetForRetry(); err != nil {
		return err
	}
	if err := o.deps.Lifecycle.Abort(ctx, draftID, "operator retry"); err != nil {
		return fmt.Errorf("abort moderation task: %w", err)
	}
	if err := o.deps.Drafts.SaveDraft(ctx, d); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	if o.deps.Enqueuer == nil {
		return nil
	}
	if _, err := o.deps.Enqueuer.Enqueue(ctx, listing.Job{Kind: listing.JobCollect, DraftID: draftID}); err != nil {
		return fmt.Errorf("enqueue collect: %w", err)
	}
	return nil
}
