package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/orchestrator"
	"github.com/JakeFAU/relist/internal/pricing"
)

type publishOptions struct {
	status             string
	limit              int
	strategy           string
	allowLowConfidence bool
}

// newPublishCmd creates the 'publish' subcommand, a batch upload of drafts
// named on the command line or selected by status.
func newPublishCmd() *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish [draft-id...]",
		Short: "Uploads a batch of drafts",
		Long: `Runs the publish stage over the given drafts, or over every draft with
--status, in paced chunks. A failing draft never stops the batch. The summary
is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.status, "status", "", "select drafts by status instead of by id (e.g. scraped)")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "maximum drafts selected by --status")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "pricing strategy: smart, aggressive or conservative")
	cmd.Flags().BoolVar(&opts.allowLowConfidence, "allow-low-confidence", false, "publish drafts whose category confidence is below the minimum")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string, opts *publishOptions) error {
	if len(args) == 0 && opts.status == "" {
		return errors.New("give draft ids or --status")
	}
	strategy := opts.strategy
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if strategy == "" {
		strategy = appInstance.Config().Pricing.Strategy
	}
	parsed, err := pricing.ParseStrategy(strategy)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := appInstance.Logger()
	var drafts []listing.Draft
	if opts.status != "" {
		drafts, err = appInstance.Drafts().ListDrafts(ctx, listing.DraftStatus(opts.status), opts.limit)
		if err != nil {
			return fmt.Errorf("list drafts: %w", err)
		}
	}
	for _, id := range args {
		d, err := appInstance.Drafts().GetDraft(ctx, id)
		if err != nil {
			return fmt.Errorf("load draft %s: %w", id, err)
		}
		drafts = append(drafts, d)
	}
	if len(drafts) == 0 {
		logger.Info("no drafts to publish")
		return nil
	}
	if !appInstance.Durable() && appInstance.Config().Moderation.Track {
		logger.Warn("moderation polls are queued in memory and lost when this command exits; configure redis or run serve")
	}

	batch := appInstance.Config().Batch
	summary := appInstance.Uploader().UploadBatch(ctx, drafts, orchestrator.BatchOptions{
		Concurrency: batch.Concurrency,
		Delay:       batch.Delay,
		Jitter:      batch.Jitter,
		Upload: orchestrator.Options{
			Strategy:                   parsed,
			AllowLowConfidenceCategory: opts.allowLowConfidence,
		},
	})
	logger.Info("batch finished",
		zap.Int("total", summary.Total),
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
