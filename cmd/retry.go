package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
)

// newRetryCmd creates the 'retry' subcommand, which resets failed or
// rejected drafts and queues them for collection again.
func newRetryCmd() *cobra.Command {
	var allFailed bool
	cmd := &cobra.Command{
		Use:   "retry [draft-id...]",
		Short: "Resets failed drafts and queues them again",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ids := args
			if allFailed {
				failed, err := appInstance.Drafts().ListDrafts(ctx, listing.DraftFailed, 0)
				if err != nil {
					return fmt.Errorf("list failed drafts: %w", err)
				}
				for _, d := range failed {
					ids = append(ids, d.ID)
				}
			}
			if len(ids) == 0 {
				return errors.New("give draft ids or --all-failed")
			}

			var errs []error
			retried := 0
			for _, id := range ids {
				if err := appInstance.Uploader().Retry(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				retried++
			}
			appInstance.Logger().Info("retry finished", zap.Int("retried", retried), zap.Int("errors", len(errs)))
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d of %d drafts\n", retried, len(ids))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "retry every draft in status failed")
	return cmd
}
