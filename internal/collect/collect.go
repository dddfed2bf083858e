// Package collect turns a pending draft into a scraped one by calling the
// scraper collaborator and normalizing what it returns.
package collect

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/metrics"
	"github.com/JakeFAU/relist/internal/worker"
)

// Collector serves collect jobs.
type Collector struct {
	drafts  listing.DraftStore
	scraper listing.Scraper
	logger  *zap.Logger
}

// New constructs a Collector.
func New(drafts listing.DraftStore, scraper listing.Scraper, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{drafts: drafts, scraper: scraper, logger: logger.Named("collect")}
}

// Handle collects the job's draft and hands it to the publish queue.
func (c *Collector) Handle(ctx context.Context, job listing.Job) ([]listing.Job, error) {
	if err := c.Collect(ctx, job.DraftID); err != nil {
		if errors.Is(err, errSkip) {
			return nil, nil
		}
		return nil, err
	}
	return []listing.Job{{Kind: listing.JobPublish, DraftID: job.DraftID}}, nil
}

var errSkip = errors.New("nothing to collect")

// Collect scrapes and stores the draft's content. Drafts that are missing or
// terminal are skipped. Drafts already past collection are not scraped again
// but still report success so the publish stage gets another look at them.
func (c *Collector) Collect(ctx context.Context, draftID string) error {
	logger := logging.ForDraft(c.logger, draftID)
	d, err := c.drafts.GetDraft(ctx, draftID)
	if errors.Is(err, listing.ErrNotFound) {
		logger.Info("draft deleted, skipping collection")
		return errSkip
	}
	if err != nil {
		return fmt.Errorf("get draft: %w", err)
	}
	if d.Status.Terminal() {
		logger.Info("draft is terminal, skipping collection", zap.String("status", string(d.Status)))
		return errSkip
	}
	if d.Status != listing.DraftPending {
		return nil
	}

	normalized, err := NormalizeURL(d.SourceURL)
	if err != nil {
		return worker.Permanent(err)
	}
	base, _ := url.Parse(normalized)

	payload, err := c.scraper.Scrape(ctx, normalized)
	if err != nil {
		metrics.ObserveScrape(normalized, "error")
		return fmt.Errorf("scrape %s: %w", normalized, err)
	}
	if payload.Title == "" {
		metrics.ObserveScrape(normalized, "empty")
		return worker.Permanent(fmt.Errorf("scrape %s: no title in payload", normalized))
	}
	metrics.ObserveScrape(normalized, "ok")

	detail, detailImages, err := SanitizeDetail(payload.DetailHTML, base)
	if err != nil {
		logger.Warn("detail html unusable, dropping it", zap.Error(err))
		detail, detailImages = "", nil
	}

	platform := payload.SourcePlatform
	if platform == "" || platform == listing.PlatformUnknown {
		platform = DetectPlatform(normalized)
	}

	d.SourceURL = normalized
	d.SourcePlatform = platform
	d.Title = payload.Title
	d.Description = payload.Description
	d.Attributes = payload.Attributes
	d.Images = dedupe(append(append([]string{}, payload.Images...), detailImages...))
	d.DetailHTML = detail
	d.Price = payload.Price
	d.Stock = payload.Stock
	d.ShopName = payload.ShopName
	d.HintCategory = payload.HintCategory
	if err := d.Advance(listing.DraftScraped); err != nil {
		return worker.Permanent(err)
	}
	if err := c.drafts.SaveDraft(ctx, d); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	logger.Info("draft collected",
		zap.String("platform", string(platform)),
		zap.Int("images", len(d.Images)),
		zap.Float64("price", d.Price),
	)
	return nil
}

// Exhausted marks the draft failed with the last scrape error.
func (c *Collector) Exhausted(ctx context.Context, job listing.Job, cause error) {
	logger := logging.ForDraft(c.logger, job.DraftID)
	d, err := c.drafts.GetDraft(ctx, job.DraftID)
	if err != nil {
		if !errors.Is(err, listing.ErrNotFound) {
			logger.Error("load exhausted draft failed", zap.Error(err))
		}
		return
	}
	if d.Status.Terminal() {
		return
	}
	if err := c.drafts.UpdateStatus(ctx, d.ID, listing.DraftFailed, cause.Error()); err != nil {
		logger.Error("mark draft failed", zap.Error(err))
		return
	}
	metrics.ObserveDraftOutcome(string(listing.DraftFailed))
}
