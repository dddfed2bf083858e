// Package images sources a compliant image set for a listing, preferring
// images already published on the target marketplace over cleaned originals.
package images

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/metrics"
	"github.com/JakeFAU/relist/internal/textmatch"
)

// Source tells where the chosen images came from.
type Source string

// Image sources.
const (
	SourceMarketplace Source = "zcy"
	SourceProcessed   Source = "ai-processed"
	SourceFallback    Source = "fallback"
)

// MarketplaceSearcher finds listings on the target marketplace.
type MarketplaceSearcher interface {
	Search(ctx context.Context, keyword string) ([]listing.MarketplaceItem, error)
	ListingImages(ctx context.Context, url string) ([]string, error)
}

// CleanedImage is the output of an image cleanup call.
type CleanedImage struct {
	Data        []byte
	ContentType string
	// Defects lists the defect categories removed, such as watermark or logo.
	Defects []string
}

// ImageCleaner removes watermarks, logos and contact details from an image.
type ImageCleaner interface {
	Clean(ctx context.Context, imageURL string) (CleanedImage, error)
}

// Result is the vetted image set for a draft.
type Result struct {
	Images           []string `json:"images"`
	Source           Source   `json:"source"`
	ComplianceScore  float64  `json:"compliance_score"`
	NeedManualReview bool     `json:"need_manual_review"`
	Log              []string `json:"log"`
}

// Config tunes the pipeline. Zero values take the defaults.
type Config struct {
	Threshold        float64
	RelaxedThreshold float64
	MinImages        int
	MaxImages        int
	AcceptScore      float64
	DefectPenalty    float64
	FailedScore      float64
	FallbackCap      float64
	RelaxedScore     float64
	ReviewBelow      float64
}

func (c *Config) setDefaults() {
	def := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Threshold, 0.80)
	def(&c.RelaxedThreshold, 0.60)
	def(&c.AcceptScore, 0.90)
	def(&c.DefectPenalty, 0.90)
	def(&c.FailedScore, 0.5)
	def(&c.FallbackCap, 0.85)
	def(&c.RelaxedScore, 0.95)
	def(&c.ReviewBelow, 0.95)
	if c.MinImages <= 0 {
		c.MinImages = 3
	}
	if c.MaxImages <= 0 {
		c.MaxImages = 5
	}
}

// Pipeline runs the image strategies in order.
type Pipeline struct {
	searcher MarketplaceSearcher
	cleaner  ImageCleaner
	blobs    listing.BlobStore
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(searcher MarketplaceSearcher, cleaner ImageCleaner, blobs listing.BlobStore, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Pipeline{searcher: searcher, cleaner: cleaner, blobs: blobs, cfg: cfg, logger: logger.Named("images")}
}

// ComplianceImages returns the vetted image set for d. Collaborator failures
// degrade to the next strategy; only context cancellation is an error.
func (p *Pipeline) ComplianceImages(ctx context.Context, d listing.Draft) (Result, error) {
	res := p.run(ctx, d)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("compliance images: %w", err)
	}
	res.NeedManualReview = res.ComplianceScore < p.cfg.ReviewBelow || res.Source == SourceFallback
	metrics.ObserveImageStrategy(string(res.Source))
	p.logger.Debug("images resolved",
		zap.String("draft_id", d.ID),
		zap.String("source", string(res.Source)),
		zap.Int("count", len(res.Images)),
		zap.Float64("score", res.ComplianceScore),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, d listing.Draft) Result {
	var log []string
	logf := func(format string, args ...any) { log = append(log, fmt.Sprintf(format, args...)) }

	if d.SourcePlatform == listing.PlatformZCY {
		logf("source is the target marketplace, reusing %d images", len(d.Images))
		return Result{Images: d.Images, Source: SourceMarketplace, ComplianceScore: 1, Log: log}
	}

	logf("searching marketplace for comparable listing images")
	found := p.find(ctx, d.Title, p.cfg.Threshold, false)
	if len(found) >= p.cfg.MinImages {
		logf("found %d marketplace images", len(found))
		return Result{Images: found, Source: SourceMarketplace, ComplianceScore: 1, Log: log}
	}
	logf("only %d marketplace images, cleaning originals", len(found))

	cleaned, score := p.clean(ctx, d)
	if score > p.cfg.AcceptScore && len(cleaned) >= p.cfg.MinImages {
		logf("cleaned %d images, compliance %.2f", len(cleaned), score)
		return Result{Images: cleaned, Source: SourceProcessed, ComplianceScore: score, Log: log}
	}
	logf("cleanup compliance %.2f over %d images is not enough, relaxing search", score, len(cleaned))

	relaxed := p.find(ctx, d.Title, p.cfg.RelaxedThreshold, true)
	if len(relaxed) >= p.cfg.MinImages {
		logf("relaxed search found %d images", len(relaxed))
		return Result{Images: relaxed, Source: SourceMarketplace, ComplianceScore: p.cfg.RelaxedScore, Log: log}
	}

	merged := append([]string(nil), found...)
	for _, img := range cleaned {
		if len(merged) >= p.cfg.MaxImages {
			break
		}
		merged = append(merged, img)
	}
	logf("falling back to %d merged images", len(merged))
	return Result{Images: merged, Source: SourceFallback, ComplianceScore: min(p.cfg.FallbackCap, score), Log: log}
}

// find collects images from marketplace listings similar to title until
// MaxImages are found.
func (p *Pipeline) find(ctx context.Context, title string, threshold float64, expand bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, kw := range textmatch.MarketplaceKeywords(title, expand) {
		items, err := p.searcher.Search(ctx, kw)
		if err != nil {
			p.logger.Warn("marketplace search failed", zap.String("keyword", kw), zap.Error(err))
			continue
		}
		for _, item := range items {
			if textmatch.ProductSimilarity(title, item.Title) <= threshold {
				continue
			}
			imgs, err := p.searcher.ListingImages(ctx, item.URL)
			if err != nil {
				p.logger.Warn("listing images failed", zap.String("url", item.URL), zap.Error(err))
				continue
			}
			for _, img := range imgs {
				if img == "" || seen[img] {
					continue
				}
				seen[img] = true
				out = append(out, img)
			}
			if len(out) >= p.cfg.MaxImages {
				return out[:p.cfg.MaxImages]
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// clean runs every original image through the cleaner and returns the stored
// image URIs with their mean score.
func (p *Pipeline) clean(ctx context.Context, d listing.Draft) ([]string, float64) {
	if len(d.Images) == 0 {
		return nil, 0
	}
	out := make([]string, 0, len(d.Images))
	total := 0.0
	for i, src := range d.Images {
		uri, score := p.cleanOne(ctx, d.ID, i, src)
		out = append(out, uri)
		total += score
	}
	return out, total / float64(len(d.Images))
}

func (p *Pipeline) cleanOne(ctx context.Context, draftID string, i int, src string) (string, float64) {
	img, err := p.cleaner.Clean(ctx, src)
	if err != nil {
		p.logger.Warn("image cleanup failed, keeping original", zap.String("image", src), zap.Error(err))
		return src, p.cfg.FailedScore
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	path := fmt.Sprintf("images/%s/%02d%s", draftID, i, extension(contentType))
	uri, err := p.blobs.PutObject(ctx, path, contentType, bytes.NewReader(img.Data))
	if err != nil {
		p.logger.Warn("store cleaned image failed, keeping original", zap.String("path", path), zap.Error(err))
		return src, p.cfg.FailedScore
	}
	return uri, math.Pow(p.cfg.DefectPenalty, float64(len(img.Defects)))
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
