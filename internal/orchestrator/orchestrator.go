// Package orchestrator turns a collected draft into a submitted listing. It
// fans out category, price and image enrichment, applies the risk decision
// and hands accepted drafts to the moderation lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/relist/internal/category"
	"github.com/JakeFAU/relist/internal/clock/system"
	"github.com/JakeFAU/relist/internal/images"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/metrics"
	"github.com/JakeFAU/relist/internal/moderation"
	"github.com/JakeFAU/relist/internal/pricing"
)

// CategoryMatcher resolves the marketplace category of a draft.
type CategoryMatcher interface {
	MatchDraft(ctx context.Context, d listing.Draft) (category.Match, error)
}

// PriceLookup finds the comparable price a listing price is derived from.
type PriceLookup interface {
	ComparablePrice(ctx context.Context, d listing.Draft) (pricing.Lookup, error)
}

// ImageSourcer produces a compliant image set.
type ImageSourcer interface {
	ComplianceImages(ctx context.Context, d listing.Draft) (images.Result, error)
}

// RiskAnalyzer grades listing risk. It must not fail; an unavailable
// classifier answers with a manual review suggestion.
type RiskAnalyzer interface {
	AnalyzeProduct(ctx context.Context, name, description string, rules []string) listing.RiskAssessment
}

// Lifecycle is the moderation state machine as seen by the orchestrator.
type Lifecycle interface {
	Active(ctx context.Context, draftID string) (bool, error)
	Start(ctx context.Context, draftID string, fields listing.ListingFields) (moderation.Step, error)
	Advance(ctx context.Context, draftID string) (moderation.Step, error)
	Abort(ctx context.Context, draftID, reason string) error
}

// Deps are the collaborators of an Orchestrator. Events, Clock and Enqueuer may be nil.
type Deps struct {
	Drafts     listing.DraftStore
	Categories CategoryMatcher
	Prices     PriceLookup
	Images     ImageSourcer
	Risk       RiskAnalyzer
	Lifecycle  Lifecycle
	// Executor submits listings directly when moderation tracking is off.
	Executor listing.AutomationExecutor
	Enqueuer listing.Enqueuer
	Events   listing.Publisher
	Clock    listing.Clock
}

// Config tunes the publish decision.
type Config struct {
	// TrackModeration routes submissions through the moderation lifecycle.
	// When false a successful submission publishes the draft at once.
	TrackModeration bool
	// MinCategoryConfidence parks drafts whose category is less certain.
	MinCategoryConfidence float64
	// WarnCategoryBelow adds a warning for uncertain categories.
	WarnCategoryBelow float64
	// HoldRisk is the lowest risk level that is held for manual review.
	HoldRisk listing.RiskLevel
	// Rules are marketplace rules passed to the risk classifier.
	Rules    []string
	Strategy pricing.Strategy
	Topic    string
}

func (c *Config) setDefaults() {
	if c.MinCategoryConfidence <= 0 {
		c.MinCategoryConfidence = 0.75
	}
	if c.WarnCategoryBelow <= 0 {
		c.WarnCategoryBelow = 0.85
	}
	if c.HoldRisk == "" {
		c.HoldRisk = listing.RiskHigh
	}
	if c.Strategy == "" {
		c.Strategy = pricing.StrategySmart
	}
}

// Options are per-upload overrides.
type Options struct {
	Strategy                   pricing.Strategy
	AllowLowConfidenceCategory bool
}

// UploadResult reports what UploadSingle did.
type UploadResult struct {
	DraftID     string               `json:"draft_id"`
	Success     bool                 `json:"success"`
	Status      listing.DraftStatus  `json:"status"`
	Message     string               `json:"message"`
	Details     map[string]any       `json:"details,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
	NeedsAction *listing.NeedsAction `json:"needs_action,omitempty"`
	// Next holds follow-up jobs the caller must schedule.
	Next []listing.Job `json:"-"`
}

var riskRank = map[listing.RiskLevel]int{
	listing.RiskLow:    0,
	listing.RiskMedium: 1,
	listing.RiskHigh:   2,
}

// Orchestrator runs the publish stage.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	cfg.setDefaults()
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

type enrichment struct {
	match  category.Match
	lookup pricing.Lookup
	images images.Result
}

// UploadSingle enriches the draft, decides whether it may be published and
// submits it. Drafts that are terminal or already under review are returned
// untouched.
func (o *Orchestrator) UploadSingle(ctx context.Context, d listing.Draft, opts Options) (UploadResult, error) {
	res := UploadResult{DraftID: d.ID, Status: d.Status}
	logger := logging.ForDraft(o.logger, d.ID)

	if d.Status.Terminal() {
		res.Success = d.Status == listing.DraftPublished
		res.Message = fmt.Sprintf("draft already %s", d.Status)
		return res, nil
	}
	if d.Status == listing.DraftPending {
		res.Message = "draft has not been collected yet"
		return res, nil
	}
	active, err := o.deps.Lifecycle.Active(ctx, d.ID)
	if err != nil {
		return res, err
	}
	if active {
		res.Message = "moderation already in progress"
		return res, nil
	}

	en, err := o.enrich(ctx, d)
	if err != nil {
		return res, err
	}
	if d.Diagnostics == nil {
		d.Diagnostics = make(map[string]any)
	}
	d.Diagnostics["category"] = en.match
	d.Diagnostics["pricing"] = en.lookup
	d.Diagnostics["images"] = en.images
	res.Details = map[string]any{
		"category": en.match,
		"pricing":  en.lookup,
		"images":   en.images,
	}

	if !en.lookup.Verified() {
		return o.park(ctx, d, res, listing.NeedsAction{
			Type:   listing.ActionManualPrice,
			Reason: en.lookup.Message,
			Data:   map[string]any{"status": en.lookup.Status, "keyword": en.lookup.Keyword},
		})
	}

	conf := en.match.Confidence()
	if conf < o.cfg.MinCategoryConfidence && !opts.AllowLowConfidenceCategory {
		return o.park(ctx, d, res, listing.NeedsAction{
			Type:   listing.ActionManualCategory,
			Reason: fmt.Sprintf("category confidence %.2f is below %.2f", conf, o.cfg.MinCategoryConfidence),
			Data:   map[string]any{"suggested": en.match.Category, "alternatives": en.match.Alternatives},
		})
	}
	if conf < o.cfg.WarnCategoryBelow {
		res.Warnings = append(res.Warnings, fmt.Sprintf("category confidence %.2f, manual check recommended", conf))
	}
	if en.images.NeedManualReview {
		res.Warnings = append(res.Warnings, fmt.Sprintf("image compliance %.2f, manual check recommended", en.images.ComplianceScore))
	}
	if en.images.ComplianceScore < 0.80 {
		res.Warnings = append(res.Warnings, "image compliance is low, manual review strongly recommended")
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.cfg.Strategy
	}
	quote, err := pricing.ComputePrice(en.lookup.Comparison.Price, strategy, competitorPrices(en.lookup))
	if err != nil {
		return o.park(ctx, d, res, listing.NeedsAction{
			Type:   listing.ActionManualPrice,
			Reason: err.Error(),
			Data:   map[string]any{"base_price": en.lookup.Comparison.Price},
		})
	}
	d.Diagnostics["quote"] = quote
	res.Details["quote"] = quote

	d.Category = &en.match.Category
	d.VettedImages = en.images.Images
	d.ImageSource = string(en.images.Source)
	d.ComplianceScore = en.images.ComplianceScore
	d.ListingPrice = quote.Price

	risk := o.deps.Risk.AnalyzeProduct(ctx, d.Title, d.Description, o.cfg.Rules)
	d.Risk = &risk
	d.Diagnostics["risk"] = risk
	res.Details["risk"] = risk
	if o.held(risk) {
		logger.Info("draft held for manual review",
			zap.String("risk_level", string(risk.Level)),
			zap.String("suggested_action", string(risk.SuggestedAction)),
		)
		return o.park(ctx, d, res, listing.NeedsAction{
			Type:   listing.ActionManualReview,
			Reason: holdReason(risk),
			Data:   map[string]any{"risk_level": risk.Level, "category": risk.Category},
		})
	}

	d.NeedsAction = nil
	d.LastError = ""
	fields := listingFields(d)
	if !o.cfg.TrackModeration {
		return o.publishDirect(ctx, d, fields, res)
	}
	return o.submit(ctx, d, fields, res)
}

func (o *Orchestrator) enrich(ctx context.Context, d listing.Draft) (enrichment, error) {
	var en enrichment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := o.deps.Categories.MatchDraft(gctx, d)
		if err != nil {
			return fmt.Errorf("match category: %w", err)
		}
		en.match = m
		return nil
	})
	g.Go(func() error {
		l, err := o.deps.Prices.ComparablePrice(gctx, d)
		if err != nil {
			return fmt.Errorf("comparable price: %w", err)
		}
		en.lookup = l
		return nil
	})
	g.Go(func() error {
		r, err := o.deps.Images.ComplianceImages(gctx, d)
		if err != nil {
			return fmt.Errorf("compliance images: %w", err)
		}
		en.images = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return enrichment{}, err
	}
	return en, nil
}

func (o *Orchestrator) held(r listing.RiskAssessment) bool {
	if r.SuggestedAction != listing.SuggestDirectUpload {
		return true
	}
	return riskRank[r.Level] >= riskRank[o.cfg.HoldRisk]
}

func holdReason(r listing.RiskAssessment) string {
	if r.Reasoning != "" {
		return fmt.Sprintf("%s risk: %s", r.Level, r.Reasoning)
	}
	return fmt.Sprintf("%s risk listing requires manual review", r.Level)
}

// park saves the draft with a needs-action marker. The status is left alone.
func (o *Orchestrator) park(ctx context.Context, d listing.Draft, res UploadResult, na listing.NeedsAction) (UploadResult, error) {
	d.NeedsAction = &na
	if err := o.deps.Drafts.SaveDraft(ctx, d); err != nil {
		return res, fmt.Errorf("save draft: %w", err)
	}
	metrics.ObserveDraftOutcome("needs_action")
	o.emit(ctx, listing.Event{
		Type:    listing.EventDraftNeedsAction,
		DraftID: d.ID,
		OwnerID: d.OwnerID,
		Status:  d.Status,
		Action:  na.Type,
		Reason:  na.Reason,
	})
	o.logger.Info("draft needs action",
		zap.String("draft_id", d.ID),
		zap.String("action", string(na.Type)),
		zap.String("reason", na.Reason),
	)
	res.Status = d.Status
	res.NeedsAction = &na
	res.Message = "needs action: " + string(na.Type)
	return res, nil
}

func (o *Orchestrator) submit(ctx context.Context, d listing.Draft, fields listing.ListingFields, res UploadResult) (UploadResult, error) {
	if err := d.Advance(listing.DraftPublishing); err != nil {
		return res, err
	}
	if err := o.deps.Drafts.SaveDraft(ctx, d); err != nil {
		return res, fmt.Errorf("save draft: %w", err)
	}
	res.Status = d.Status

	step, err := o.deps.Lifecycle.Start(ctx, d.ID, fields)
	if errors.Is(err, listing.ErrActiveTask) {
		res.Message = "moderation already in progress"
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("submit listing: %w", err)
	}
	if step.Repoll() {
		res.Next = append(res.Next, listing.Job{
			Kind:    listing.JobModerationPoll,
			DraftID: d.ID,
			RunAt:   step.PollAt,
		})
	}
	o.emit(ctx, listing.Event{
		Type:    listing.EventDraftSubmitted,
		DraftID: d.ID,
		OwnerID: d.OwnerID,
		Status:  d.Status,
		To:      step.State,
	})
	res.Success = true
	res.Message = "submitted for marketplace review"
	return res, nil
}

func (o *Orchestrator) publishDirect(ctx context.Context, d listing.Draft, fields listing.ListingFields, res UploadResult) (UploadResult, error) {
	out, err := o.deps.Executor.SubmitListing(ctx, fields)
	if err == nil && out.ListingID == "" {
		err = errors.New("submission returned no listing id")
	}
	if err != nil {
		return res, fmt.Errorf("submit listing: %w", err)
	}
	d.ListingID = out.ListingID
	if err := d.Advance(listing.DraftPublished); err != nil {
		return res, err
	}
	if err := o.deps.Drafts.SaveDraft(ctx, d); err != nil {
		return res, fmt.Errorf("save draft: %w", err)
	}
	metrics.ObserveDraftOutcome(string(listing.DraftPublished))
	o.emit(ctx, listing.Event{
		Type:      listing.EventDraftPublished,
		DraftID:   d.ID,
		OwnerID:   d.OwnerID,
		Status:    d.Status,
		ListingID: d.ListingID,
	})
	res.Status = d.Status
	res.Success = true
	res.Message = "published"
	res.Details["listing_id"] = d.ListingID
	return res, nil
}

func (o *Orchestrator) emit(ctx context.Context, ev listing.Event) {
	if o.deps.Events == nil || o.cfg.Topic == "" {
		return
	}
	ev.At = o.deps.Clock.Now()
	if _, err := o.deps.Events.Publish(ctx, o.cfg.Topic, ev); err != nil {
		o.logger.Warn("publish event failed",
			zap.String("draft_id", ev.DraftID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func competitorPrices(l pricing.Lookup) []float64 {
	out := make([]float64, 0, len(l.Alternatives))
	for _, a := range l.Alternatives {
		out = append(out, a.Price)
	}
	return out
}

func listingFields(d listing.Draft) listing.ListingFields {
	f := listing.ListingFields{
		Title:       d.Title,
		Description: d.Description,
		Price:       d.ListingPrice,
		Stock:       d.Stock,
		Images:      d.VettedImages,
		Attributes:  d.Attributes,
		DetailHTML:  d.DetailHTML,
	}
	if d.Category != nil {
		f.CategoryCode = d.Category.Node.Code
		f.CategoryPath = d.Category.Path
	}
	return f
}
