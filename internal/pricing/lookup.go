// Package pricing finds a comparable price for a product and computes a
// listing price inside the marketplace's allowed discount band.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/textmatch"
)

// LookupStatus is the outcome of a comparable price lookup.
type LookupStatus string

// Lookup statuses.
const (
	StatusDirect         LookupStatus = "direct"
	StatusFound          LookupStatus = "found"
	StatusNotFound       LookupStatus = "not_found"
	StatusManualRequired LookupStatus = "manual_required"
)

// DefaultSimilarityThreshold is the title similarity a competitor listing
// must exceed to count as comparable.
const DefaultSimilarityThreshold = 0.85

// similarityTie is the band inside which two similarities rank as equal.
const similarityTie = 0.05

// ErrSearchUnavailable is returned when every competitor search failed.
var ErrSearchUnavailable = errors.New("competitor search unavailable")

// CompetitorSearcher searches one platform for listings matching keyword.
type CompetitorSearcher interface {
	Search(ctx context.Context, platform listing.Platform, keyword string) ([]listing.CompetitorObservation, error)
}

// Lookup is the result of ComparablePrice.
type Lookup struct {
	Status       LookupStatus                    `json:"status"`
	Comparison   *listing.CompetitorObservation  `json:"comparison,omitempty"`
	Alternatives []listing.CompetitorObservation `json:"alternatives,omitempty"`
	Keyword      string                          `json:"keyword,omitempty"`
	Message      string                          `json:"message"`
}

// Verified reports whether the lookup produced a usable base price.
func (l Lookup) Verified() bool {
	return (l.Status == StatusDirect || l.Status == StatusFound) && l.Comparison != nil
}

// Config tunes the engine.
type Config struct {
	// DirectPlatforms are trusted as their own comparable price.
	DirectPlatforms []listing.Platform
	// SearchPlatforms are searched for origins listed in SearchOrigins.
	SearchPlatforms []listing.Platform
	SearchOrigins   []listing.Platform
	Threshold       float64
}

func (c *Config) setDefaults() {
	if len(c.DirectPlatforms) == 0 {
		c.DirectPlatforms = []listing.Platform{listing.PlatformJD, listing.PlatformTmall, listing.PlatformSuning}
	}
	if len(c.SearchPlatforms) == 0 {
		c.SearchPlatforms = []listing.Platform{listing.PlatformJD, listing.PlatformTmall, listing.PlatformSuning}
	}
	if len(c.SearchOrigins) == 0 {
		c.SearchOrigins = []listing.Platform{listing.PlatformTaobao, listing.PlatformZCY}
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultSimilarityThreshold
	}
}

// Engine looks up comparable prices.
type Engine struct {
	searcher CompetitorSearcher
	cfg      Config
	logger   *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(searcher CompetitorSearcher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Engine{searcher: searcher, cfg: cfg, logger: logger.Named("pricing")}
}

// ComparablePrice finds the price the listing is discounted from.
func (e *Engine) ComparablePrice(ctx context.Context, d listing.Draft) (Lookup, error) {
	switch {
	case slices.Contains(e.cfg.DirectPlatforms, d.SourcePlatform):
		return Lookup{
			Status: StatusDirect,
			Comparison: &listing.CompetitorObservation{
				Platform:   d.SourcePlatform,
				URL:        d.SourceURL,
				Title:      d.Title,
				Price:      d.Price,
				Similarity: 1,
			},
			Message: "source listing used as comparable price",
		}, nil
	case slices.Contains(e.cfg.SearchOrigins, d.SourcePlatform):
		return e.search(ctx, d)
	default:
		return Lookup{
			Status:  StatusManualRequired,
			Message: fmt.Sprintf("unsupported source platform %q", d.SourcePlatform),
		}, nil
	}
}

func (e *Engine) search(ctx context.Context, d listing.Draft) (Lookup, error) {
	keyword := textmatch.SearchKeyword(d.Title)

	platforms := e.cfg.SearchPlatforms
	hits := make([][]listing.CompetitorObservation, len(platforms))
	errs := make([]error, len(platforms))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range platforms {
		g.Go(func() error {
			// A failing platform is recorded, not returned, so the others keep running.
			hits[i], errs[i] = e.searcher.Search(gctx, p, keyword)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Lookup{}, fmt.Errorf("competitor search: %w", err)
	}

	var (
		found    []listing.CompetitorObservation
		failures int
		lastErr  error
	)
	for i, p := range platforms {
		if errs[i] != nil {
			e.logger.Warn("competitor search failed", zap.String("platform", string(p)), zap.Error(errs[i]))
			failures++
			lastErr = errs[i]
			continue
		}
		for _, h := range hits[i] {
			h.Platform = p
			h.Similarity = textmatch.TitleSimilarity(d.Title, h.Title)
			if h.Similarity > e.cfg.Threshold && h.Price > 0 {
				found = append(found, h)
			}
		}
	}
	if failures == len(platforms) {
		return Lookup{}, fmt.Errorf("%w: %w", ErrSearchUnavailable, lastErr)
	}
	if len(found) == 0 {
		return Lookup{
			Status:  StatusNotFound,
			Keyword: keyword,
			Message: "no comparable listing found on " + joinPlatforms(platforms),
		}, nil
	}
	Rank(found)
	best := found[0]
	return Lookup{
		Status:       StatusFound,
		Comparison:   &best,
		Alternatives: found[1:],
		Keyword:      keyword,
		Message:      fmt.Sprintf("comparable listing found on %s", best.Platform),
	}, nil
}

// Rank orders observations by similarity, treating differences within 0.05 as
// equal, then by price descending.
func Rank(obs []listing.CompetitorObservation) {
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if math.Abs(a.Similarity-b.Similarity) > similarityTie {
			return a.Similarity > b.Similarity
		}
		return a.Price > b.Price
	})
}

func joinPlatforms(ps []listing.Platform) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += "/"
		}
		out += string(p)
	}
	return out
}
