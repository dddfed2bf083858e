package pricing

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/JakeFAU/relist/internal/metrics"
)

// Strategy selects where inside the band the listing price lands.
type Strategy string

// Pricing strategies.
const (
	StrategySmart        Strategy = "smart"
	StrategyAggressive   Strategy = "aggressive"
	StrategyConservative Strategy = "conservative"
)

// ParseStrategy maps a config or request value to a Strategy, defaulting to smart.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySmart:
		return StrategySmart, nil
	case StrategyAggressive:
		return StrategyAggressive, nil
	case StrategyConservative:
		return StrategyConservative, nil
	default:
		return "", fmt.Errorf("unknown pricing strategy %q", s)
	}
}

// Competitiveness grades a price against the market.
type Competitiveness string

// Competitiveness values.
const (
	CompetitivenessHigh   Competitiveness = "high"
	CompetitivenessMedium Competitiveness = "medium"
	CompetitivenessLow    Competitiveness = "low"
)

var (
	// ErrInvalidBase is returned for a non-positive comparable price.
	ErrInvalidBase = errors.New("comparable price must be positive")
	// ErrPriceBandEmpty is returned when no cent amount fits the band.
	ErrPriceBandEmpty = errors.New("allowed price band is empty")
)

// Band percentages of the comparable price, in whole percent.
const (
	bandMinPct         = 90
	bandMaxPct         = 97
	aggressivePct      = 91
	conservativePct    = 96
	smartDefaultPct    = 95
	smartFallbackPct   = 92
	competitorUndercut = 98
	centsPerUnit       = 100
	percentDenominator = 100
)

// Quote is a computed listing price.
type Quote struct {
	Price           float64         `json:"price"`
	BasePrice       float64         `json:"base_price"`
	DiscountPercent int             `json:"discount_percent"`
	Competitiveness Competitiveness `json:"competitiveness"`
	Strategy        Strategy        `json:"strategy"`
}

// ComputePrice prices a listing inside [90%, 97%] of base. Results are floored
// to whole currency units; when no whole unit fits the band, to whole cents.
func ComputePrice(base float64, strategy Strategy, competitors []float64) (Quote, error) {
	q, err := computePrice(base, strategy, competitors)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObservePriceDecision(string(strategy), outcome)
	return q, err
}

func computePrice(base float64, strategy Strategy, competitors []float64) (Quote, error) {
	if !(base > 0) || math.IsInf(base, 0) {
		return Quote{}, ErrInvalidBase
	}
	baseC := toCents(base)
	minC := ceilPct(baseC, bandMinPct)
	maxC := floorPct(baseC, bandMaxPct)
	if minC > maxC || minC <= 0 {
		return Quote{}, ErrPriceBandEmpty
	}

	// Snap to whole units when at least one whole unit lies in the band.
	step := int64(1)
	if lo, hi := ceilDiv(minC, centsPerUnit), maxC/centsPerUnit; lo <= hi {
		step = centsPerUnit
		minC, maxC = lo*centsPerUnit, hi*centsPerUnit
	}
	snap := func(c int64) int64 { return c / step * step }

	var (
		priceC int64
		comp   Competitiveness
	)
	switch strategy {
	case StrategyAggressive:
		priceC, comp = snap(floorPct(baseC, aggressivePct)), CompetitivenessHigh
	case StrategyConservative:
		priceC, comp = snap(floorPct(baseC, conservativePct)), CompetitivenessLow
	case StrategySmart, "":
		strategy = StrategySmart
		lowest, ok := lowestPositive(competitors)
		if !ok {
			priceC, comp = snap(floorPct(baseC, smartDefaultPct)), CompetitivenessMedium
			break
		}
		lowestC := toCents(lowest)
		priceC = snap(floorPct(lowestC, competitorUndercut))
		switch {
		case priceC < minC:
			priceC = minC
		case priceC > maxC:
			priceC = snap(floorPct(baseC, smartFallbackPct))
		}
		comp = CompetitivenessMedium
		if clampC(priceC, minC, maxC) < lowestC {
			comp = CompetitivenessHigh
		}
	default:
		return Quote{}, fmt.Errorf("unknown pricing strategy %q", strategy)
	}
	priceC = clampC(priceC, minC, maxC)

	price := float64(priceC) / centsPerUnit
	return Quote{
		Price:           price,
		BasePrice:       base,
		DiscountPercent: int(math.Round((1 - float64(priceC)/float64(baseC)) * 100)),
		Competitiveness: comp,
		Strategy:        strategy,
	}, nil
}

func toCents(v float64) int64 { return int64(math.Round(v * centsPerUnit)) }

func floorPct(c int64, pct int64) int64 { return c * pct / percentDenominator }

func ceilPct(c int64, pct int64) int64 { return ceilDiv(c*pct, percentDenominator) }

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func clampC(v, lo, hi int64) int64 { return max(lo, min(hi, v)) }

func lowestPositive(prices []float64) (float64, bool) {
	positive := slices.DeleteFunc(slices.Clone(prices), func(p float64) bool { return !(p > 0) })
	if len(positive) == 0 {
		return 0, false
	}
	return slices.Min(positive), true
}
