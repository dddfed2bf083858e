// Package category resolves a product to a node of the target marketplace
// taxonomy using a hint table, AI inference and a keyword fallback.
package category

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/ai"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/metrics"
	"github.com/JakeFAU/relist/internal/taxonomy"
	"github.com/JakeFAU/relist/internal/textmatch"
)

// Confidence thresholds for the matching tiers.
const (
	HintConfidence        = 0.95
	HintAIAcceptAbove     = 0.90
	KeywordFallbackBelow  = 0.80
	ManualReviewBelow     = 0.85
	keywordConfidenceCap  = 0.75
	noMatchConfidence     = 0.1
	maxAlternatives       = 3
	defaultMaxCandidates  = 40
	tierHint              = "hint"
	tierHintAI            = "hint_ai"
	tierInference         = "inference"
	tierKeyword           = "keyword"
	tierNoMatch           = "no_match"
	unknownSignalFallback = "未知"
)

// DefaultHints maps source-marketplace category labels to taxonomy codes.
var DefaultHints = map[string]string{
	"笔记本": "A0101010203",
	"台式机": "A0101010201",
	"鼠标":  "A0101020301",
	"键盘":  "A0101020302",
}

// Classifier runs one AI classification call.
type Classifier interface {
	Execute(ctx context.Context, req ai.Request) (ai.Result, error)
}

// Signals are the product features used for matching.
type Signals struct {
	Keywords     []string
	Title        string
	Description  string
	Hint         string
	Brand        string
	Model        string
	PriceBracket string
	Specs        map[string]string
}

// ExtractSignals derives matching signals from a draft.
func ExtractSignals(d listing.Draft) Signals {
	return Signals{
		Keywords:     textmatch.Keywords(d.Title),
		Title:        d.Title,
		Description:  d.Description,
		Hint:         strings.TrimSpace(d.HintCategory),
		Brand:        textmatch.Brand(d.Title),
		Model:        textmatch.Model(d.Title),
		PriceBracket: textmatch.PriceBracket(d.Price),
		Specs:        d.Attributes,
	}
}

// Match is a resolved category with its runners-up.
type Match struct {
	Category         listing.ResolvedCategory   `json:"category"`
	Alternatives     []listing.ResolvedCategory `json:"alternatives,omitempty"`
	NeedManualReview bool                       `json:"need_manual_review"`
	Tier             string                     `json:"tier"`
}

// Confidence returns the confidence of the chosen category.
func (m Match) Confidence() float64 { return m.Category.Confidence }

// Config tunes the matcher.
type Config struct {
	// Hints extend or override DefaultHints.
	Hints map[string]string
	// MaxCandidates bounds how many taxonomy nodes are listed in an inference prompt.
	MaxCandidates int
}

// Matcher runs the three-tier category resolution.
type Matcher struct {
	classifier    Classifier
	arena         *taxonomy.Arena
	hints         map[string]string
	maxCandidates int
	logger        *zap.Logger
}

// NewMatcher builds a matcher over arena.
func NewMatcher(classifier Classifier, arena *taxonomy.Arena, cfg Config, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	hints := maps.Clone(DefaultHints)
	maps.Copy(hints, cfg.Hints)
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	return &Matcher{
		classifier:    classifier,
		arena:         arena,
		hints:         hints,
		maxCandidates: cfg.MaxCandidates,
		logger:        logger.Named("category"),
	}
}

// MatchDraft extracts signals from d and matches them.
func (m *Matcher) MatchDraft(ctx context.Context, d listing.Draft) (Match, error) {
	return m.Match(ctx, ExtractSignals(d))
}

// Match resolves signals to a taxonomy node. AI failures degrade to the
// keyword fallback; only context cancellation is returned as an error.
func (m *Matcher) Match(ctx context.Context, s Signals) (Match, error) {
	res := m.match(ctx, s)
	if err := ctx.Err(); err != nil {
		return Match{}, fmt.Errorf("match category: %w", err)
	}
	res.NeedManualReview = res.Category.Confidence < ManualReviewBelow
	metrics.ObserveCategoryDecision(res.Tier)
	m.logger.Debug("category resolved",
		zap.String("tier", res.Tier),
		zap.String("code", res.Category.Node.Code),
		zap.Float64("confidence", res.Category.Confidence),
	)
	return res, nil
}

func (m *Matcher) match(ctx context.Context, s Signals) Match {
	if s.Hint != "" {
		if code, ok := m.hints[s.Hint]; ok {
			if node, ok := m.arena.ByCode(code); ok {
				return Match{
					Category: m.arena.Resolve(node, HintConfidence,
						fmt.Sprintf("hint category %q maps to %q", s.Hint, m.arena.Path(node.ID))),
					Tier: tierHint,
				}
			}
		}
		hinted, err := m.infer(ctx, s, true)
		if err != nil {
			m.logger.Warn("hint inference failed", zap.String("hint", s.Hint), zap.Error(err))
		} else if hinted.Category.Confidence > HintAIAcceptAbove {
			hinted.Tier = tierHintAI
			return hinted
		}
	}

	inferred, err := m.infer(ctx, s, false)
	if err != nil {
		m.logger.Warn("category inference failed", zap.Error(err))
		inferred = Match{Category: m.arena.Resolve(m.arena.First(), 0, "AI unavailable: "+err.Error())}
	}
	inferred.Tier = tierInference
	if inferred.Category.Confidence < KeywordFallbackBelow {
		if kw := m.KeywordMatch(s.Keywords); kw.Category.Confidence > inferred.Category.Confidence {
			return kw
		}
	}
	return inferred
}

type aiAnswer struct {
	CategoryCode string   `json:"categoryCode"`
	CategoryName string   `json:"categoryName"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Alternatives []string `json:"alternatives"`
}

func (m *Matcher) infer(ctx context.Context, s Signals, withHint bool) (Match, error) {
	res, err := m.classifier.Execute(ctx, ai.Request{
		SystemPrompt: m.systemPrompt(s),
		UserText:     userPrompt(s, withHint),
	})
	if err != nil {
		return Match{}, err
	}
	var ans aiAnswer
	if err := res.Decode(&ans); err != nil {
		return Match{}, err
	}
	node, ok := m.arena.ByCode(strings.TrimSpace(ans.CategoryCode))
	if !ok {
		// An answer outside the taxonomy carries no weight.
		return Match{Category: m.arena.Resolve(m.arena.First(), 0,
			fmt.Sprintf("unknown category code %q", ans.CategoryCode))}, nil
	}
	out := Match{Category: m.arena.Resolve(node, clamp01(ans.Confidence), ans.Reasoning)}
	for _, code := range ans.Alternatives {
		if len(out.Alternatives) == maxAlternatives {
			break
		}
		if alt, ok := m.arena.ByCode(strings.TrimSpace(code)); ok && alt.ID != node.ID {
			out.Alternatives = append(out.Alternatives, m.arena.Resolve(alt, 0, ""))
		}
	}
	return out, nil
}

func (m *Matcher) systemPrompt(s Signals) string {
	var b strings.Builder
	b.WriteString("You classify products into the category taxonomy of a government procurement marketplace.\n")
	b.WriteString("Prefer the most specific leaf category; choose its parent when unsure.\n")
	b.WriteString("Candidate categories (code | path):\n")
	for _, n := range m.candidates(s.Keywords) {
		fmt.Fprintf(&b, "%s | %s\n", n.Code, m.arena.Path(n.ID))
	}
	b.WriteString(`Return JSON: {"categoryCode": string, "categoryName": string, "confidence": number between 0 and 1, "reasoning": string, "alternatives": [category codes]}`)
	return b.String()
}

func userPrompt(s Signals, withHint bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "标题：%s\n", strings.Join(s.Keywords, " "))
	if withHint {
		fmt.Fprintf(&b, "来源类目：%s\n", s.Hint)
	} else {
		fmt.Fprintf(&b, "描述：%s\n", s.Description)
		fmt.Fprintf(&b, "型号：%s\n", orUnknown(s.Model))
		fmt.Fprintf(&b, "价格区间：%s\n", s.PriceBracket)
	}
	fmt.Fprintf(&b, "品牌：%s\n", orUnknown(s.Brand))
	if len(s.Specs) > 0 {
		keys := make([]string, 0, len(s.Specs))
		for k := range s.Specs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s：%s\n", k, s.Specs[k])
		}
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return unknownSignalFallback
	}
	return s
}

// candidates lists keyword-scored leaves first, then roots, up to the prompt bound.
func (m *Matcher) candidates(keywords []string) []listing.CategoryNode {
	seen := make(map[int64]bool)
	var out []listing.CategoryNode
	for _, sc := range m.score(keywords) {
		if len(out) == m.maxCandidates {
			return out
		}
		seen[sc.node.ID] = true
		out = append(out, sc.node)
	}
	for _, n := range m.arena.All() {
		if len(out) == m.maxCandidates {
			break
		}
		if !seen[n.ID] && (n.ParentID == 0 || m.arena.IsLeaf(n.ID)) {
			out = append(out, n)
		}
	}
	return out
}

type scored struct {
	node  listing.CategoryNode
	score int
}

func (m *Matcher) score(keywords []string) []scored {
	var out []scored
	for _, n := range m.arena.All() {
		total := 0
		for _, kw := range keywords {
			if strings.Contains(n.Name, kw) {
				total += utf8.RuneCountInString(kw)
			}
		}
		if total > 0 {
			out = append(out, scored{node: n, score: total})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// KeywordMatch scores every node by the summed rune length of keywords found
// in its name. Ties keep taxonomy order.
func (m *Matcher) KeywordMatch(keywords []string) Match {
	ranked := m.score(keywords)
	if len(ranked) == 0 {
		return Match{
			Category: m.arena.Resolve(m.arena.First(), noMatchConfidence, "no keyword matched, manual selection needed"),
			Tier:     tierNoMatch,
		}
	}
	best := ranked[0]
	out := Match{
		Category: m.arena.Resolve(best.node, min(keywordConfidenceCap, float64(best.score)/10), "keyword match"),
		Tier:     tierKeyword,
	}
	for _, sc := range ranked[1:min(len(ranked), 1+maxAlternatives)] {
		out.Alternatives = append(out.Alternatives, m.arena.Resolve(sc.node, min(keywordConfidenceCap, float64(sc.score)/10), ""))
	}
	return out
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
