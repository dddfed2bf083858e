package category

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/ai"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/taxonomy"
)

type step struct {
	answer map[string]any
	err    error
}

// scriptedClassifier replays answers in order and records prompts.
type scriptedClassifier struct {
	mu    sync.Mutex
	steps []step
	reqs  []ai.Request
}

func (s *scriptedClassifier) Execute(_ context.Context, req ai.Request) (ai.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if len(s.steps) == 0 {
		return ai.Result{}, errors.New("no scripted answer")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return ai.Result{}, st.err
	}
	raw, err := json.Marshal(st.answer)
	if err != nil {
		return ai.Result{}, err
	}
	return ai.Result{Provider: "fake", Attempts: 1, Raw: raw, Fields: st.answer}, nil
}

func (s *scriptedClassifier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func newMatcher(t *testing.T, c Classifier) *Matcher {
	t.Helper()
	arena, err := taxonomy.LoadFile("")
	require.NoError(t, err)
	return NewMatcher(c, arena, Config{}, zap.NewNop())
}

func TestHintTableHitSkipsAI(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{}
	m := newMatcher(t, c)

	got, err := m.Match(context.Background(), Signals{Hint: "笔记本", Keywords: []string{"联想"}})
	require.NoError(t, err)
	require.Equal(t, 0.95, got.Confidence())
	require.Equal(t, "A0101010203", got.Category.Node.Code)
	require.Equal(t, "办公设备/计算机设备/笔记本电脑", got.Category.Path)
	require.Empty(t, got.Alternatives)
	require.False(t, got.NeedManualReview)
	require.Zero(t, c.calls())
}

func TestHintMissAcceptsConfidentAI(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{steps: []step{{answer: map[string]any{
		"categoryCode": "A0101020303", "confidence": 0.93, "reasoning": "monitor",
	}}}}
	m := newMatcher(t, c)

	got, err := m.Match(context.Background(), Signals{Hint: "电脑显示器", Keywords: []string{"显示器"}})
	require.NoError(t, err)
	require.Equal(t, "显示器", got.Category.Node.Name)
	require.Equal(t, tierHintAI, got.Tier)
	require.Equal(t, 1, c.calls())
	require.Contains(t, c.reqs[0].UserText, "电脑显示器")
}

func TestHintMissFallsThroughToInference(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{steps: []step{
		{answer: map[string]any{"categoryCode": "A0101020303", "confidence": 0.90}},
		{answer: map[string]any{
			"categoryCode": "A0101020304", "confidence": 0.82,
			"alternatives": []string{"A0101020305", "NOPE", "A0101020304"},
		}},
	}}
	m := newMatcher(t, c)

	got, err := m.Match(context.Background(), Signals{Hint: "外设", Keywords: []string{"打印机"}})
	require.NoError(t, err)
	require.Equal(t, 2, c.calls())
	require.Equal(t, tierInference, got.Tier)
	require.Equal(t, "打印机", got.Category.Node.Name)
	require.True(t, got.NeedManualReview)
	require.Len(t, got.Alternatives, 1)
	require.Equal(t, "扫描仪", got.Alternatives[0].Node.Name)
}

func TestAIFailureUsesKeywordFallback(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{steps: []step{{err: &ai.ExhaustedError{Attempts: 2, Last: errors.New("boom")}}}}
	m := newMatcher(t, c)

	d := listing.Draft{Title: "笔记本 电脑 包", Price: 4999}
	got, err := m.MatchDraft(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, tierKeyword, got.Tier)
	require.Equal(t, "笔记本电脑", got.Category.Node.Name)
	require.InDelta(t, 0.5, got.Confidence(), 1e-9)
	require.Len(t, got.Alternatives, 1)
	require.Equal(t, "笔记本册", got.Alternatives[0].Node.Name)
	require.True(t, got.NeedManualReview)
}

func TestUnknownCodeCountsAsZeroConfidence(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{steps: []step{{answer: map[string]any{"categoryCode": "ZZZ", "confidence": 0.99}}}}
	m := newMatcher(t, c)

	got, err := m.Match(context.Background(), Signals{Keywords: []string{"键盘"}})
	require.NoError(t, err)
	require.Equal(t, tierKeyword, got.Tier)
	require.Equal(t, "键盘", got.Category.Node.Name)
}

func TestConfidentInferenceSkipsFallback(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{steps: []step{{answer: map[string]any{"categoryCode": "A02010101", "confidence": 0.8}}}}
	m := newMatcher(t, c)

	got, err := m.Match(context.Background(), Signals{Keywords: []string{"键盘"}})
	require.NoError(t, err)
	require.Equal(t, tierInference, got.Tier)
	require.Equal(t, "签字笔", got.Category.Node.Name)
}

func TestKeywordMatchOrdering(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, &scriptedClassifier{})

	tie := m.KeywordMatch([]string{"打印"})
	require.Equal(t, "打印机", tie.Category.Node.Name)
	require.InDelta(t, 0.2, tie.Confidence(), 1e-9)
	require.Equal(t, "打印纸", tie.Alternatives[0].Node.Name)

	capped := m.KeywordMatch([]string{"平板式计算机", "计算机"})
	require.Equal(t, "平板式计算机", capped.Category.Node.Name)
	require.Equal(t, 0.75, capped.Confidence())
	require.Len(t, capped.Alternatives, 2)
	require.Equal(t, "计算机设备", capped.Alternatives[0].Node.Name)
	require.Equal(t, "台式计算机", capped.Alternatives[1].Node.Name)

	none := m.KeywordMatch([]string{"咖啡机"})
	require.Equal(t, tierNoMatch, none.Tier)
	require.Equal(t, "办公设备", none.Category.Node.Name)
	require.Equal(t, 0.1, none.Confidence())
}

func TestConfigHintsOverrideDefaults(t *testing.T) {
	t.Parallel()

	arena, err := taxonomy.LoadFile("")
	require.NoError(t, err)
	c := &scriptedClassifier{}
	m := NewMatcher(c, arena, Config{Hints: map[string]string{"笔记本": "A02010103", "文件夹": "A02010102"}}, nil)

	got, err := m.Match(context.Background(), Signals{Hint: "笔记本"})
	require.NoError(t, err)
	require.Equal(t, "笔记本册", got.Category.Node.Name)

	got, err = m.Match(context.Background(), Signals{Hint: "文件夹"})
	require.NoError(t, err)
	require.Equal(t, "文件夹", got.Category.Node.Name)
	require.Zero(t, c.calls())
}

func TestMatchHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &scriptedClassifier{steps: []step{{err: context.Canceled}}}
	_, err := newMatcher(t, c).Match(ctx, Signals{Keywords: []string{"键盘"}})
	require.ErrorIs(t, err, context.Canceled)
}
