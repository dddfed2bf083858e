// Package ai runs machine-classification calls against an ordered list of
// providers, failing over to the next provider on any error.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/metrics"
)

// ErrNoProviders is returned when no provider is enabled with a key.
var ErrNoProviders = errors.New("no enabled AI providers with valid API keys")

// ExhaustedError reports that every usable provider failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d AI providers failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ProviderSource supplies the current provider list. Stores implement it so
// edits take effect on the next call.
type ProviderSource interface {
	ListProviders(ctx context.Context) ([]listing.ProviderConfig, error)
}

// StaticProviders is a ProviderSource over a fixed list.
type StaticProviders []listing.ProviderConfig

// ListProviders returns a copy of the list.
func (s StaticProviders) ListProviders(context.Context) ([]listing.ProviderConfig, error) {
	return append([]listing.ProviderConfig(nil), s...), nil
}

// Request is one provider-agnostic classification call.
type Request struct {
	SystemPrompt string
	UserText     string
	ImageBase64  string
	ImageMIME    string
	MaxTokens    int
	Temperature  float64
}

// Result is the decoded JSON object returned by a provider.
type Result struct {
	Provider string
	Attempts int
	Raw      json.RawMessage
	Fields   map[string]any
}

// Decode unmarshals the raw object into v.
func (r Result) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Provider, err)
	}
	return nil
}

// Config tunes the executor.
type Config struct {
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Executor implements ordered provider failover.
type Executor struct {
	source ProviderSource
	client *http.Client
	cfg    Config
	logger *zap.Logger
	pick   func(n int) int
}

// NewExecutor constructs an Executor. A nil client uses http.DefaultClient;
// per-call deadlines come from cfg.Timeout.
func NewExecutor(source ProviderSource, client *http.Client, cfg Config, logger *zap.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Executor{
		source: source,
		client: client,
		cfg:    cfg,
		logger: logger,
		pick:   rand.IntN,
	}
}

// Execute dispatches req to each usable provider in ascending priority until
// one returns a JSON object.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	providers, err := e.usable(ctx)
	if err != nil {
		return Result{}, err
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = e.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = e.cfg.Temperature
	}

	var last error
	for i, p := range providers {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("ai execute canceled: %w", err)
		}
		key := p.APIKeys[e.pick(len(p.APIKeys))]
		logger := e.logger.With(
			zap.String("provider", p.Name),
			zap.String("family", string(p.Family)),
			zap.Int("attempt", i+1),
		)
		logger.Debug("attempting AI provider")

		raw, callErr := e.call(ctx, p, key, req)
		if callErr != nil {
			metrics.ObserveAICall(p.Name, "error")
			logger.Warn("AI provider failed", zap.Error(callErr))
			last = callErr
			continue
		}
		fields := map[string]any{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			metrics.ObserveAICall(p.Name, "invalid_json")
			logger.Warn("AI provider returned non-object JSON", zap.Error(err))
			last = fmt.Errorf("provider %s: %w", p.Name, err)
			continue
		}
		metrics.ObserveAICall(p.Name, "success")
		return Result{Provider: p.Name, Attempts: i + 1, Raw: raw, Fields: fields}, nil
	}
	return Result{}, &ExhaustedError{Attempts: len(providers), Last: last}
}

func (e *Executor) call(ctx context.Context, p listing.ProviderConfig, key string, req Request) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	a, err := adapterFor(p.Family)
	if err != nil {
		return nil, err
	}
	return a.complete(callCtx, e.client, p, key, req)
}

func (e *Executor) usable(ctx context.Context) ([]listing.ProviderConfig, error) {
	if e.source == nil {
		return nil, ErrNoProviders
	}
	all, err := e.source.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	var out []listing.ProviderConfig
	for _, p := range all {
		if p.Usable() {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// DefaultProviders is the built-in provider list: all disabled until keys are configured.
func DefaultProviders() []listing.ProviderConfig {
	return []listing.ProviderConfig{
		{ID: "openai-main", Name: "OpenAI (Primary)", Family: listing.FamilyOpenAI, Priority: 1, BaseURL: defaultBaseURL(listing.FamilyOpenAI), Model: "gpt-4o"},
		{ID: "gemini-backup", Name: "Google Gemini", Family: listing.FamilyGemini, Priority: 2, BaseURL: defaultBaseURL(listing.FamilyGemini), Model: "gemini-1.5-pro"},
		{ID: "deepseek-cn", Name: "DeepSeek", Family: listing.FamilyDeepSeek, Priority: 3, BaseURL: defaultBaseURL(listing.FamilyDeepSeek), Model: "deepseek-chat"},
		{ID: "qwen-cn", Name: "Qwen", Family: listing.FamilyQwen, Priority: 4, BaseURL: defaultBaseURL(listing.FamilyQwen), Model: "qwen-max"},
	}
}
