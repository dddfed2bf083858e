package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/relist/internal/listing"
)

// adapter is one provider family's wire shape.
type adapter interface {
	complete(ctx context.Context, client *http.Client, p listing.ProviderConfig, key string, req Request) (json.RawMessage, error)
}

func adapterFor(family listing.ProviderFamily) (adapter, error) {
	switch family {
	case listing.FamilyOpenAI, listing.FamilyDeepSeek, listing.FamilyQwen:
		return openAICompatible{}, nil
	case listing.FamilyGemini:
		return gemini{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider family %q", family)
	}
}

func defaultBaseURL(family listing.ProviderFamily) string {
	switch family {
	case listing.FamilyOpenAI:
		return "https://api.openai.com/v1"
	case listing.FamilyGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case listing.FamilyDeepSeek:
		return "https://api.deepseek.com/v1"
	case listing.FamilyQwen:
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	default:
		return ""
	}
}

func baseURL(p listing.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return defaultBaseURL(p.Family)
}

// openAICompatible speaks chat completions in JSON mode.
type openAICompatible struct{}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (openAICompatible) complete(ctx context.Context, client *http.Client, p listing.ProviderConfig, key string, req Request) (json.RawMessage, error) {
	var user any = req.UserText
	if req.ImageBase64 != "" {
		user = []chatContentPart{
			{Type: "text", Text: req.UserText},
			{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(req), Detail: "high"}},
		}
	}
	body := map[string]any{
		"model": p.Model,
		"messages": []map[string]any{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": user},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     req.Temperature,
		"max_tokens":      req.MaxTokens,
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+key)

	var resp chatResponse
	if err := postJSON(ctx, client, baseURL(p)+"/chat/completions", headers, body, &resp); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("provider %s: empty response", p.Name)
	}
	return extractJSON(resp.Choices[0].Message.Content)
}

// gemini speaks the generateContent REST shape.
type gemini struct{}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (gemini) complete(ctx context.Context, client *http.Client, p listing.ProviderConfig, key string, req Request) (json.RawMessage, error) {
	var parts []geminiPart
	if req.ImageBase64 == "" {
		parts = []geminiPart{{Text: req.SystemPrompt + "\n\n" + req.UserText}}
	} else {
		parts = []geminiPart{
			{Text: req.SystemPrompt},
			{Text: req.UserText},
			{InlineData: &geminiInlineData{MimeType: imageMIME(req), Data: req.ImageBase64}},
		}
	}
	body := map[string]any{
		"contents": []map[string]any{{"role": "user", "parts": parts}},
		"generationConfig": map[string]any{
			"temperature":      req.Temperature,
			"maxOutputTokens":  req.MaxTokens,
			"responseMimeType": "application/json",
		},
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL(p), p.Model, url.QueryEscape(key))

	var resp geminiResponse
	if err := postJSON(ctx, client, endpoint, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("provider %s: empty response", p.Name)
	}
	return extractJSON(resp.Candidates[0].Content.Parts[0].Text)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var errNotJSONObject = errors.New("response is not a JSON object")

// extractJSON accepts a bare object or one wrapped in a markdown code fence.
func extractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") || !json.Valid([]byte(text)) {
		return nil, errNotJSONObject
	}
	return json.RawMessage(text), nil
}

func imageMIME(req Request) string {
	if req.ImageMIME != "" {
		return req.ImageMIME
	}
	return "image/jpeg"
}

func dataURL(req Request) string {
	return "data:" + imageMIME(req) + ";base64," + req.ImageBase64
}
