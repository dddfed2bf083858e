package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
)

const riskSystemPrompt = `You are a compliance officer for a government procurement marketplace.
Enforce these marketplace rules:
%s

Analyze the product for:
1. Best matching category path (leaf category).
2. Risk level: "high" for weapons, surveillance gear, circumvention tools, counterfeit or anything the rules prohibit; "medium" for regulated goods such as medical devices that need certificates; "low" for standard office and IT supplies.
3. Suggested action: "direct_upload" for compliant products, "manual_review" for anything prohibited, questionable or requiring certificates.

Return JSON: {"category": string, "riskLevel": "low"|"medium"|"high", "reasoning": string, "suggestedAction": "direct_upload"|"manual_review", "confidence": number between 0 and 1}`

const moderationSystemPrompt = `You read screenshots of a seller console on a procurement marketplace.
Decide the review state of the listing shown.

Return JSON: {"status": "approved"|"rejected"|"pending", "reason": string, "confidence": number between 0 and 1}`

type riskAnswer struct {
	Category        string  `json:"category"`
	RiskLevel       string  `json:"riskLevel"`
	Reasoning       string  `json:"reasoning"`
	SuggestedAction string  `json:"suggestedAction"`
	Confidence      float64 `json:"confidence"`
}

// AnalyzeProduct grades the listing risk. It never fails: when no provider
// answers, the result defers to a human (medium risk, manual review).
func (e *Executor) AnalyzeProduct(ctx context.Context, name, description string, rules []string) listing.RiskAssessment {
	ruleText := "- (no additional rules)"
	if len(rules) > 0 {
		lines := make([]string, 0, len(rules))
		for _, r := range rules {
			lines = append(lines, "- "+r)
		}
		ruleText = strings.Join(lines, "\n")
	}
	if description == "" {
		description = "N/A"
	}
	res, err := e.Execute(ctx, Request{
		SystemPrompt: fmt.Sprintf(riskSystemPrompt, ruleText),
		UserText:     fmt.Sprintf("Product Name: %s\nDescription: %s", name, description),
	})
	if err != nil {
		e.logger.Warn("risk analysis unavailable, deferring to manual review", zap.Error(err))
		return fallbackAssessment(err)
	}
	var ans riskAnswer
	if err := res.Decode(&ans); err != nil {
		return fallbackAssessment(err)
	}
	return listing.RiskAssessment{
		Category:        ans.Category,
		Level:           normalizeRisk(ans.RiskLevel),
		Reasoning:       ans.Reasoning,
		SuggestedAction: normalizeAction(ans.SuggestedAction),
		Confidence:      clamp01(ans.Confidence),
	}
}

func fallbackAssessment(err error) listing.RiskAssessment {
	return listing.RiskAssessment{
		Category:        "Unknown",
		Level:           listing.RiskMedium,
		Reasoning:       "AI Service Error: " + err.Error(),
		SuggestedAction: listing.SuggestManualReview,
		Confidence:      0,
	}
}

func normalizeRisk(s string) listing.RiskLevel {
	switch listing.RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case listing.RiskLow:
		return listing.RiskLow
	case listing.RiskHigh:
		return listing.RiskHigh
	default:
		return listing.RiskMedium
	}
}

// normalizeAction maps anything other than an explicit direct upload to
// manual review.
func normalizeAction(s string) listing.SuggestedAction {
	if listing.SuggestedAction(strings.ToLower(strings.TrimSpace(s))) == listing.SuggestDirectUpload {
		return listing.SuggestDirectUpload
	}
	return listing.SuggestManualReview
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type moderationAnswer struct {
	Status     string  `json:"status"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// ClassifyModerationScreenshot reads the review state from a console screenshot.
func (e *Executor) ClassifyModerationScreenshot(ctx context.Context, png []byte, contextText string) (listing.ModerationStatus, error) {
	user := "Classify the review state of this listing."
	if contextText != "" {
		user = "Context: " + contextText
	}
	res, err := e.Execute(ctx, Request{
		SystemPrompt: moderationSystemPrompt,
		UserText:     user,
		ImageBase64:  base64.StdEncoding.EncodeToString(png),
		ImageMIME:    "image/png",
	})
	if err != nil {
		return listing.ModerationUnknown, fmt.Errorf("classify moderation screenshot: %w", err)
	}
	var ans moderationAnswer
	if err := res.Decode(&ans); err != nil {
		return listing.ModerationUnknown, err
	}
	switch listing.ModerationStatus(strings.ToLower(strings.TrimSpace(ans.Status))) {
	case listing.ModerationApproved:
		return listing.ModerationApproved, nil
	case listing.ModerationRejected:
		return listing.ModerationRejected, nil
	case listing.ModerationPending:
		return listing.ModerationPending, nil
	default:
		return listing.ModerationUnknown, nil
	}
}
