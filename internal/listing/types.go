// Package listing defines core types shared across subsystems.
package listing

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrActiveTask is returned when a moderation task is created while another is still active.
var ErrActiveTask = errors.New("moderation task already active")

// DraftStatus represents the lifecycle state of a draft.
type DraftStatus string

// Draft status values persisted in the draft store.
const (
	DraftPending    DraftStatus = "pending"
	DraftScraped    DraftStatus = "scraped"
	DraftPublishing DraftStatus = "publishing"
	DraftPublished  DraftStatus = "published"
	DraftFailed     DraftStatus = "failed"
	DraftRejected   DraftStatus = "rejected"
)

var statusRank = map[DraftStatus]int{
	DraftPending:    0,
	DraftScraped:    1,
	DraftPublishing: 2,
	DraftPublished:  3,
	DraftFailed:     3,
	DraftRejected:   3,
}

// Terminal reports whether no further automatic action happens for the status.
func (s DraftStatus) Terminal() bool {
	switch s {
	case DraftPublished, DraftFailed, DraftRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s DraftStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvance reports whether a draft may move from s to next.
// Status never moves backwards and terminal states are final; operator retry
// goes through ResetForRetry instead.
func (s DraftStatus) CanAdvance(next DraftStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	if next == DraftFailed || next == DraftRejected {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Platform identifies a marketplace a product was collected from.
type Platform string

// Known platforms.
const (
	PlatformJD      Platform = "jd"
	PlatformTmall   Platform = "tmall"
	PlatformTaobao  Platform = "taobao"
	PlatformSuning  Platform = "suning"
	PlatformZCY     Platform = "zcy"
	PlatformUnknown Platform = "unknown"
)

// NeedsActionType names the kind of human disposition a draft is waiting on.
type NeedsActionType string

// Needs-action types.
const (
	ActionManualPrice    NeedsActionType = "manual_price"
	ActionManualCategory NeedsActionType = "manual_category"
	ActionManualReview   NeedsActionType = "manual_review"
)

// NeedsAction parks a draft until an operator resolves it.
type NeedsAction struct {
	Type   NeedsActionType `json:"type"`
	Reason string          `json:"reason"`
	Data   map[string]any  `json:"data,omitempty"`
}

// CategoryNode is one node of the target marketplace taxonomy.
type CategoryNode struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// ResolvedCategory is the category picked for a draft.
type ResolvedCategory struct {
	Node       CategoryNode `json:"node"`
	Path       string       `json:"path"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// RiskLevel grades how likely a listing is to breach marketplace rules.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SuggestedAction is the classifier's publish recommendation.
type SuggestedAction string

// Suggested actions.
const (
	SuggestDirectUpload SuggestedAction = "direct_upload"
	SuggestManualReview SuggestedAction = "manual_review"
)

// RiskAssessment is the product-risk classification result.
type RiskAssessment struct {
	Category        string          `json:"category"`
	Level           RiskLevel       `json:"risk_level"`
	Reasoning       string          `json:"reasoning"`
	SuggestedAction SuggestedAction `json:"suggested_action"`
	Confidence      float64         `json:"confidence"`
}

// Draft is one candidate listing moving through the pipeline.
type Draft struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	SourceURL      string            `json:"source_url"`
	SourcePlatform Platform          `json:"source_platform"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Images         []string          `json:"images,omitempty"`
	DetailHTML     string            `json:"detail_html,omitempty"`
	ShopName       string            `json:"shop_name,omitempty"`
	HintCategory   string            `json:"hint_category,omitempty"`
	Price          float64           `json:"price"`
	Stock          int               `json:"stock"`

	Category        *ResolvedCategory `json:"category,omitempty"`
	VettedImages    []string          `json:"vetted_images,omitempty"`
	ImageSource     string            `json:"image_source,omitempty"`
	ComplianceScore float64           `json:"compliance_score,omitempty"`
	ListingPrice    float64           `json:"listing_price,omitempty"`
	Risk            *RiskAssessment   `json:"risk,omitempty"`
	ListingID       string            `json:"listing_id,omitempty"`

	Status      DraftStatus    `json:"status"`
	NeedsAction *NeedsAction   `json:"needs_action,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Advance moves the draft to next, enforcing monotonic status.
func (d *Draft) Advance(next DraftStatus) error {
	if !d.Status.CanAdvance(next) {
		return fmt.Errorf("draft %s: illegal status change %s -> %s", d.ID, d.Status, next)
	}
	d.Status = next
	return nil
}

// ResetForRetry is the operator escape hatch from failed or rejected back to pending.
func (d *Draft) ResetForRetry() error {
	if d.Status != DraftFailed && d.Status != DraftRejected {
		return fmt.Errorf("draft %s: retry requires failed or rejected, got %s", d.ID, d.Status)
	}
	d.Status = DraftPending
	d.NeedsAction = nil
	d.LastError = ""
	d.ListingID = ""
	return nil
}

// ProductPayload is the normalized record produced by a scraper.
type ProductPayload struct {
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Images         []string          `json:"images"`
	Attributes     map[string]string `json:"attributes"`
	DetailHTML     string            `json:"detail_html"`
	Price          float64           `json:"price"`
	Stock          int               `json:"stock"`
	ShopName       string            `json:"shop_name"`
	SourcePlatform Platform          `json:"source_platform"`
	HintCategory   string            `json:"hint_category,omitempty"`
}

// CompetitorObservation is one externally observed price for a comparable product.
type CompetitorObservation struct {
	Platform   Platform `json:"platform"`
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Price      float64  `json:"price"`
	Similarity float64  `json:"similarity,omitempty"`
}

// MarketplaceItem is a search hit on the target marketplace.
type MarketplaceItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Brand string `json:"brand,omitempty"`
	Model string `json:"model,omitempty"`
}

// ProviderFamily selects the request/response shape of an AI provider.
type ProviderFamily string

// Provider families.
const (
	FamilyOpenAI   ProviderFamily = "openai"
	FamilyGemini   ProviderFamily = "gemini"
	FamilyDeepSeek ProviderFamily = "deepseek"
	FamilyQwen     ProviderFamily = "qwen"
)

// ProviderConfig describes one external classification provider.
type ProviderConfig struct {
	ID       string         `json:"id" mapstructure:"id"`
	Name     string         `json:"name" mapstructure:"name"`
	Family   ProviderFamily `json:"family" mapstructure:"family"`
	Enabled  bool           `json:"enabled" mapstructure:"enabled"`
	Priority int            `json:"priority" mapstructure:"priority"`
	BaseURL  string         `json:"base_url" mapstructure:"base_url"`
	APIKeys  []string       `json:"api_keys" mapstructure:"api_keys"`
	Model    string         `json:"model" mapstructure:"model"`
}

// Usable reports whether failover may try the provider.
func (p ProviderConfig) Usable() bool {
	return p.Enabled && len(p.APIKeys) > 0
}

// ModerationStatus is the marketplace review state of a submitted listing.
type ModerationStatus string

// Moderation statuses reported by an AutomationExecutor.
const (
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
	ModerationPending  ModerationStatus = "pending"
	ModerationUnknown  ModerationStatus = "unknown"
)

// ListingFields are the form values submitted to the target marketplace.
type ListingFields struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	CategoryCode string            `json:"category_code"`
	CategoryPath string            `json:"category_path"`
	Price        float64           `json:"price"`
	Stock        int               `json:"stock"`
	Images       []string          `json:"images"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	DetailHTML   string            `json:"detail_html,omitempty"`
}

// SubmitResult reports the outcome of a listing submission.
type SubmitResult struct {
	ListingID string `json:"listing_id"`
}
