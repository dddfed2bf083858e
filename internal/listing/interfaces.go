package listing

import (
	"context"
	"io"
	"time"
)

// DraftStore persists drafts.
type DraftStore interface {
	CreateDraft(ctx context.Context, draft Draft) error
	GetDraft(ctx context.Context, id string) (Draft, error)
	SaveDraft(ctx context.Context, draft Draft) error
	UpdateStatus(ctx context.Context, id string, status DraftStatus, errText string) error
	ListDrafts(ctx context.Context, status DraftStatus, limit int) ([]Draft, error)
	DeleteDraft(ctx context.Context, id string) error
}

// ModerationStore persists moderation tasks and their transition log.
type ModerationStore interface {
	// CreateTask fails with ErrActiveTask when a non-terminal task exists for the draft.
	CreateTask(ctx context.Context, task ModerationTask) error
	GetTask(ctx context.Context, draftID string) (ModerationTask, error)
	// UpdateTask saves counters without changing state.
	UpdateTask(ctx context.Context, task ModerationTask) error
	// RecordTransition saves the task and appends the transition atomically.
	RecordTransition(ctx context.Context, task ModerationTask, tr Transition) error
	ListTransitions(ctx context.Context, draftID string) ([]Transition, error)
}

// ProviderStore persists runtime-editable AI provider configs.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]ProviderConfig, error)
	UpsertProvider(ctx context.Context, p ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
}

// AutomationExecutor drives the target marketplace's seller console.
type AutomationExecutor interface {
	SubmitListing(ctx context.Context, fields ListingFields) (SubmitResult, error)
	CheckModerationStatus(ctx context.Context, listingID string) (ModerationStatus, error)
}

// Scraper turns a source URL into a normalized product payload.
type Scraper interface {
	Scrape(ctx context.Context, url string) (ProductPayload, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Gate decides whether an owner may push drafts into the pipeline.
type Gate interface {
	Authorized(ctx context.Context, ownerID string) bool
}

// AllowAll is a Gate that admits everyone.
type AllowAll struct{}

// Authorized always returns true.
func (AllowAll) Authorized(context.Context, string) bool { return true }

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces draft IDs.
type IDGenerator interface {
	NewID() (string, error)
}
