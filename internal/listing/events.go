package listing

import "time"

// EventType names an outcome event.
type EventType string

// Outcome event types.
const (
	EventModerationTransition EventType = "moderation.transition"
	EventDraftPublished       EventType = "draft.published"
	EventDraftRejected        EventType = "draft.rejected"
	EventDraftFailed          EventType = "draft.failed"
	EventDraftNeedsAction     EventType = "draft.needs_action"
	EventDraftSubmitted       EventType = "draft.submitted"
)

// Event is published whenever a draft reaches an outcome worth telling
// downstream consumers about.
type Event struct {
	Type      EventType       `json:"type"`
	DraftID   string          `json:"draft_id"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Status    DraftStatus     `json:"status,omitempty"`
	From      ModerationState `json:"from,omitempty"`
	To        ModerationState `json:"to,omitempty"`
	ListingID string          `json:"listing_id,omitempty"`
	Action    NeedsActionType `json:"action,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}
