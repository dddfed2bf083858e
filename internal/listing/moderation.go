package listing

import "time"

// ModerationState is a closed enum of moderation lifecycle states.
type ModerationState string

// Moderation lifecycle states.
const (
	StateInit       ModerationState = "init"
	StateMonitoring ModerationState = "monitoring"
	StateApproved   ModerationState = "approved"
	StateDone       ModerationState = "done"
	StateRejected   ModerationState = "rejected"
	StateFailed     ModerationState = "failed"
)

// Terminal reports whether the state ends the lifecycle.
func (s ModerationState) Terminal() bool {
	switch s {
	case StateDone, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// ModerationTask tracks a submitted listing through marketplace review.
// At most one non-terminal task exists per draft.
type ModerationTask struct {
	DraftID     string          `json:"draft_id"`
	ListingID   string          `json:"listing_id,omitempty"`
	Submitted   ListingFields   `json:"submitted"`
	State       ModerationState `json:"state"`
	Polls       int             `json:"polls"`
	Retries     int             `json:"retries"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transition is one entry of the persisted transition log.
type Transition struct {
	DraftID string          `json:"draft_id"`
	From    ModerationState `json:"from"`
	To      ModerationState `json:"to"`
	Reason  string          `json:"reason,omitempty"`
	At      time.Time       `json:"at"`
}
