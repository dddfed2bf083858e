package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/relist/internal/listing"
)

// DraftStore provides an in-memory implementation for development/testing.
type DraftStore struct {
	mu     sync.RWMutex
	drafts map[string]listing.Draft
	now    func() time.Time
}

// NewDraftStore constructs a DraftStore.
func NewDraftStore() *DraftStore {
	return &DraftStore{
		drafts: make(map[string]listing.Draft),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateDraft stores a new draft.
func (s *DraftStore) CreateDraft(_ context.Context, draft listing.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.drafts[draft.ID]; exists {
		return errors.New("draft already exists")
	}
	now := s.now()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	s.drafts[draft.ID] = cloneDraft(draft)
	return nil
}

// GetDraft fetches a draft by ID.
func (s *DraftStore) GetDraft(_ context.Context, id string) (listing.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[id]
	if !ok {
		return listing.Draft{}, listing.ErrNotFound
	}
	return cloneDraft(d), nil
}

// SaveDraft replaces an existing draft.
func (s *DraftStore) SaveDraft(_ context.Context, draft listing.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.drafts[draft.ID]
	if !ok {
		return listing.ErrNotFound
	}
	draft.CreatedAt = prev.CreatedAt
	draft.UpdatedAt = s.now()
	s.drafts[draft.ID] = cloneDraft(draft)
	return nil
}

// UpdateStatus sets the status and last error of a draft.
func (s *DraftStore) UpdateStatus(_ context.Context, id string, status listing.DraftStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return listing.ErrNotFound
	}
	d.Status = status
	d.LastError = errText
	d.UpdatedAt = s.now()
	s.drafts[id] = d
	return nil
}

// ListDrafts returns drafts with the given status (all when empty), oldest first.
func (s *DraftStore) ListDrafts(_ context.Context, status listing.DraftStatus, limit int) ([]listing.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		if status == "" || d.Status == status {
			out = append(out, cloneDraft(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDraft removes a draft.
func (s *DraftStore) DeleteDraft(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[id]; !ok {
		return listing.ErrNotFound
	}
	delete(s.drafts, id)
	return nil
}

func cloneDraft(d listing.Draft) listing.Draft {
	d.Attributes = maps.Clone(d.Attributes)
	d.Images = slices.Clone(d.Images)
	d.VettedImages = slices.Clone(d.VettedImages)
	d.Diagnostics = maps.Clone(d.Diagnostics)
	if d.Category != nil {
		c := *d.Category
		d.Category = &c
	}
	if d.Risk != nil {
		r := *d.Risk
		d.Risk = &r
	}
	if d.NeedsAction != nil {
		na := *d.NeedsAction
		na.Data = maps.Clone(na.Data)
		d.NeedsAction = &na
	}
	return d
}
