package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/relist/internal/listing"
)

// ModerationStore keeps the latest moderation task per draft and the full
// transition log.
type ModerationStore struct {
	mu          sync.RWMutex
	tasks       map[string]listing.ModerationTask
	transitions map[string][]listing.Transition
}

// NewModerationStore constructs a ModerationStore.
func NewModerationStore() *ModerationStore {
	return &ModerationStore{
		tasks:       make(map[string]listing.ModerationTask),
		transitions: make(map[string][]listing.Transition),
	}
}

// CreateTask stores a task unless a non-terminal one exists for the draft.
func (s *ModerationStore) CreateTask(_ context.Context, task listing.ModerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tasks[task.DraftID]; ok && !prev.State.Terminal() {
		return listing.ErrActiveTask
	}
	s.tasks[task.DraftID] = cloneTask(task)
	return nil
}

// GetTask returns the latest task for a draft.
func (s *ModerationStore) GetTask(_ context.Context, draftID string) (listing.ModerationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[draftID]
	if !ok {
		return listing.ModerationTask{}, listing.ErrNotFound
	}
	return cloneTask(task), nil
}

// UpdateTask saves counters without touching the state.
func (s *ModerationStore) UpdateTask(_ context.Context, task listing.ModerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[task.DraftID]
	if !ok {
		return listing.ErrNotFound
	}
	task.State = prev.State
	s.tasks[task.DraftID] = cloneTask(task)
	return nil
}

// RecordTransition saves the task and appends tr under one lock.
func (s *ModerationStore) RecordTransition(_ context.Context, task listing.ModerationTask, tr listing.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.DraftID]; !ok {
		return listing.ErrNotFound
	}
	s.tasks[task.DraftID] = cloneTask(task)
	s.transitions[task.DraftID] = append(s.transitions[task.DraftID], tr)
	return nil
}

// ListTransitions returns the transition log for a draft, oldest first.
func (s *ModerationStore) ListTransitions(_ context.Context, draftID string) ([]listing.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transitions[draftID]), nil
}

func cloneTask(t listing.ModerationTask) listing.ModerationTask {
	t.Submitted.Images = slices.Clone(t.Submitted.Images)
	if t.SubmittedAt != nil {
		at := *t.SubmittedAt
		t.SubmittedAt = &at
	}
	return t
}
