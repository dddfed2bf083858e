package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/relist/internal/listing"
)

// ProviderStore keeps AI provider configs in memory.
type ProviderStore struct {
	mu        sync.RWMutex
	providers map[string]listing.ProviderConfig
}

// NewProviderStore seeds a store with initial configs.
func NewProviderStore(seed ...listing.ProviderConfig) *ProviderStore {
	s := &ProviderStore{providers: make(map[string]listing.ProviderConfig, len(seed))}
	for _, p := range seed {
		s.providers[p.ID] = cloneProvider(p)
	}
	return s
}

// ListProviders returns configs ordered by priority, then ID.
func (s *ProviderStore) ListProviders(_ context.Context) ([]listing.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertProvider inserts or replaces a config.
func (s *ProviderStore) UpsertProvider(_ context.Context, p listing.ProviderConfig) error {
	if p.ID == "" {
		return errors.New("provider id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = cloneProvider(p)
	return nil
}

// DeleteProvider removes a config.
func (s *ProviderStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return listing.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

func cloneProvider(p listing.ProviderConfig) listing.ProviderConfig {
	p.APIKeys = slices.Clone(p.APIKeys)
	return p
}
