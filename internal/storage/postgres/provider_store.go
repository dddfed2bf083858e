package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/relist/internal/listing"
)

// ProviderStore implements listing.ProviderStore on the provider_configs table.
type ProviderStore struct {
	db DB
}

// NewProviderStore constructs a ProviderStore.
func NewProviderStore(db DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// ListProviders returns configs ordered by priority, then ID.
func (s *ProviderStore) ListProviders(ctx context.Context) ([]listing.ProviderConfig, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, family, enabled, priority, base_url, api_keys, model
FROM provider_configs ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := []listing.ProviderConfig{}
	for rows.Next() {
		var (
			p      listing.ProviderConfig
			family string
			keys   []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &family, &p.Enabled, &p.Priority, &p.BaseURL, &keys, &p.Model); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p.Family = listing.ProviderFamily(family)
		if len(keys) > 0 {
			if err := json.Unmarshal(keys, &p.APIKeys); err != nil {
				return nil, fmt.Errorf("decode api keys for %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}

// UpsertProvider inserts or replaces a config.
func (s *ProviderStore) UpsertProvider(ctx context.Context, p listing.ProviderConfig) error {
	if p.ID == "" {
		return errors.New("provider id is required")
	}
	keys := p.APIKeys
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO provider_configs (id, name, family, enabled, priority, base_url, api_keys, model)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	family = EXCLUDED.family,
	enabled = EXCLUDED.enabled,
	priority = EXCLUDED.priority,
	base_url = EXCLUDED.base_url,
	api_keys = EXCLUDED.api_keys,
	model = EXCLUDED.model`,
		p.ID, p.Name, string(p.Family), p.Enabled, p.Priority, p.BaseURL, raw, p.Model); err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a config.
func (s *ProviderStore) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM provider_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrNotFound
	}
	return nil
}
