package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/relist/internal/listing"
)

const draftColumns = `id, owner_id, source_url, source_platform, title, description, attributes, images,
	detail_html, shop_name, hint_category, price, stock, category, vetted_images, image_source,
	compliance_score, listing_price, risk, listing_id, status, needs_action, last_error, diagnostics,
	created_at, updated_at`

// DraftStore implements listing.DraftStore on the drafts table.
type DraftStore struct {
	db  DB
	now func() time.Time
}

// NewDraftStore constructs a DraftStore.
func NewDraftStore(db DB) *DraftStore {
	return &DraftStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateDraft inserts a new draft.
func (s *DraftStore) CreateDraft(ctx context.Context, d listing.Draft) error {
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	args, err := draftArgs(d)
	if err != nil {
		return err
	}
	query := `INSERT INTO drafts (` + draftColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

// GetDraft fetches a draft by ID.
func (s *DraftStore) GetDraft(ctx context.Context, id string) (listing.Draft, error) {
	row := s.db.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id)
	d, err := scanDraft(row)
	if notFound(err) {
		return listing.Draft{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.Draft{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

// SaveDraft replaces every mutable column of an existing draft.
func (s *DraftStore) SaveDraft(ctx context.Context, d listing.Draft) error {
	d.UpdatedAt = s.now()
	args, err := draftArgs(d)
	if err != nil {
		return err
	}
	query := `UPDATE drafts SET
	owner_id = $2, source_url = $3, source_platform = $4, title = $5, description = $6,
	attributes = $7, images = $8, detail_html = $9, shop_name = $10, hint_category = $11,
	price = $12, stock = $13, category = $14, vetted_images = $15, image_source = $16,
	compliance_score = $17, listing_price = $18, risk = $19, listing_id = $20, status = $21,
	needs_action = $22, last_error = $23, diagnostics = $24, updated_at = $26
WHERE id = $1`
	// created_at ($25) is immutable; the placeholder keeps the argument list shared with inserts.
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrNotFound
	}
	return nil
}

// UpdateStatus sets the status and last error of a draft.
func (s *DraftStore) UpdateStatus(ctx context.Context, id string, status listing.DraftStatus, errText string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE drafts SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), errText, s.now())
	if err != nil {
		return fmt.Errorf("update draft status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrNotFound
	}
	return nil
}

// ListDrafts returns drafts oldest first. An empty status matches all; a
// non-positive limit returns everything.
func (s *DraftStore) ListDrafts(ctx context.Context, status listing.DraftStatus, limit int) ([]listing.Draft, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `SELECT `+draftColumns+` FROM drafts
WHERE ($1 = '' OR status = $1)
ORDER BY created_at, id
LIMIT $2`, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	out := []listing.Draft{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	return out, nil
}

// DeleteDraft removes a draft. In-flight jobs notice on their next pickup.
func (s *DraftStore) DeleteDraft(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrNotFound
	}
	return nil
}

func draftArgs(d listing.Draft) ([]any, error) {
	var (
		docs [7][]byte
		err  error
	)
	for i, v := range []any{d.Attributes, d.Images, d.Category, d.VettedImages, d.Risk, d.NeedsAction, d.Diagnostics} {
		if docs[i], err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("marshal draft %s: %w", d.ID, err)
		}
	}
	return []any{
		d.ID,
		d.OwnerID,
		d.SourceURL,
		string(d.SourcePlatform),
		d.Title,
		d.Description,
		docs[0],
		docs[1],
		d.DetailHTML,
		d.ShopName,
		d.HintCategory,
		d.Price,
		d.Stock,
		docs[2],
		docs[3],
		d.ImageSource,
		d.ComplianceScore,
		d.ListingPrice,
		docs[4],
		d.ListingID,
		string(d.Status),
		docs[5],
		d.LastError,
		docs[6],
		d.CreatedAt,
		d.UpdatedAt,
	}, nil
}

func scanDraft(row pgx.Row) (listing.Draft, error) {
	var d listing.Draft
	var platform, status string
	var attrs, imgs, category, vetted, risk, action, diag []byte
	err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&d.SourceURL,
		&platform,
		&d.Title,
		&d.Description,
		&attrs,
		&imgs,
		&d.DetailHTML,
		&d.ShopName,
		&d.HintCategory,
		&d.Price,
		&d.Stock,
		&category,
		&vetted,
		&d.ImageSource,
		&d.ComplianceScore,
		&d.ListingPrice,
		&risk,
		&d.ListingID,
		&status,
		&action,
		&d.LastError,
		&diag,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return listing.Draft{}, err
	}
	d.SourcePlatform = listing.Platform(platform)
	d.Status = listing.DraftStatus(status)
	for _, doc := range []struct {
		raw []byte
		dst any
	}{
		{attrs, &d.Attributes},
		{imgs, &d.Images},
		{category, &d.Category},
		{vetted, &d.VettedImages},
		{risk, &d.Risk},
		{action, &d.NeedsAction},
		{diag, &d.Diagnostics},
	} {
		if len(doc.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(doc.raw, doc.dst); err != nil {
			return listing.Draft{}, fmt.Errorf("decode draft %s: %w", d.ID, err)
		}
	}
	return d, nil
}
