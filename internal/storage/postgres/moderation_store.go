package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/relist/internal/listing"
)

const taskColumns = `draft_id, listing_id, submitted, state, polls, retries, reason, created_at, submitted_at, updated_at`

// ModerationStore implements listing.ModerationStore on the moderation_tasks
// and moderation_transitions tables.
type ModerationStore struct {
	db DB
}

// NewModerationStore constructs a ModerationStore.
func NewModerationStore(db DB) *ModerationStore {
	return &ModerationStore{db: db}
}

// CreateTask inserts a task, replacing the previous one only when it is terminal.
// The conflict check and the write are a single statement so two workers
// cannot both start a task for the same draft.
func (s *ModerationStore) CreateTask(ctx context.Context, task listing.ModerationTask) error {
	submitted, err := json.Marshal(task.Submitted)
	if err != nil {
		return fmt.Errorf("marshal submitted fields: %w", err)
	}
	tag, err := s.db.Exec(ctx, `INSERT INTO moderation_tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (draft_id) DO UPDATE SET
	listing_id = EXCLUDED.listing_id,
	submitted = EXCLUDED.submitted,
	state = EXCLUDED.state,
	polls = EXCLUDED.polls,
	retries = EXCLUDED.retries,
	reason = EXCLUDED.reason,
	created_at = EXCLUDED.created_at,
	submitted_at = EXCLUDED.submitted_at,
	updated_at = EXCLUDED.updated_at
WHERE moderation_tasks.state IN ('done', 'rejected', 'failed')`,
		task.DraftID, task.ListingID, submitted, string(task.State), task.Polls, task.Retries,
		task.Reason, task.CreatedAt, task.SubmittedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create moderation task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrActiveTask
	}
	return nil
}

// GetTask returns the latest task for a draft.
func (s *ModerationStore) GetTask(ctx context.Context, draftID string) (listing.ModerationTask, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM moderation_tasks WHERE draft_id = $1`, draftID)
	task, err := scanTask(row)
	if notFound(err) {
		return listing.ModerationTask{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.ModerationTask{}, fmt.Errorf("get moderation task: %w", err)
	}
	return task, nil
}

// UpdateTask saves counters and the listing id. State only moves through
// RecordTransition.
func (s *ModerationStore) UpdateTask(ctx context.Context, task listing.ModerationTask) error {
	tag, err := s.db.Exec(ctx, `UPDATE moderation_tasks SET
	listing_id = $2, polls = $3, retries = $4, reason = $5, submitted_at = $6, updated_at = $7
WHERE draft_id = $1`,
		task.DraftID, task.ListingID, task.Polls, task.Retries, task.Reason, task.SubmittedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update moderation task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return listing.ErrNotFound
	}
	return nil
}

// RecordTransition saves the task and appends tr in one transaction.
func (s *ModerationStore) RecordTransition(ctx context.Context, task listing.ModerationTask, tr listing.Transition) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE moderation_tasks SET
	listing_id = $2, state = $3, polls = $4, retries = $5, reason = $6, submitted_at = $7, updated_at = $8
WHERE draft_id = $1`,
		task.DraftID, task.ListingID, string(task.State), task.Polls, task.Retries, task.Reason,
		task.SubmittedAt, task.UpdatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("update moderation task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return listing.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `INSERT INTO moderation_transitions (draft_id, from_state, to_state, reason, at)
VALUES ($1, $2, $3, $4, $5)`,
		tr.DraftID, string(tr.From), string(tr.To), tr.Reason, tr.At); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("insert transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListTransitions returns the transition log for a draft, oldest first.
func (s *ModerationStore) ListTransitions(ctx context.Context, draftID string) ([]listing.Transition, error) {
	rows, err := s.db.Query(ctx, `SELECT draft_id, from_state, to_state, reason, at
FROM moderation_transitions WHERE draft_id = $1 ORDER BY id`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []listing.Transition
	for rows.Next() {
		var (
			tr       listing.Transition
			from, to string
		)
		if err := rows.Scan(&tr.DraftID, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = listing.ModerationState(from)
		tr.To = listing.ModerationState(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (listing.ModerationTask, error) {
	var (
		task        listing.ModerationTask
		submitted   []byte
		state       string
		submittedAt *time.Time
	)
	if err := row.Scan(&task.DraftID, &task.ListingID, &submitted, &state, &task.Polls, &task.Retries,
		&task.Reason, &task.CreatedAt, &submittedAt, &task.UpdatedAt); err != nil {
		return listing.ModerationTask{}, err
	}
	task.State = listing.ModerationState(state)
	task.SubmittedAt = submittedAt
	if len(submitted) > 0 {
		if err := json.Unmarshal(submitted, &task.Submitted); err != nil {
			return listing.ModerationTask{}, fmt.Errorf("decode submitted fields: %w", err)
		}
	}
	return task, nil
}
