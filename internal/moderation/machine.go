// Package moderation tracks a submitted listing through the target
// marketplace's review process as a persisted, restart-safe state machine.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/clock/system"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/metrics"
)

// ErrIllegalTransition is returned for a state change outside the graph.
var ErrIllegalTransition = errors.New("illegal moderation transition")

// graph is the closed transition table.
var graph = map[listing.ModerationState][]listing.ModerationState{
	listing.StateInit:       {listing.StateMonitoring, listing.StateRejected, listing.StateFailed},
	listing.StateMonitoring: {listing.StateApproved, listing.StateRejected, listing.StateFailed},
	listing.StateApproved:   {listing.StateDone},
}

// CanTransition reports whether from -> to is in the graph.
func CanTransition(from, to listing.ModerationState) bool {
	return slices.Contains(graph[from], to)
}

// Config tunes polling.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
	// Topic receives transition and outcome events.
	Topic string
}

// Step tells the caller what happens next.
type Step struct {
	State listing.ModerationState
	// PollAt is set while the task waits in monitoring.
	PollAt time.Time
}

// Repoll reports whether a poll must be scheduled at PollAt.
func (s Step) Repoll() bool { return !s.PollAt.IsZero() }

// Machine drives moderation tasks.
type Machine struct {
	tasks  listing.ModerationStore
	drafts listing.DraftStore
	exec   listing.AutomationExecutor
	events listing.Publisher
	clock  listing.Clock
	cfg    Config
	logger *zap.Logger
}

// NewMachine constructs a Machine. events may be nil.
func NewMachine(
	tasks listing.ModerationStore,
	drafts listing.DraftStore,
	exec listing.AutomationExecutor,
	events listing.Publisher,
	clock listing.Clock,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 288
	}
	return &Machine{
		tasks:  tasks,
		drafts: drafts,
		exec:   exec,
		events: events,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("moderation"),
	}
}

// Active reports whether the draft has a non-terminal task.
func (m *Machine) Active(ctx context.Context, draftID string) (bool, error) {
	task, err := m.tasks.GetTask(ctx, draftID)
	if errors.Is(err, listing.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get moderation task: %w", err)
	}
	return !task.State.Terminal(), nil
}

// Start creates a task for the draft and submits fields. A failed submission
// leaves the task terminal failed and returns the error so the caller can
// retry with a fresh task.
func (m *Machine) Start(ctx context.Context, draftID string, fields listing.ListingFields) (Step, error) {
	retries := 0
	prev, err := m.tasks.GetTask(ctx, draftID)
	switch {
	case err == nil && !prev.State.Terminal():
		return Step{State: prev.State}, listing.ErrActiveTask
	case err == nil:
		retries = prev.Retries + 1
	case !errors.Is(err, listing.ErrNotFound):
		return Step{}, fmt.Errorf("get moderation task: %w", err)
	}

	now := m.clock.Now()
	task := listing.ModerationTask{
		DraftID:   draftID,
		Submitted: fields,
		State:     listing.StateInit,
		Retries:   retries,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.tasks.CreateTask(ctx, task); err != nil {
		return Step{}, fmt.Errorf("create moderation task: %w", err)
	}
	return m.submit(ctx, &task)
}

// Advance resumes the task from its recorded state. A missing task is a no-op.
func (m *Machine) Advance(ctx context.Context, draftID string) (Step, error) {
	task, err := m.tasks.GetTask(ctx, draftID)
	if errors.Is(err, listing.ErrNotFound) {
		return Step{}, nil
	}
	if err != nil {
		return Step{}, fmt.Errorf("get moderation task: %w", err)
	}
	if task.State.Terminal() {
		return Step{State: task.State}, nil
	}

	draft, err := m.drafts.GetDraft(ctx, draftID)
	switch {
	case errors.Is(err, listing.ErrNotFound):
		return m.abort(ctx, &task, "draft deleted")
	case err != nil:
		return Step{State: task.State}, fmt.Errorf("get draft: %w", err)
	}

	switch task.State {
	case listing.StateInit:
		if draft.Status.Terminal() {
			return m.abort(ctx, &task, fmt.Sprintf("draft is %s", draft.Status))
		}
		return m.submit(ctx, &task)
	case listing.StateMonitoring:
		if draft.Status.Terminal() {
			return m.abort(ctx, &task, fmt.Sprintf("draft is %s", draft.Status))
		}
		return m.poll(ctx, &task, draft)
	case listing.StateApproved:
		return m.finalize(ctx, &task, draft)
	default:
		return Step{State: task.State}, fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, task.State)
	}
}

// Abort fails an active task. Tasks that are absent, terminal or already
// approved are left alone.
func (m *Machine) Abort(ctx context.Context, draftID, reason string) error {
	task, err := m.tasks.GetTask(ctx, draftID)
	if errors.Is(err, listing.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get moderation task: %w", err)
	}
	if !CanTransition(task.State, listing.StateFailed) {
		return nil
	}
	_, err = m.abort(ctx, &task, reason)
	return err
}

func (m *Machine) abort(ctx context.Context, task *listing.ModerationTask, reason string) (Step, error) {
	if err := m.transition(ctx, task, listing.StateFailed, reason); err != nil {
		return Step{State: task.State}, err
	}
	return Step{State: listing.StateFailed}, nil
}

func (m *Machine) submit(ctx context.Context, task *listing.ModerationTask) (Step, error) {
	res, err := m.exec.SubmitListing(ctx, task.Submitted)
	if err == nil && res.ListingID == "" {
		err = errors.New("marketplace returned no listing id")
	}
	if err != nil {
		// Record the failure even when ctx was canceled mid-submit.
		reason := "submit listing: " + err.Error()
		if terr := m.transition(context.WithoutCancel(ctx), task, listing.StateFailed, reason); terr != nil {
			return Step{State: task.State}, errors.Join(fmt.Errorf("submit listing: %w", err), terr)
		}
		return Step{State: listing.StateFailed}, fmt.Errorf("submit listing: %w", err)
	}

	now := m.clock.Now()
	task.ListingID = res.ListingID
	task.SubmittedAt = &now
	if err := m.transition(context.WithoutCancel(ctx), task, listing.StateMonitoring, "submitted"); err != nil {
		return Step{State: listing.StateInit}, err
	}
	return Step{State: listing.StateMonitoring, PollAt: now.Add(m.cfg.PollInterval)}, nil
}

func (m *Machine) poll(ctx context.Context, task *listing.ModerationTask, draft listing.Draft) (Step, error) {
	status, err := m.exec.CheckModerationStatus(ctx, task.ListingID)
	task.Polls++
	task.UpdatedAt = m.clock.Now()
	if err != nil {
		if uerr := m.tasks.UpdateTask(context.WithoutCancel(ctx), *task); uerr != nil {
			m.logger.Warn("save poll counter failed", zap.String("draft_id", task.DraftID), zap.Error(uerr))
		}
		return Step{State: task.State}, fmt.Errorf("check moderation status: %w", err)
	}

	switch status {
	case listing.ModerationApproved:
		if err := m.transition(ctx, task, listing.StateApproved, "approved by marketplace review"); err != nil {
			return Step{State: task.State}, err
		}
		return m.finalize(ctx, task, draft)
	case listing.ModerationRejected:
		reason := "rejected by marketplace review"
		if err := m.transition(ctx, task, listing.StateRejected, reason); err != nil {
			return Step{State: task.State}, err
		}
		if err := m.settleDraft(ctx, draft, listing.DraftRejected, reason); err != nil {
			return Step{State: listing.StateRejected}, err
		}
		return Step{State: listing.StateRejected}, nil
	}

	if task.Polls >= m.cfg.MaxPolls {
		reason := fmt.Sprintf("moderation timed out after %d polls", task.Polls)
		if err := m.transition(ctx, task, listing.StateFailed, reason); err != nil {
			return Step{State: task.State}, err
		}
		if err := m.settleDraft(ctx, draft, listing.DraftFailed, reason); err != nil {
			return Step{State: listing.StateFailed}, err
		}
		return Step{State: listing.StateFailed}, nil
	}
	if err := m.tasks.UpdateTask(ctx, *task); err != nil {
		return Step{State: task.State}, fmt.Errorf("save moderation task: %w", err)
	}
	m.logger.Debug("moderation pending",
		zap.String("draft_id", task.DraftID),
		zap.String("status", string(status)),
		zap.Int("polls", task.Polls),
	)
	return Step{State: listing.StateMonitoring, PollAt: task.UpdatedAt.Add(m.cfg.PollInterval)}, nil
}

// finalize publishes the draft and closes the task. A crash between the two
// writes resumes here and skips the draft update.
func (m *Machine) finalize(ctx context.Context, task *listing.ModerationTask, draft listing.Draft) (Step, error) {
	reason := "published"
	switch {
	case draft.Status == listing.DraftPublished:
	case draft.Status.Terminal():
		reason = fmt.Sprintf("approved but draft is %s", draft.Status)
	default:
		draft.ListingID = task.ListingID
		if err := m.settleDraft(ctx, draft, listing.DraftPublished, ""); err != nil {
			return Step{State: task.State}, err
		}
	}
	if err := m.transition(ctx, task, listing.StateDone, reason); err != nil {
		return Step{State: task.State}, err
	}
	return Step{State: listing.StateDone}, nil
}

func (m *Machine) settleDraft(ctx context.Context, draft listing.Draft, status listing.DraftStatus, reason string) error {
	if err := draft.Advance(status); err != nil {
		return err
	}
	draft.LastError = reason
	draft.NeedsAction = nil
	if err := m.drafts.SaveDraft(ctx, draft); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	metrics.ObserveDraftOutcome(string(status))
	evType := listing.EventDraftFailed
	switch status {
	case listing.DraftPublished:
		evType = listing.EventDraftPublished
	case listing.DraftRejected:
		evType = listing.EventDraftRejected
	}
	m.emit(ctx, listing.Event{
		Type:      evType,
		DraftID:   draft.ID,
		OwnerID:   draft.OwnerID,
		Status:    status,
		ListingID: draft.ListingID,
		Reason:    reason,
	})
	return nil
}

func (m *Machine) transition(ctx context.Context, task *listing.ModerationTask, to listing.ModerationState, reason string) error {
	from := task.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	now := m.clock.Now()
	next := *task
	next.State = to
	next.Reason = reason
	next.UpdatedAt = now
	tr := listing.Transition{DraftID: task.DraftID, From: from, To: to, Reason: reason, At: now}
	if err := m.tasks.RecordTransition(ctx, next, tr); err != nil {
		return fmt.Errorf("record transition %s -> %s: %w", from, to, err)
	}
	*task = next
	metrics.ObserveModerationTransition(string(from), string(to))
	m.logger.Info("moderation transition",
		zap.String("draft_id", task.DraftID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	m.emit(ctx, listing.Event{
		Type:      listing.EventModerationTransition,
		DraftID:   task.DraftID,
		From:      from,
		To:        to,
		ListingID: task.ListingID,
		Reason:    reason,
	})
	return nil
}

func (m *Machine) emit(ctx context.Context, ev listing.Event) {
	if m.events == nil || m.cfg.Topic == "" {
		return
	}
	ev.At = m.clock.Now()
	if _, err := m.events.Publish(ctx, m.cfg.Topic, ev); err != nil {
		m.logger.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
