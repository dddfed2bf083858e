package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/relist/internal/listing"
)

func TestModerationStoreSingleActiveTask(t *testing.T) {
	t.Parallel()

	store := NewModerationStore()
	ctx := context.Background()
	task := listing.ModerationTask{DraftID: "d-1", State: listing.StateInit}

	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := store.CreateTask(ctx, task); !errors.Is(err, listing.ErrActiveTask) {
		t.Fatalf("expected ErrActiveTask, got %v", err)
	}

	task.State = listing.StateFailed
	tr := listing.Transition{DraftID: "d-1", From: listing.StateInit, To: listing.StateFailed, Reason: "submit failed"}
	if err := store.RecordTransition(ctx, task, tr); err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}
	// A terminal task no longer blocks a new one.
	if err := store.CreateTask(ctx, listing.ModerationTask{DraftID: "d-1", State: listing.StateInit, Retries: 1}); err != nil {
		t.Fatalf("CreateTask() after terminal error = %v", err)
	}
	got, err := store.GetTask(ctx, "d-1")
	if err != nil || got.Retries != 1 || got.State != listing.StateInit {
		t.Fatalf("unexpected task %+v err=%v", got, err)
	}
	log, _ := store.ListTransitions(ctx, "d-1")
	if len(log) != 1 || log[0].To != listing.StateFailed {
		t.Fatalf("unexpected transition log %+v", log)
	}
}

func TestModerationStoreUpdateKeepsState(t *testing.T) {
	t.Parallel()

	store := NewModerationStore()
	ctx := context.Background()
	if err := store.UpdateTask(ctx, listing.ModerationTask{DraftID: "x"}); !errors.Is(err, listing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetTask(ctx, "x"); !errors.Is(err, listing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RecordTransition(ctx, listing.ModerationTask{DraftID: "x"}, listing.Transition{}); !errors.Is(err, listing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_ = store.CreateTask(ctx, listing.ModerationTask{DraftID: "x", State: listing.StateMonitoring})
	if err := store.UpdateTask(ctx, listing.ModerationTask{DraftID: "x", State: listing.StateDone, Polls: 4}); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	got, _ := store.GetTask(ctx, "x")
	if got.State != listing.StateMonitoring || got.Polls != 4 {
		t.Fatalf("expected counters saved and state kept, got %+v", got)
	}
}
