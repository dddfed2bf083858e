package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/relist/internal/listing"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func sampleDraft() listing.Draft {
	return listing.Draft{
		ID:             "d-1",
		OwnerID:        "owner-1",
		SourceURL:      "https://item.jd.com/100.html",
		SourcePlatform: listing.PlatformJD,
		Title:          "联想 ThinkPad X1 Carbon",
		Attributes:     map[string]string{"品牌": "联想"},
		Images:         []string{"https://img.example.com/1.jpg"},
		Price:          999,
		Stock:          5,
		Category:       &listing.ResolvedCategory{Node: listing.CategoryNode{ID: 7, Code: "C07", Name: "笔记本"}, Confidence: 0.9},
		Status:         listing.DraftScraped,
		NeedsAction:    &listing.NeedsAction{Type: listing.ActionManualPrice, Reason: "no comparable price"},
		Diagnostics:    map[string]any{"pricing": "not_found"},
		CreatedAt:      epoch,
		UpdatedAt:      epoch,
	}
}

func draftRow(t *testing.T, d listing.Draft) []any {
	t.Helper()
	args, err := draftArgs(d)
	require.NoError(t, err)
	return args
}

var draftColumnNames = []string{
	"id", "owner_id", "source_url", "source_platform", "title", "description", "attributes", "images",
	"detail_html", "shop_name", "hint_category", "price", "stock", "category", "vetted_images", "image_source",
	"compliance_score", "listing_price", "risk", "listing_id", "status", "needs_action", "last_error", "diagnostics",
	"created_at", "updated_at",
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateReportsFailingStep(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS drafts").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX").WillReturnError(errors.New("permission denied"))

	err := Migrate(context.Background(), mock)
	require.ErrorContains(t, err, "migrate step 2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDraftInsertsRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)
	store.now = func() time.Time { return epoch }

	d := sampleDraft()
	mock.ExpectExec("INSERT INTO drafts").
		WithArgs(draftRow(t, d)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateDraft(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDraftDecodesDocuments(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)

	want := sampleDraft()
	mock.ExpectQuery("SELECT (.+) FROM drafts WHERE id").
		WithArgs("d-1").
		WillReturnRows(pgxmock.NewRows(draftColumnNames).AddRow(draftRow(t, want)...))

	got, err := store.GetDraft(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, want.Title, got.Title)
	require.Equal(t, listing.PlatformJD, got.SourcePlatform)
	require.Equal(t, listing.DraftScraped, got.Status)
	require.Equal(t, "联想", got.Attributes["品牌"])
	require.Equal(t, want.Images, got.Images)
	require.NotNil(t, got.Category)
	require.Equal(t, "C07", got.Category.Node.Code)
	require.NotNil(t, got.NeedsAction)
	require.Equal(t, listing.ActionManualPrice, got.NeedsAction.Type)
	require.Nil(t, got.Risk)
	require.Equal(t, "not_found", got.Diagnostics["pricing"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDraftMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)
	mock.ExpectQuery("SELECT (.+) FROM drafts WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetDraft(context.Background(), "nope")
	require.ErrorIs(t, err, listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDraftMissingRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)
	store.now = func() time.Time { return epoch }

	d := sampleDraft()
	mock.ExpectExec("UPDATE drafts SET").
		WithArgs(draftRow(t, d)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.SaveDraft(context.Background(), d), listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)
	store.now = func() time.Time { return epoch }

	mock.ExpectExec("UPDATE drafts SET status").
		WithArgs("d-1", "failed", "scrape: timeout", epoch).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateStatus(context.Background(), "d-1", listing.DraftFailed, "scrape: timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDraftsFiltersAndLimits(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)

	first := sampleDraft()
	second := sampleDraft()
	second.ID = "d-2"
	second.CreatedAt = epoch.Add(time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM drafts").
		WithArgs("scraped", 10).
		WillReturnRows(pgxmock.NewRows(draftColumnNames).
			AddRow(draftRow(t, first)...).
			AddRow(draftRow(t, second)...))

	got, err := store.ListDrafts(context.Background(), listing.DraftScraped, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "d-1", got[0].ID)
	require.Equal(t, "d-2", got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDraftMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewDraftStore(mock)
	mock.ExpectExec("DELETE FROM drafts").
		WithArgs("d-9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteDraft(context.Background(), "d-9"), listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func sampleTask() listing.ModerationTask {
	return listing.ModerationTask{
		DraftID:   "d-1",
		Submitted: listing.ListingFields{Title: "联想 X1C", Price: 950, Stock: 5},
		State:     listing.StateInit,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func TestCreateTaskActiveConflict(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	mock.ExpectExec("INSERT INTO moderation_tasks").
		WithArgs("d-1", "", pgxmock.AnyArg(), "init", 0, 0, "", epoch, pgxmock.AnyArg(), epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO moderation_tasks").
		WithArgs("d-1", "", pgxmock.AnyArg(), "init", 0, 0, "", epoch, pgxmock.AnyArg(), epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateTask(context.Background(), sampleTask()))
	require.ErrorIs(t, store.CreateTask(context.Background(), sampleTask()), listing.ErrActiveTask)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskDecodesSubmittedFields(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	submittedAt := epoch.Add(time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM moderation_tasks").
		WithArgs("d-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"draft_id", "listing_id", "submitted", "state", "polls", "retries", "reason",
			"created_at", "submitted_at", "updated_at",
		}).AddRow("d-1", "L-1", []byte(`{"title":"联想 X1C","price":950}`), "monitoring", 2, 0, "",
			epoch, &submittedAt, submittedAt))

	task, err := store.GetTask(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, listing.StateMonitoring, task.State)
	require.Equal(t, "L-1", task.ListingID)
	require.Equal(t, 2, task.Polls)
	require.InDelta(t, 950, task.Submitted.Price, 0.001)
	require.NotNil(t, task.SubmittedAt)
	require.True(t, task.SubmittedAt.Equal(submittedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)
	mock.ExpectQuery("SELECT (.+) FROM moderation_tasks").
		WithArgs("d-2").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), "d-2")
	require.ErrorIs(t, err, listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransitionCommits(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	task := sampleTask()
	task.State = listing.StateMonitoring
	task.ListingID = "L-1"
	tr := listing.Transition{DraftID: "d-1", From: listing.StateInit, To: listing.StateMonitoring, At: epoch}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE moderation_tasks SET").
		WithArgs("d-1", "L-1", "monitoring", 0, 0, "", pgxmock.AnyArg(), epoch).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO moderation_transitions").
		WithArgs("d-1", "init", "monitoring", "", epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordTransition(context.Background(), task, tr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransitionRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	task := sampleTask()
	tr := listing.Transition{DraftID: "d-1", From: listing.StateInit, To: listing.StateFailed, Reason: "boom", At: epoch}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE moderation_tasks SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO moderation_transitions").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RecordTransition(context.Background(), task, tr)
	require.ErrorContains(t, err, "insert transition")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransitionMissingTask(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE moderation_tasks SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.RecordTransition(context.Background(), sampleTask(), listing.Transition{DraftID: "d-1"})
	require.ErrorIs(t, err, listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransitionsInOrder(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewModerationStore(mock)

	mock.ExpectQuery("SELECT (.+) FROM moderation_transitions").
		WithArgs("d-1").
		WillReturnRows(pgxmock.NewRows([]string{"draft_id", "from_state", "to_state", "reason", "at"}).
			AddRow("d-1", "init", "monitoring", "", epoch).
			AddRow("d-1", "monitoring", "approved", "", epoch.Add(time.Minute)))

	got, err := store.ListTransitions(context.Background(), "d-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, listing.StateMonitoring, got[0].To)
	require.Equal(t, listing.StateApproved, got[1].To)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewProviderStore(mock)

	p := listing.ProviderConfig{
		ID: "qwen", Name: "Qwen", Family: listing.FamilyQwen, Enabled: true,
		Priority: 1, BaseURL: "https://dashscope.example.com", APIKeys: []string{"k1", "k2"}, Model: "qwen-max",
	}
	mock.ExpectExec("INSERT INTO provider_configs").
		WithArgs("qwen", "Qwen", "qwen", true, 1, "https://dashscope.example.com", []byte(`["k1","k2"]`), "qwen-max").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT (.+) FROM provider_configs ORDER BY priority, id").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "family", "enabled", "priority", "base_url", "api_keys", "model"}).
			AddRow("qwen", "Qwen", "qwen", true, 1, "https://dashscope.example.com", []byte(`["k1","k2"]`), "qwen-max"))
	mock.ExpectExec("DELETE FROM provider_configs").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ctx := context.Background()
	require.NoError(t, store.UpsertProvider(ctx, p))
	got, err := store.ListProviders(ctx)
	require.NoError(t, err)
	require.Equal(t, []listing.ProviderConfig{p}, got)
	require.ErrorIs(t, store.DeleteProvider(ctx, "gone"), listing.ErrNotFound)
	require.Error(t, store.UpsertProvider(ctx, listing.ProviderConfig{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
