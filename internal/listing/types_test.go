package listing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDraftStatusCanAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to DraftStatus
		want     bool
	}{
		{DraftPending, DraftScraped, true},
		{DraftPending, DraftPublishing, true},
		{DraftScraped, DraftScraped, true},
		{DraftScraped, DraftPending, false},
		{DraftPublishing, DraftScraped, false},
		{DraftPublishing, DraftPublished, true},
		{DraftPublishing, DraftRejected, true},
		{DraftPending, DraftFailed, true},
		{DraftPublished, DraftFailed, false},
		{DraftFailed, DraftPending, false},
		{DraftRejected, DraftPublishing, false},
		{DraftStatus("bogus"), DraftScraped, false},
		{DraftPending, DraftStatus("bogus"), false},
	}
	for _, tt := range tests {
		require.Equalf(t, tt.want, tt.from.CanAdvance(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDraftAdvanceNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	order := []DraftStatus{DraftPending, DraftScraped, DraftPublishing, DraftPublished}
	for i := range order {
		for j := range order {
			d := Draft{ID: "d", Status: order[i]}
			err := d.Advance(order[j])
			if j < i || order[i].Terminal() {
				require.Error(t, err)
				require.Equal(t, order[i], d.Status)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, order[j], d.Status)
		}
	}
}

func TestDraftResetForRetry(t *testing.T) {
	t.Parallel()

	d := Draft{
		ID:          "d1",
		Status:      DraftFailed,
		NeedsAction: &NeedsAction{Type: ActionManualPrice},
		LastError:   "boom",
		ListingID:   "L1",
	}
	require.NoError(t, d.ResetForRetry())
	require.Equal(t, DraftPending, d.Status)
	require.Nil(t, d.NeedsAction)
	require.Empty(t, d.LastError)
	require.Empty(t, d.ListingID)

	d.Status = DraftPublished
	require.Error(t, d.ResetForRetry())

	d.Status = DraftRejected
	require.NoError(t, d.ResetForRetry())
}

func TestProviderConfigUsable(t *testing.T) {
	t.Parallel()

	require.True(t, ProviderConfig{Enabled: true, APIKeys: []string{"k"}}.Usable())
	require.False(t, ProviderConfig{Enabled: false, APIKeys: []string{"k"}}.Usable())
	require.False(t, ProviderConfig{Enabled: true}.Usable())
}

func TestModerationStateTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StateInit.Terminal())
	require.False(t, StateMonitoring.Terminal())
	require.False(t, StateApproved.Terminal())
	require.True(t, StateDone.Terminal())
	require.True(t, StateRejected.Terminal())
	require.True(t, StateFailed.Terminal())
}
