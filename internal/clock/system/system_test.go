package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before))
}

func TestJittered(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, Jittered(time.Second, 0))
	for range 50 {
		d := Jittered(time.Second, 100*time.Millisecond)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 1100*time.Millisecond)
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
