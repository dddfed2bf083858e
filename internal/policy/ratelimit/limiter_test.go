package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesCallsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://console.example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://console.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Another host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://search.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://x.example.com"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://x.example.com"))
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.example.com", host("https://a.example.com:8443/x"))
	require.Equal(t, "unknown", host("::"))
	require.Equal(t, "unknown", host("/relative"))
}
