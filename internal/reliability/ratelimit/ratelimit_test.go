// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAllowsWithinBurst(t *testing.T) {
	l := New(Config{RatePerSecond: 10, Burst: 2}, Config{RatePerSecond: 10, Burst: 2}, nil)
	require.True(t, l.Check("foo"))
	require.True(t, l.Check("foo"))
	require.False(t, l.Check("foo"))
}

func TestCheckTiersAreIndependentPerPlugin(t *testing.T) {
	l := New(Config{RatePerSecond: 100, Burst: 100}, Config{RatePerSecond: 1, Burst: 1}, nil)
	require.True(t, l.Check("a"))
	require.False(t, l.Check("a"))
	require.True(t, l.Check("b"), "plugin b has its own independent bucket")
}

func TestZeroConfigClampedNotPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		l := New(Config{}, Config{}, nil)
		require.True(t, l.Check("foo"))
	})
}

func TestUntilReadyRespectsContextCancellation(t *testing.T) {
	l := New(Config{RatePerSecond: 1, Burst: 1}, Config{RatePerSecond: 1, Burst: 1}, nil)
	require.True(t, l.Check("foo"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.UntilReady(ctx, "foo")
	require.Error(t, err)
}

func TestUntilReadyJitteredAddsDelay(t *testing.T) {
	l := New(Config{RatePerSecond: 1000, Burst: 1000}, Config{RatePerSecond: 1000, Burst: 1000}, nil)
	start := time.Now()
	require.NoError(t, l.UntilReadyJittered(context.Background(), "foo"))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
