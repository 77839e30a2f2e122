// Copyright 2025 James Ross
package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAsyncDeniesWithoutPermission(t *testing.T) {
	c := NewChecker()
	c.ExposeMethod("bar", "ping")
	err := c.CheckAsync(context.Background(), "foo", "bar", "ping")
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCheckAsyncDeniesUnexposedMethod(t *testing.T) {
	c := NewChecker()
	c.GrantPermissions("foo", []string{"call:bar:ping"})
	err := c.CheckAsync(context.Background(), "foo", "bar", "ping")
	require.ErrorIs(t, err, ErrMethodNotExposed)
}

func TestCheckAsyncAllowsWhenBothSidesSatisfied(t *testing.T) {
	c := NewChecker()
	c.GrantPermissions("foo", []string{"call:bar:ping"})
	c.ExposeMethod("bar", "ping")
	require.NoError(t, c.CheckAsync(context.Background(), "foo", "bar", "ping"))
}

func TestCheckSyncMatchesCheckAsync(t *testing.T) {
	c := NewChecker()
	c.GrantPermissions("foo", []string{"call:bar:ping"})
	c.ExposeMethod("bar", "ping")
	require.NoError(t, c.CheckSync("foo", "bar", "ping"))
}

func TestClearExposedRevokesAccess(t *testing.T) {
	c := NewChecker()
	c.GrantPermissions("foo", []string{"call:bar:ping"})
	c.ExposeMethod("bar", "ping")
	c.ClearExposed("bar")
	err := c.CheckAsync(context.Background(), "foo", "bar", "ping")
	require.ErrorIs(t, err, ErrMethodNotExposed)
}

func TestCallChainRejectsDepthExceeded(t *testing.T) {
	var chain CallChain
	var err error
	for _, id := range []string{"a", "b", "c"} {
		chain, err = chain.Push(id)
		require.NoError(t, err)
	}
	_, err = chain.Push("d")
	require.ErrorIs(t, err, ErrCallDepthExceeded)
}

func TestCallChainRejectsCycle(t *testing.T) {
	chain := CallChain{"a", "b"}
	_, err := chain.Push("a")
	require.ErrorIs(t, err, ErrCallCycle)
}

func TestCallChainPushReturnsExtendedCopy(t *testing.T) {
	chain := CallChain{"a"}
	extended, err := chain.Push("b")
	require.NoError(t, err)
	require.Equal(t, CallChain{"a", "b"}, extended)
	require.Equal(t, CallChain{"a"}, chain, "original chain must be unmodified")
}
