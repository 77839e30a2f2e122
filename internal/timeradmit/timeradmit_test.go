// Copyright 2025 James Ross
package timeradmit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampDelayTimeoutFloor(t *testing.T) {
	require.Equal(t, time.Duration(0), ClampDelay(-5*time.Millisecond, false))
}

func TestClampDelayIntervalFloor(t *testing.T) {
	require.Equal(t, 10*time.Millisecond, ClampDelay(2*time.Millisecond, true))
}

func TestClampDelayCeiling(t *testing.T) {
	require.Equal(t, 60*time.Second, ClampDelay(10*time.Minute, false))
}

func TestAcquireExhaustsPool(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxPermits; i++ {
		_, err := r.Acquire()
		require.NoError(t, err)
	}
	_, err := r.Acquire()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestRegisterThenCancelBothObserveCleanly(t *testing.T) {
	r := NewRegistry()
	h, err := r.Acquire()
	require.NoError(t, err)

	ok := r.Register(h)
	require.True(t, ok)

	r.Cancel(h.ID)
	require.True(t, h.IsCancelled())
}

func TestCancelBeforeRegisterWinsRace(t *testing.T) {
	r := NewRegistry()
	h, err := r.Acquire()
	require.NoError(t, err)

	r.Cancel(h.ID)
	ok := r.Register(h)
	require.False(t, ok, "register must fail once cancel already won")
}

func TestReleaseReturnsPermitToPool(t *testing.T) {
	r := NewRegistry()
	h, err := r.Acquire()
	require.NoError(t, err)
	require.True(t, r.Register(h))

	r.Release(h.ID)

	for i := 0; i < MaxPermits; i++ {
		_, err := r.Acquire()
		require.NoError(t, err)
	}
}
