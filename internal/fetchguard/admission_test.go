// Copyright 2025 James Ross
package fetchguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmissionRejectsBeyondCeiling(t *testing.T) {
	a := NewAdmission(2)
	g1, err := a.Acquire()
	require.NoError(t, err)
	g2, err := a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.ErrorIs(t, err, ErrTooManyRequests)

	g1.Release()
	g3, err := a.Acquire()
	require.NoError(t, err)
	require.NotNil(t, g3)
	g2.Release()
	g3.Release()
}

func TestAdmissionReleaseIsIdempotent(t *testing.T) {
	a := NewAdmission(1)
	g, err := a.Acquire()
	require.NoError(t, err)
	g.Release()
	g.Release()
	require.EqualValues(t, 0, a.InUse())
}

func TestAdmissionDefaultsWhenNonPositive(t *testing.T) {
	a := NewAdmission(0)
	require.EqualValues(t, 10, a.max)
}

func TestAdmissionReleaseOnNilGuardNoop(t *testing.T) {
	var g *Guard
	require.NotPanics(t, func() { g.Release() })
}
