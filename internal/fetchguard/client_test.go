// Copyright 2025 James Ross
package fetchguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientDoRejectsDisallowedURL(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Do(context.Background(), "GET", "http://127.0.0.1:9999/", nil, nil)
	require.ErrorIs(t, err, ErrURLRejected)
}

func TestClientDoReturnsNotInitializedWhenDisabled(t *testing.T) {
	c := NewClient(nil)
	c.disabled = true
	_, err := c.Do(context.Background(), "GET", "https://example.com/", nil, nil)
	require.ErrorIs(t, err, ErrClientNotInitialized)
}

func TestClientAdmissionLimitAppliedBeforeDNS(t *testing.T) {
	c := NewClient(nil)
	for i := 0; i < 10; i++ {
		_, err := c.admission.Acquire()
		require.NoError(t, err)
	}
	_, err := c.Do(context.Background(), "GET", "https://example.com/", nil, nil)
	require.ErrorIs(t, err, ErrTooManyRequests)
}
