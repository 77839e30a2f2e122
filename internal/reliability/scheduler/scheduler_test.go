// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTaskSuccessfully(t *testing.T) {
	s := New(2, 10)
	defer s.Close()

	result, err := s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)

	select {
	case o := <-result:
		require.NoError(t, o.Err)
		require.Equal(t, 42, o.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	s := New(1, 1)
	defer s.Close()

	block := make(chan struct{})
	_, err := s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	// give the worker time to pick up the first task and occupy the
	// single concurrency slot before flooding the queue
	time.Sleep(50 * time.Millisecond)

	_, err = s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	_, err = s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.ErrorIs(t, err, ErrQueueFull)

	close(block)
}

func TestTaskPanicSurfacesAsDistinctError(t *testing.T) {
	s := New(2, 10)
	defer s.Close()

	result, err := s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.NoError(t, err)

	o := <-result
	require.ErrorIs(t, o.Err, ErrTaskPanic)
}

func TestHigherPriorityRunsFirstUnderContention(t *testing.T) {
	s := New(1, 10)
	defer s.Close()

	gate := make(chan struct{})
	_, err := s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(v string) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}
	lowResult, _ := s.Submit(PriorityLow, time.Second, func(ctx context.Context) (interface{}, error) {
		record("low")
		return nil, nil
	})
	highResult, _ := s.Submit(PriorityCritical, time.Second, func(ctx context.Context) (interface{}, error) {
		record("critical")
		return nil, nil
	})
	close(gate)

	<-lowResult
	<-highResult
	require.Equal(t, []string{"critical", "low"}, order)
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	s := New(1, 1)
	s.Close()
	_, err := s.Submit(PriorityNormal, time.Second, func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.True(t, errors.Is(err, ErrSchedulerClosed))
}
