package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/metric"
)

func TestNewPool_Defaults(t *testing.T) {
	p, err := NewPool(0, 0, func(context.Context, int) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, p.workers)
	assert.Equal(t, 32, p.queueSize)

	_, err = NewPool[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var sum atomic.Int64
	var wg sync.WaitGroup
	p, err := NewPool(3, 10, func(_ context.Context, n int) error {
		defer wg.Done()
		sum.Add(int64(n))
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(i))
	}
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(15), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)

	assert.ErrorIs(t, p.Submit(6), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second), "stop is idempotent")
}

func TestPool_QueueFullDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		close(release)
		_ = p.Stop(time.Second)
	}()

	require.NoError(t, p.Submit(1))
	// The single worker may or may not have picked up item 1 yet, so fill
	// until the queue rejects.
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = p.Submit(2 + i)
	}
	assert.ErrorIs(t, full, ErrQueueFull)
	assert.GreaterOrEqual(t, p.Stats().Dropped, int64(1))
}

func TestPool_FailuresAndPanicsAreContained(t *testing.T) {
	var wg sync.WaitGroup
	registry := metric.NewMetricsRegistry()
	p, err := NewPool(1, 4, func(_ context.Context, n int) error {
		defer wg.Done()
		switch n {
		case 1:
			return errors.New("speaker offline")
		case 2:
			panic("decoder crashed")
		}
		return nil
	}, WithMetricsRegistry[int](registry, "alerts"))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	wg.Add(3)
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	require.NoError(t, p.Submit(3))
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	p, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		close(started)
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	<-started

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
	close(block)
}
