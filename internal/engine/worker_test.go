package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTask(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int64
	var got error = errors.New("unset")
	err := pool.Go(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, func(err error) { got = err })
	require.NoError(t, err)

	pool.Wait()
	assert.Equal(t, int64(1), ran.Load())
	assert.NoError(t, got)
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		err := pool.Go(context.Background(), func(ctx context.Context) error {
			c := current.Add(1)
			mu.Lock()
			if c > peak.Load() {
				peak.Store(c)
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}, nil)
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	errCh := make(chan error, 1)
	err := pool.Go(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}, func(err error) { errCh <- err })
	require.NoError(t, err)

	got := <-errCh
	require.Error(t, got)
	assert.Contains(t, got.Error(), "boom")

	pool.Wait()
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestWorkerPool_ContextCancelledWhileFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Go(ctx, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Go(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.Equal(t, 1, pool.Size())
}
