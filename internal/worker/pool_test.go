package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(workers, queue int, timeout time.Duration) *Pool {
	return NewPool(Config{Workers: workers, QueueSize: queue, TaskTimeout: timeout}, metrics.NoOpCollector{}, logger.NewNop())
}

func TestPool_RunsTasks(t *testing.T) {
	pool := newTestPool(2, 16, time.Second)

	var ran int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			Name: "count",
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}))
	}

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
}

func TestPool_QueueFull(t *testing.T) {
	pool := newTestPool(1, 1, time.Second)
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	noop := Task{Name: "noop", Run: func(ctx context.Context) error { return nil }}

	require.NoError(t, pool.Submit(context.Background(), blocking))
	<-started
	require.NoError(t, pool.Submit(context.Background(), noop))

	err := pool.Submit(context.Background(), noop)
	assert.True(t, errors.Is(err, pkgerrors.ErrQueueFull))

	close(release)
	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool := newTestPool(1, 1, time.Second)
	require.NoError(t, pool.Stop(context.Background()))

	err := pool.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return nil }})
	assert.True(t, errors.Is(err, pkgerrors.ErrQueueClosed))
}

func TestPool_DetachedFromSubmitterCancellation(t *testing.T) {
	pool := newTestPool(1, 4, time.Second)

	type key struct{}
	reqCtx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "req-1"))

	result := make(chan error, 1)
	value := make(chan interface{}, 1)
	gate := make(chan struct{})
	require.NoError(t, pool.Submit(reqCtx, Task{Name: "detached", Run: func(ctx context.Context) error {
		<-gate
		value <- ctx.Value(key{})
		result <- ctx.Err()
		return nil
	}}))

	cancel()
	close(gate)

	assert.NoError(t, <-result)
	assert.Equal(t, "req-1", <-value)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPool_TaskTimeout(t *testing.T) {
	pool := newTestPool(1, 1, 20*time.Millisecond)

	result := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}}))

	assert.True(t, errors.Is(<-result, context.DeadlineExceeded))
	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := newTestPool(1, 4, time.Second)

	var after int32
	require.NoError(t, pool.Submit(context.Background(), Task{Name: "boom", Run: func(ctx context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, pool.Submit(context.Background(), Task{Name: "after", Run: func(ctx context.Context) error {
		atomic.StoreInt32(&after, 1)
		return nil
	}}))

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
	assert.Equal(t, int64(1), pool.Stats().Failed)
}
