package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 4, QueueSize: 64})
	defer pool.Stop(context.Background())

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		err := pool.Submit(context.Background(), Task{
			ID: fmt.Sprintf("task-%d", i),
			Fn: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return pool.Stats().CompletedTasks == 50
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(50), ran.Load())
	assert.Equal(t, 100.0, pool.Stats().SuccessRate())
}

func TestWorkerPool_PanicAndErrorCountAsFailures(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(context.Background())

	require.True(t, pool.TrySubmit(Task{ID: "panic", Fn: func(context.Context) error {
		panic("boom")
	}}))
	require.True(t, pool.TrySubmit(Task{ID: "error", Fn: func(context.Context) error {
		return fmt.Errorf("failed")
	}}))

	assert.Eventually(t, func() bool {
		return pool.Stats().FailedTasks == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	noop := Task{ID: "noop", Fn: func(context.Context) error { return nil }}
	assert.True(t, pool.TrySubmit(noop))
	assert.False(t, pool.TrySubmit(noop))
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)

	close(release)
}

func TestWorkerPool_Stop(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 2, QueueSize: 2})

	canceled := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "wait", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	<-canceled

	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(context.Background(), Task{ID: "late"}))
	assert.NoError(t, pool.Stop(ctx), "second stop is a no-op")
}
