package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers, queue int) *WorkerPool {
	t.Helper()
	p := NewWorkerPool(&Config{Name: "test", Workers: workers, QueueSize: queue}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := newTestPool(t, 2, 4)

	var ran atomic.Int32
	done := make(chan struct{}, 3)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit(Task{Name: name, Run: func(ctx context.Context) error {
			ran.Add(1)
			done <- struct{}{}
			return nil
		}}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}

	assert.Equal(t, int32(3), ran.Load())
	assert.Eventually(t, func() bool { return p.Stats().CompletedTasks == 3 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_RejectsDuplicateWhilePending(t *testing.T) {
	p := newTestPool(t, 1, 2)

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "checkpoint", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}

	require.NoError(t, p.Submit(task))
	<-started
	assert.ErrorIs(t, p.Submit(Task{Name: "checkpoint", Run: func(context.Context) error { return nil }}), ErrDuplicate)
	assert.False(t, p.TrySubmit(Task{Name: "checkpoint", Run: func(context.Context) error { return nil }}))

	close(release)
	assert.Eventually(t, func() bool {
		return p.TrySubmit(Task{Name: "checkpoint", Run: func(context.Context) error { return nil }})
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := newTestPool(t, 1, 1)

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, p.Submit(Task{Name: "overflow", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().RejectedTasks)
}

func TestWorkerPool_FailuresAndPanicsAreCounted(t *testing.T) {
	p := newTestPool(t, 1, 2)

	require.NoError(t, p.Submit(Task{Name: "fails", Run: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("oops") }}))

	assert.Eventually(t, func() bool { return p.Stats().FailedTasks == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_StopCancelsRunningTasks(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "stop", Workers: 1, QueueSize: 1}, zap.NewNop())

	started := make(chan struct{})
	var canceled atomic.Bool
	require.NoError(t, p.Submit(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.True(t, canceled.Load())

	assert.ErrorIs(t, p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.NoError(t, p.Stop(ctx))
}
