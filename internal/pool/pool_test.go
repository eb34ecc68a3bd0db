package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitRunsEveryTask(t *testing.T) {
	p := New(4, 8, zerolog.Nop())
	var count atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			count.Add(1)
		}))
	}
	require.NoError(t, p.Stop(time.Second))
	require.Equal(t, int32(100), count.Load())
	require.Equal(t, int64(100), p.Stats().Completed)
}

func TestTrySubmitReportsFullQueue(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.TrySubmit(func(context.Context) {}))
	require.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrQueueFull)
	require.Equal(t, int64(1), p.Stats().Rejected)
	require.Equal(t, 1, p.QueueDepth())

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestSubmitBlocksUntilContextDone(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestStopUnblocksPendingSubmit(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Submit(context.Background(), func(context.Context) {})
	}()
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(time.Second) }()

	require.ErrorIs(t, <-errCh, ErrPoolStopped)
	close(release)
	require.NoError(t, <-stopped)
	require.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrPoolStopped)
}

func TestStopTimeoutCancelsTasks(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))
	require.ErrorIs(t, p.Stop(10*time.Millisecond), ErrStopTimeout)
	<-cancelled
	p.wg.Wait()
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := New(1, 4, zerolog.Nop())
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { wg.Done() }))
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))
	require.Equal(t, int64(1), p.Stats().Panics)
}

func TestNilTaskRejected(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	defer p.Stop(time.Second)
	require.Error(t, p.Submit(context.Background(), nil))
	require.Error(t, p.TrySubmit(nil))
}
