package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueueRunsTasksInEnqueueOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		delays := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 20).Draw(rt, "delays")

		q := New(context.Background(), newLogger())
		var mu sync.Mutex
		var got []int
		handles := make([]*Handle, 0, len(delays))
		for i, d := range delays {
			i, d := i, d
			handles = append(handles, q.Enqueue(func(context.Context) error {
				time.Sleep(time.Duration(d) * time.Millisecond)
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				return nil
			}))
		}
		q.Close()
		q.Wait()

		for _, h := range handles {
			if err := h.Wait(context.Background()); err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
		}
		if len(got) != len(delays) {
			rt.Fatalf("ran %d tasks, want %d", len(got), len(delays))
		}
		for i, v := range got {
			if v != i {
				rt.Fatalf("task %d ran at position %d", v, i)
			}
		}
	})
}

func TestHandleResolvesAfterSlowPredecessor(t *testing.T) {
	q := New(context.Background(), newLogger())
	release := make(chan struct{})
	first := q.Enqueue(func(context.Context) error {
		<-release
		return nil
	})
	second := q.Enqueue(func(context.Context) error { return nil })

	select {
	case <-second.Done():
		t.Fatal("second task resolved before the first finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, second.Wait(context.Background()))
	require.NoError(t, first.Err())
}

func TestFailedTaskStopsQueue(t *testing.T) {
	q := New(context.Background(), newLogger())
	boom := errors.New("boom")
	ran := false

	h1 := q.Enqueue(func(context.Context) error { return boom })
	h2 := q.Enqueue(func(context.Context) error {
		ran = true
		return nil
	})
	q.Close()
	q.Wait()

	err := h1.Wait(context.Background())
	require.ErrorIs(t, err, ErrFailed)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, h2.Wait(context.Background()), boom)
	assert.False(t, ran)
	assert.ErrorIs(t, q.Err(), ErrFailed)

	late := q.Enqueue(func(context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(context.Background()), ErrFailed)
}

func TestCancelResolvesPendingTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(ctx, newLogger())
	started := make(chan struct{})
	blocker := q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	ran := false
	pending := q.Enqueue(func(context.Context) error {
		ran = true
		return nil
	})

	<-started
	cancel()
	q.Wait()

	require.Error(t, blocker.Wait(context.Background()))
	require.ErrorIs(t, pending.Wait(context.Background()), context.Canceled)
	assert.False(t, ran)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(context.Background(), newLogger())
	q.Close()
	q.Wait()
	h := q.Enqueue(func(context.Context) error { return nil })
	assert.ErrorIs(t, h.Wait(context.Background()), ErrClosed)
}

func TestFailureWithoutLogger(t *testing.T) {
	q := New(context.Background(), nil)
	boom := errors.New("boom")
	h := q.Enqueue(func(context.Context) error { return boom })
	q.Close()
	q.Wait()
	assert.ErrorIs(t, h.Wait(context.Background()), boom)
}
