package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New(16, nil)
	l.Start(ctx)
	t.Cleanup(cancel)
	return l
}

func TestTasksRunInPostingOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, l.Post(func() { order = append(order, i) }))
	}

	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func() {
		snapshot = append(snapshot, order...)
	}))

	require.Len(t, snapshot, 50)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("bad task") })

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestStopRejectsNewTasks(t *testing.T) {
	l := startLoop(t)
	l.Stop()

	assert.True(t, l.Stopped())
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}

func TestDoHonoursContext(t *testing.T) {
	l := startLoop(t)

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(4, nil)

	var finished atomic.Bool
	go func() {
		l.Run(ctx)
		finished.Store(true)
	}()

	cancel()
	assert.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	assert.True(t, l.Stopped())
}
