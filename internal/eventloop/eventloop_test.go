package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunReturnsWhenIdle(t *testing.T) {
	l := New()
	require.NoError(t, l.Run(context.Background()))
	assert.False(t, l.HasPending())
}

func TestLoop_TasksRunOnLoopThread(t *testing.T) {
	l := New()
	var onLoop, ran bool
	require.NoError(t, l.Submit(func() {
		ran = true
		onLoop = l.IsLoopThread()
	}))
	assert.False(t, l.IsLoopThread(), "no loop thread before Run")

	require.NoError(t, l.Run(context.Background()))
	assert.True(t, ran)
	assert.True(t, onLoop)
	assert.False(t, l.IsLoopThread(), "loop thread marker cleared after Run")
}

func TestLoop_SubmitFromOtherGoroutine(t *testing.T) {
	l := New()
	l.Ref()

	var got atomic.Int32
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = l.Submit(func() {
			got.Store(1)
			l.Unref()
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, 0, l.Refs())
}

func TestLoop_TasksSubmittedDuringTaskRunNextIteration(t *testing.T) {
	l := New()
	var order []int
	require.NoError(t, l.Submit(func() {
		order = append(order, 1)
		_ = l.Submit(func() { order = append(order, 3) })
	}))
	require.NoError(t, l.Submit(func() { order = append(order, 2) }))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestLoop_RunRejectsReentry(t *testing.T) {
	l := New()
	var err error
	require.NoError(t, l.Submit(func() {
		err = l.Run(context.Background())
	}))
	require.NoError(t, l.Run(context.Background()))
	assert.ErrorIs(t, err, ErrLoopRunning)
}

func TestLoop_ContextCancel(t *testing.T) {
	l := New()
	l.Ref()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Run(ctx), context.DeadlineExceeded)
}

func TestLoop_Stop(t *testing.T) {
	l := New()
	l.Ref()
	require.NoError(t, l.Submit(l.Stop))
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, l.Refs())
}

func TestLoop_SubmitAfterClose(t *testing.T) {
	l := New()
	l.Close()
	assert.ErrorIs(t, l.Submit(func() {}), ErrLoopClosed)
}

type countingSource struct {
	l       *Loop
	pending atomic.Int32
	drained int
}

func (s *countingSource) Drain() bool {
	n := s.pending.Swap(0)
	for i := int32(0); i < n; i++ {
		s.drained++
		s.l.Unref()
	}
	return n > 0
}

func TestLoop_DrainsSources(t *testing.T) {
	l := New()
	src := &countingSource{l: l}
	l.AddSource(src)

	for i := 0; i < 3; i++ {
		l.Ref()
		go func() {
			src.pending.Add(1)
			l.Wakeup()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 3, src.drained)
}

func TestLoop_TimersFireInDeadlineOrder(t *testing.T) {
	l := New()
	var order []int
	l.SetTimer(30*time.Millisecond, false, func() { order = append(order, 3) })
	l.SetTimer(10*time.Millisecond, false, func() { order = append(order, 1) })
	l.SetTimer(20*time.Millisecond, false, func() { order = append(order, 2) })

	start := time.Now()
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLoop_ClearTimer(t *testing.T) {
	l := New()
	fired := false
	id := l.SetTimer(10*time.Millisecond, false, func() { fired = true })
	l.ClearTimer(id)
	require.NoError(t, l.Run(context.Background()))
	assert.False(t, fired)
}

func TestLoop_IntervalTimer(t *testing.T) {
	l := New()
	count := 0
	var id int
	id = l.SetTimer(time.Millisecond, true, func() {
		count++
		if count == 3 {
			l.ClearTimer(id)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 3, count)
}
