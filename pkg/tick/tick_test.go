package tick

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_TickAndCancel(t *testing.T) {
	src := NewManual()
	calls := 0
	src.OnTick(func() {
		calls++
		if calls == 3 {
			src.Cancel()
		}
	})

	n := src.RunUntilCanceled(10)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, src.Ticks())
	assert.True(t, src.Canceled())
	assert.False(t, src.Tick())
}

func TestInterval_RunStopsOnCancel(t *testing.T) {
	src := NewInterval(time.Millisecond)
	var calls atomic.Int32
	src.OnTick(func() {
		if calls.Add(1) == 5 {
			src.Cancel()
		}
	})

	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, int32(5), calls.Load())
}

func TestInterval_RunStopsOnContext(t *testing.T) {
	src := NewInterval(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, src.Run(ctx), context.Canceled)
}

func TestScheduler_OneContinuationPerRun(t *testing.T) {
	s := NewScheduler()
	var order []int
	s.Defer(func() {
		order = append(order, 1)
		s.Defer(func() { order = append(order, 3) })
	})
	s.Defer(func() { order = append(order, 2) })

	assert.Equal(t, 2, s.Pending())
	assert.True(t, s.RunNext())
	assert.Equal(t, []int{1}, order)
	assert.True(t, s.RunNext())
	assert.True(t, s.RunNext())
	assert.False(t, s.RunNext())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduler_DeferFromGoroutine(t *testing.T) {
	s := NewScheduler()
	done := make(chan struct{})
	go func() {
		s.Defer(func() {})
		close(done)
	}()
	<-done

	assert.Equal(t, 1, s.Pending())
	assert.True(t, s.RunNext())
}
