package poll_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/poll"
)

func TestWaitForReturnsImmediatelyWhenReady(t *testing.T) {
	set := &poll.EventSet{}
	v, err := poll.WaitFor(context.Background(), set, func() (int, bool, error) {
		return 42, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWaitForParksUntilWoken(t *testing.T) {
	set := &poll.EventSet{}
	var ready atomic.Bool

	done := make(chan int, 1)
	go func() {
		v, err := poll.WaitFor(context.Background(), set, func() (int, bool, error) {
			if ready.Load() {
				return 7, true, nil
			}
			return 0, false, nil
		})
		require.NoError(t, err)
		done <- v
	}()

	// Give the goroutine time to register before we flip the condition
	// and wake; this exercises the register-then-recheck path rather
	// than racing it.
	time.Sleep(20 * time.Millisecond)
	ready.Store(true)
	set.Wake()

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not wake up")
	}
}

func TestWaitForMissedWakeupIsNotLost(t *testing.T) {
	// The condition is already true by the time WaitFor's goroutine
	// calls Register, simulating a wakeup that raced the first attempt.
	// The re-check after Register must still observe it.
	set := &poll.EventSet{}
	var ready atomic.Bool
	ready.Store(true)

	v, err := poll.WaitFor(context.Background(), set, func() (int, bool, error) {
		if ready.Load() {
			return 1, true, nil
		}
		return 0, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestWaitDeadlineTimesOut(t *testing.T) {
	set := &poll.EventSet{}
	_, err := poll.WaitDeadline(context.Background(), time.Now().Add(10*time.Millisecond), set, func() (int, bool, error) {
		return 0, false, nil
	})
	require.Error(t, err)
	assert.IsType(t, poll.ErrTimedOut{}, err)
}

func TestWaitForContextCancellation(t *testing.T) {
	set := &poll.EventSet{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := poll.WaitFor(ctx, set, func() (int, bool, error) {
		return 0, false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventsIntersectsAndContains(t *testing.T) {
	e := poll.In | poll.Hup
	assert.True(t, e.Intersects(poll.In))
	assert.True(t, e.Contains(poll.In))
	assert.False(t, e.Contains(poll.In|poll.Out))
	assert.False(t, e.Intersects(poll.Out))
}
