package futex_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/futex"
)

func reader(v uint32) func() (uint32, error) {
	return func() (uint32, error) { return v, nil }
}

func TestWaitReturnsEAGAINOnMismatch(t *testing.T) {
	tb := futex.NewTable()
	err := tb.Wait(context.Background(), futex.PrivateKey(1, 0x1000), 5, reader(7), futex.AnyBitset, time.Time{})
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestWakeReturnsZeroWithNoWaiters(t *testing.T) {
	tb := futex.NewTable()
	assert.Equal(t, 0, tb.Wake(futex.PrivateKey(1, 0x1000), 1, futex.AnyBitset))
}

func TestWakeWakesAWaitingThread(t *testing.T) {
	tb := futex.NewTable()
	key := futex.PrivateKey(1, 0x1000)

	done := make(chan error, 1)
	go func() {
		done <- tb.Wait(context.Background(), key, 0, reader(0), futex.AnyBitset, time.Time{})
	}()

	time.Sleep(20 * time.Millisecond)
	woken := tb.Wake(key, 1, futex.AnyBitset)
	assert.Equal(t, 1, woken)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Wake")
	}
}

func TestWakeBitsetOnlyWakesIntersectingWaiters(t *testing.T) {
	tb := futex.NewTable()
	key := futex.PrivateKey(1, 0x2000)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- tb.Wait(context.Background(), key, 0, reader(0), 0b01, time.Time{}) }()
	go func() { doneB <- tb.Wait(context.Background(), key, 0, reader(0), 0b10, time.Time{}) }()
	time.Sleep(20 * time.Millisecond)

	woken := tb.Wake(key, 10, 0b01)
	assert.Equal(t, 1, woken)

	select {
	case err := <-doneA:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter A (matching bitset) never woke")
	}

	select {
	case <-doneB:
		t.Fatal("waiter B (non-matching bitset) must not have woken")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, tb.Wake(key, 10, 0b10))
	<-doneB
}

func TestWaitTimesOutWithETIMEDOUT(t *testing.T) {
	tb := futex.NewTable()
	key := futex.PrivateKey(1, 0x3000)
	err := tb.Wait(context.Background(), key, 0, reader(0), futex.AnyBitset, time.Now().Add(20*time.Millisecond))
	assert.ErrorIs(t, err, errno.ETIMEDOUT)
}

func TestWaitReturnsEOWNERDEADAfterDeathMark(t *testing.T) {
	tb := futex.NewTable()
	key := futex.PrivateKey(1, 0x4000)

	done := make(chan error, 1)
	go func() {
		done <- tb.Wait(context.Background(), key, 0, reader(0), futex.AnyBitset, time.Time{})
	}()
	time.Sleep(20 * time.Millisecond)

	tb.MarkOwnerDeadAndWakeOne(key)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errno.EOWNERDEAD)
	case <-time.After(time.Second):
		t.Fatal("Wait never observed the owner-dead mark")
	}
}

func TestRequeueMovesRemainingWaitersWithoutWakingThem(t *testing.T) {
	tb := futex.NewTable()
	src := futex.PrivateKey(1, 0x5000)
	dst := futex.PrivateKey(1, 0x5100)

	var woken int32
	wait := func(key futex.Key) chan error {
		ch := make(chan error, 1)
		go func() {
			err := tb.Wait(context.Background(), key, 0, reader(0), futex.AnyBitset, time.Time{})
			atomic.AddInt32(&woken, 1)
			ch <- err
		}()
		return ch
	}
	doneA := wait(src)
	doneB := wait(src)
	doneC := wait(src)
	time.Sleep(20 * time.Millisecond)

	n, err := tb.Requeue(src, dst, nil, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "1 woken directly + 2 requeued, both counted per spec")

	select {
	case <-doneA:
	case <-time.After(time.Second):
		t.Fatal("the directly-woken waiter never returned")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&woken))

	woke := tb.Wake(dst, 10, futex.AnyBitset)
	assert.Equal(t, 2, woke)
	<-doneB
	<-doneC
}

func TestCmpRequeueRejectsOnValueMismatch(t *testing.T) {
	tb := futex.NewTable()
	expect := uint32(9)
	_, err := tb.Requeue(futex.PrivateKey(1, 0x6000), futex.PrivateKey(1, 0x6100), &expect, reader(1), 1, 1)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestSharedKeyDistinctFromPrivateKeyWithSameAddress(t *testing.T) {
	tb := futex.NewTable()
	priv := futex.PrivateKey(1, 0x7000)
	shared := futex.SharedKey(42, 0x7000)

	done := make(chan error, 1)
	go func() { done <- tb.Wait(context.Background(), priv, 0, reader(0), futex.AnyBitset, time.Time{}) }()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, tb.Wake(shared, 1, futex.AnyBitset), "a shared-key wake must not reach a private-key waiter")
	assert.Equal(t, 1, tb.Wake(priv, 1, futex.AnyBitset))
	<-done
}
