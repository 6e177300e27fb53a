package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/signal"
)

func newThread() (*signal.ProcessState, *signal.ThreadState) {
	proc := signal.NewProcessState()
	return proc, signal.NewThreadState(proc)
}

func TestDefaultDispositionTable(t *testing.T) {
	assert.Equal(t, signal.CoreDump, signal.DefaultDisposition(signal.SIGSEGV))
	assert.Equal(t, signal.Stop, signal.DefaultDisposition(signal.SIGSTOP))
	assert.Equal(t, signal.Continue, signal.DefaultDisposition(signal.SIGCONT))
	assert.Equal(t, signal.Terminate, signal.DefaultDisposition(signal.SIGTERM))
}

func TestSetActionRejectsSigkillAndSigstop(t *testing.T) {
	proc, _ := newThread()
	_, err := proc.SetAction(signal.SIGKILL, signal.Action{Ignore: true})
	assert.ErrorIs(t, err, errno.EINVAL)
	_, err = proc.SetAction(signal.SIGSTOP, signal.Action{Ignore: true})
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestSetBlockedMaskNeverBlocksKillOrStop(t *testing.T) {
	_, th := newThread()
	_, err := th.SetBlockedMask(signal.SigSetMask, signal.Bit(signal.SIGKILL).Union(signal.Bit(signal.SIGSTOP)))
	require.NoError(t, err)
	assert.False(t, th.Blocked().Has(signal.SIGKILL))
	assert.False(t, th.Blocked().Has(signal.SIGSTOP))
}

func TestIgnoredSignalIsSkippedNotDelivered(t *testing.T) {
	proc, th := newThread()
	_, err := proc.SetAction(signal.SIGUSR1, signal.Action{Ignore: true})
	require.NoError(t, err)
	proc.Enqueue(signal.Info{Signo: signal.SIGUSR1})

	_, ok := th.CheckSignals(nil)
	assert.False(t, ok, "an ignored signal must never produce a Delivery")
}

func TestBlockedSignalIsNotDeliveredUntilUnblocked(t *testing.T) {
	proc, th := newThread()
	_, err := th.SetBlockedMask(signal.SigSetMask, signal.Bit(signal.SIGTERM))
	require.NoError(t, err)
	proc.Enqueue(signal.Info{Signo: signal.SIGTERM})

	_, ok := th.CheckSignals(nil)
	assert.False(t, ok)

	_, err = th.SetBlockedMask(signal.SigUnblock, signal.Bit(signal.SIGTERM))
	require.NoError(t, err)

	d, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, signal.SIGTERM, d.Info.Signo)
	assert.Equal(t, signal.Terminate, d.Disposition)
}

func TestLowestSignoWinsAmongCandidates(t *testing.T) {
	proc, th := newThread()
	proc.Enqueue(signal.Info{Signo: signal.SIGTERM})
	proc.Enqueue(signal.Info{Signo: signal.SIGINT})

	d, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, signal.SIGINT, d.Info.Signo)
}

func TestHandlerDispositionUpdatesBlockedMaskAndSigreturnRestoresIt(t *testing.T) {
	proc, th := newThread()
	_, err := proc.SetAction(signal.SIGUSR1, signal.Action{Handler: 0x1000, Mask: signal.Bit(signal.SIGUSR2)})
	require.NoError(t, err)
	proc.Enqueue(signal.Info{Signo: signal.SIGUSR1})

	before := th.Blocked()
	d, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, signal.Handler, d.Disposition)
	assert.True(t, th.Blocked().Has(signal.SIGUSR2), "handler's own mask must be blocked while it runs")
	assert.True(t, th.Blocked().Has(signal.SIGUSR1), "without SA_NODEFER the delivering signal blocks itself")

	restored, err := th.Return()
	require.NoError(t, err)
	assert.Equal(t, before, restored)
	assert.Equal(t, before, th.Blocked())
}

func TestSaNodeferLeavesDeliveringSignalUnblocked(t *testing.T) {
	proc, th := newThread()
	_, err := proc.SetAction(signal.SIGUSR1, signal.Action{Handler: 0x1000, Flags: signal.SA_NODEFER})
	require.NoError(t, err)
	proc.Enqueue(signal.Info{Signo: signal.SIGUSR1})

	_, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.False(t, th.Blocked().Has(signal.SIGUSR1))
}

func TestRealtimeSignalsQueueFIFO(t *testing.T) {
	proc, th := newThread()
	rt := 34
	proc.Enqueue(signal.Info{Signo: rt, Value: 1})
	proc.Enqueue(signal.Info{Signo: rt, Value: 2})

	d1, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, int64(1), d1.Info.Value)

	d2, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, int64(2), d2.Info.Value)
}

func TestStandardSignalDoesNotQueueASecondInstance(t *testing.T) {
	proc, th := newThread()
	proc.Enqueue(signal.Info{Signo: signal.SIGTERM, Value: 1})
	proc.Enqueue(signal.Info{Signo: signal.SIGTERM, Value: 2})

	d, ok := th.CheckSignals(nil)
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Info.Value)

	_, ok = th.CheckSignals(nil)
	assert.False(t, ok, "a standard signal must not queue a second pending instance")
}

func TestWaitReturnsPendingSignalWithoutConsultingBlockedMask(t *testing.T) {
	proc, th := newThread()
	_, err := th.SetBlockedMask(signal.SigSetMask, signal.Bit(signal.SIGUSR1))
	require.NoError(t, err)
	proc.Enqueue(signal.Info{Signo: signal.SIGUSR1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := th.Wait(ctx, signal.Bit(signal.SIGUSR1))
	require.NoError(t, err)
	assert.Equal(t, signal.SIGUSR1, info.Signo)
}

func TestWaitTimesOutWhenNothingArrives(t *testing.T) {
	_, th := newThread()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := th.Wait(ctx, signal.Bit(signal.SIGUSR1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSuspendWakesOnArrivalWithHandlerDelivery(t *testing.T) {
	proc, th := newThread()
	_, err := proc.SetAction(signal.SIGUSR1, signal.Action{Handler: 0x2000})
	require.NoError(t, err)

	done := make(chan signal.Delivery, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d, err := th.Suspend(ctx, 0)
		require.NoError(t, err)
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	proc.Enqueue(signal.Info{Signo: signal.SIGUSR1})

	select {
	case d := <-done:
		assert.Equal(t, signal.Handler, d.Disposition)
	case <-time.After(time.Second):
		t.Fatal("Suspend never woke up after the signal was enqueued")
	}
}

func TestSuspendRestoresOriginalMaskOnCancellation(t *testing.T) {
	_, th := newThread()
	_, err := th.SetBlockedMask(signal.SigSetMask, signal.Bit(signal.SIGTERM))
	require.NoError(t, err)
	before := th.Blocked()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.Suspend(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, th.Blocked())
}

func TestSigaltstackRoundTrips(t *testing.T) {
	_, th := newThread()
	old := th.SetStack(signal.Stack{SP: 0xABCD, Size: 8192})
	assert.Equal(t, signal.Stack{}, old)
	assert.Equal(t, uintptr(0xABCD), th.Stack().SP)
}
