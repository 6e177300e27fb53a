// Copyright 2024 The Gokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ktime_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/ktime"
	"github.com/gokernel/core/signal"
)

type fakeRaiser struct {
	mu    sync.Mutex
	signo []int
}

func (f *fakeRaiser) RaiseTimerSignal(signo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signo = append(f.signo, signo)
}

func (f *fakeRaiser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signo)
}

func TestGetMonotonicAdvances(t *testing.T) {
	a := ktime.Get(ktime.Monotonic, 0)
	time.Sleep(time.Millisecond)
	b := ktime.Get(ktime.Monotonic, 0)
	assert.Greater(t, b, a)
}

func TestGetCPUTimeReturnsSuppliedDuration(t *testing.T) {
	got := ktime.Get(ktime.ProcessCPUTime, 42*time.Second)
	assert.Equal(t, 42*time.Second, got)
}

func TestParseITimerTypeRejectsUnknown(t *testing.T) {
	_, ok := ktime.ParseITimerType(99)
	assert.False(t, ok)
}

func TestSignoMapping(t *testing.T) {
	assert.Equal(t, signal.SIGALRM, ktime.ITimerReal.Signo())
	assert.Equal(t, signal.SIGVTALRM, ktime.ITimerVirtual.Signo())
	assert.Equal(t, signal.SIGPROF, ktime.ITimerProf.Signo())
}

func TestSetArmsAndFiresOnExpiry(t *testing.T) {
	raiser := &fakeRaiser{}
	timers := ktime.NewTimers(raiser)

	timers.Set(ktime.ITimerReal, 0, 5*time.Millisecond)

	require.Eventually(t, func() bool { return raiser.count() == 1 }, time.Second, time.Millisecond)

	interval, remaining := timers.Get(ktime.ITimerReal)
	assert.Equal(t, time.Duration(0), interval)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestSetRearmsOnNonzeroInterval(t *testing.T) {
	raiser := &fakeRaiser{}
	timers := ktime.NewTimers(raiser)

	timers.Set(ktime.ITimerProf, 5*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool { return raiser.count() >= 2 }, time.Second, time.Millisecond)
	timers.StopAll()
}

func TestSetZeroValueDisarms(t *testing.T) {
	timers := ktime.NewTimers(nil)
	timers.Set(ktime.ITimerVirtual, 0, 10*time.Millisecond)
	timers.Set(ktime.ITimerVirtual, 0, 0)

	interval, remaining := timers.Get(ktime.ITimerVirtual)
	assert.Zero(t, interval)
	assert.Zero(t, remaining)
}

func TestGetReportsOldValuesOnReset(t *testing.T) {
	timers := ktime.NewTimers(nil)
	timers.Set(ktime.ITimerReal, 0, time.Hour)

	oldInterval, oldRemaining := timers.Set(ktime.ITimerReal, 0, 0)
	assert.Equal(t, time.Duration(0), oldInterval)
	assert.Greater(t, oldRemaining, 59*time.Minute)
}
