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

// Package ktime implements clock_gettime/clock_getres/gettimeofday and
// the ITIMER_REAL/ITIMER_VIRTUAL/ITIMER_PROF interval timers (§6 "Misc"
// of spec.md, supplemented per SPEC_FULL.md's "uname / sysinfo / time"
// section). Grounded on original_source/api/src/syscall/time.rs's
// sys_clock_gettime/sys_getitimer/sys_setitimer and
// original_source/core/src/time.rs's TimeManager/ITimerType.
package ktime

import (
	"sync"
	"time"

	"github.com/gokernel/core/signal"
)

var bootInstant = time.Now()

// Clock identifies which time source Get reports, matching the
// CLOCK_* values sys_clock_gettime switches on (coarse/raw/boottime
// variants all alias onto Monotonic, cputime variants onto the
// caller-supplied accounting duration, exactly as the grounding
// source's match arms group them).
type Clock int32

const (
	Monotonic Clock = iota
	Realtime
	ProcessCPUTime
	ThreadCPUTime
)

// Get returns clock's current reading. cpuTime is the calling thread's
// or process's accumulated user+system time, supplied by proc (ktime
// has no task-accounting state of its own); it is only consulted for
// the CPU-time clocks. An unrecognized clock falls back to Realtime
// rather than failing with EINVAL, matching sys_clock_gettime's
// "warn and report wall time anyway" redesign over the older
// imp/time.rs handler it superseded.
func Get(clock Clock, cpuTime time.Duration) time.Duration {
	switch clock {
	case Monotonic:
		return time.Since(bootInstant)
	case ProcessCPUTime, ThreadCPUTime:
		return cpuTime
	default:
		return time.Duration(time.Now().UnixNano())
	}
}

// Res reports clock_getres's resolution: a flat microsecond, matching
// TimeValue::from_micros(1) in the grounding source regardless of
// which clock was asked about.
func Res() time.Duration { return time.Microsecond }

// ITimerType is which of the three POSIX interval timers a setitimer/
// getitimer call names.
type ITimerType int32

const (
	ITimerReal ITimerType = iota
	ITimerVirtual
	ITimerProf
)

// ParseITimerType validates setitimer/getitimer's "which" argument.
func ParseITimerType(which int32) (ITimerType, bool) {
	switch ITimerType(which) {
	case ITimerReal, ITimerVirtual, ITimerProf:
		return ITimerType(which), true
	default:
		return 0, false
	}
}

// Signo reports the signal this timer type delivers on expiry,
// matching ITimerType::signo.
func (t ITimerType) Signo() int {
	switch t {
	case ITimerVirtual:
		return signal.SIGVTALRM
	case ITimerProf:
		return signal.SIGPROF
	default:
		return signal.SIGALRM
	}
}

// Raiser delivers an interval timer's expiry signal to the owning
// thread or process. Defined here rather than imported from signal/
// proc concretely so ktime has no dependency on either, matching the
// leaf-first DI shape pipe.SignalRaiser and tty.SignalRaiser already
// establish.
type Raiser interface {
	RaiseTimerSignal(signo int)
}

type slot struct {
	timer    *time.Timer
	interval time.Duration
	deadline time.Time
}

// Timers holds one thread or process's three interval timers. Grounded
// on TimeManager's [ITimer; 3] array, with the grounding source's
// schedule-tick-driven decrement (update_itimer, called on every
// context switch with the elapsed delta) replaced by a real
// time.AfterFunc deadline: this core has no scheduler tick to hang the
// decrement off of (spec.md §1 excludes the scheduler), and a real
// wall-clock deadline is the more faithful rendition of ITIMER_REAL's
// actual POSIX semantics besides.
type Timers struct {
	mu     sync.Mutex
	slots  [3]slot
	raiser Raiser
}

// NewTimers returns a disarmed set of interval timers delivering to
// raiser.
func NewTimers(raiser Raiser) *Timers {
	return &Timers{raiser: raiser}
}

// Get reports typ's current (interval, remaining) pair, 0 for either
// if the timer is disarmed.
func (t *Timers) Get(typ ITimerType) (interval, remaining time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[typ]
	if s.timer == nil {
		return 0, 0
	}
	remaining = time.Until(s.deadline)
	if remaining < 0 {
		remaining = 0
	}
	return s.interval, remaining
}

// Set arms typ to fire once after value elapses, then every interval
// thereafter (interval == 0 disarms rearming, matching setitimer's
// it_interval semantics); value == 0 disarms the timer entirely.
// Returns the timer's previous (interval, remaining) pair.
func (t *Timers) Set(typ ITimerType, interval, value time.Duration) (oldInterval, oldRemaining time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[typ]
	if s.timer != nil {
		s.timer.Stop()
		oldRemaining = time.Until(s.deadline)
		if oldRemaining < 0 {
			oldRemaining = 0
		}
	}
	oldInterval = s.interval

	if value <= 0 {
		s.timer, s.interval = nil, 0
		return oldInterval, oldRemaining
	}

	s.interval = interval
	s.deadline = time.Now().Add(value)
	s.timer = time.AfterFunc(value, func() { t.fire(typ) })
	return oldInterval, oldRemaining
}

func (t *Timers) fire(typ ITimerType) {
	t.mu.Lock()
	s := &t.slots[typ]
	interval := s.interval
	if interval > 0 {
		s.deadline = time.Now().Add(interval)
		s.timer = time.AfterFunc(interval, func() { t.fire(typ) })
	} else {
		s.timer = nil
	}
	t.mu.Unlock()

	if t.raiser != nil {
		t.raiser.RaiseTimerSignal(typ.Signo())
	}
}

// StopAll disarms every timer without firing, for process-exit
// cleanup (dispatch wires this the same way proc.ShmCleanup wires
// shared-memory detach into Registry.Exit).
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].timer != nil {
			t.slots[i].timer.Stop()
			t.slots[i].timer = nil
		}
	}
}
