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

// Misc family: uname, sysinfo, clock_gettime/clock_getres,
// getitimer/setitimer, getrlimit/setrlimit/prlimit64. Grounded on
// original_source/api/src/imp/resources.rs's sys_prlimit64 and
// original_source/api/src/syscall/time/*.rs's clock/itimer handlers.
package dispatch

import (
	"time"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/kerninfo"
	"github.com/gokernel/core/ktime"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/rlimit"
)

// Sysinfo implements sysinfo(2): uptime and the live task count (one
// per thread in proc.Registry.All, as Linux's procs field counts
// tasks) are the only fields this core computes from something other
// than a zeroed placeholder (no physical allocator to report memory
// totals against).
func (d *Dispatcher) Sysinfo(bootTime time.Time) kerninfo.Sysinfo {
	uptime := int64(time.Since(bootTime).Seconds())
	return kerninfo.CollectSysinfo(uptime, len(d.Registry.All()))
}

// ClockGettime implements clock_gettime(2). cpuTime is the caller's
// accumulated accounting time, needed only for the CPU-time clocks;
// dispatch has none to offer yet (spec.md §1 excludes scheduling
// accounting), so it always passes zero.
func (d *Dispatcher) ClockGettime(clock ktime.Clock) time.Duration {
	return ktime.Get(clock, 0)
}

func (d *Dispatcher) ClockGetres() time.Duration {
	return ktime.Res()
}

// Getitimer implements getitimer(2).
func (d *Dispatcher) Getitimer(cur *proc.Thread, which int32) (interval, value time.Duration, err error) {
	defer d.bindCurrent(cur)()
	typ, ok := ktime.ParseITimerType(which)
	if !ok {
		return 0, 0, errno.EINVAL
	}
	t := d.itimersFor(cur.Pid())
	interval, value = t.Get(typ)
	return interval, value, nil
}

// Setitimer implements setitimer(2), returning the timer's previous
// (interval, value) pair the way the real syscall's old_value out
// parameter does.
func (d *Dispatcher) Setitimer(cur *proc.Thread, which int32, interval, value time.Duration) (oldInterval, oldValue time.Duration, err error) {
	defer d.bindCurrent(cur)()
	typ, ok := ktime.ParseITimerType(which)
	if !ok {
		return 0, 0, errno.EINVAL
	}
	t := d.itimersFor(cur.Pid())
	oldInterval, oldValue = t.Set(typ, interval, value)
	return oldInterval, oldValue, nil
}

// Getrlimit implements getrlimit(2)/the read half of prlimit64(2).
func (d *Dispatcher) Getrlimit(cur *proc.Thread, resource int) (rlimit.Limit, error) {
	defer d.bindCurrent(cur)()
	return d.rlimitsFor(cur.Pid()).Get(resource)
}

// Setrlimit implements setrlimit(2)/the write half of prlimit64(2).
func (d *Dispatcher) Setrlimit(cur *proc.Thread, resource int, newLimit rlimit.Limit) error {
	defer d.bindCurrent(cur)()
	return d.rlimitsFor(cur.Pid()).Set(resource, newLimit)
}

// Prlimit64 implements prlimit64(2) against an arbitrary target pid
// (0 meaning the caller), combining Getrlimit/Setrlimit's single-
// resource reads and writes into the one call real prlimit64 makes.
func (d *Dispatcher) Prlimit64(cur *proc.Thread, targetPid int, resource int, newLimit *rlimit.Limit) (rlimit.Limit, error) {
	defer d.bindCurrent(cur)()
	pid := targetPid
	if pid == 0 {
		pid = cur.Pid()
	}
	if _, ok := d.Registry.LookupProcess(pid); !ok {
		return rlimit.Limit{}, errno.ESRCH
	}
	table := d.rlimitsFor(pid)
	old, err := table.Get(resource)
	if err != nil {
		return rlimit.Limit{}, err
	}
	if newLimit != nil {
		if err := table.Set(resource, *newLimit); err != nil {
			return rlimit.Limit{}, err
		}
	}
	return old, nil
}
