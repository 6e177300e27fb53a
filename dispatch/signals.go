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

// Signal family: rt_sigaction, rt_sigprocmask, rt_sigpending,
// rt_sigsuspend, rt_sigtimedwait, sigaltstack, kill/tgkill/tkill,
// rt_sigreturn. Grounded on
// original_source/api/src/syscall/signal.rs.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/signal"
)

func (d *Dispatcher) RtSigaction(cur *proc.Thread, signo int, act *signal.Action) (signal.Action, error) {
	defer d.bindCurrent(cur)()
	if act == nil {
		return cur.Process().SignalState().Action(signo), nil
	}
	return cur.Process().SignalState().SetAction(signo, *act)
}

func (d *Dispatcher) RtSigprocmask(cur *proc.Thread, how int, set signal.Set) (signal.Set, error) {
	defer d.bindCurrent(cur)()
	return cur.Signal().SetBlockedMask(how, set)
}

func (d *Dispatcher) RtSigpending(cur *proc.Thread) signal.Set {
	defer d.bindCurrent(cur)()
	return cur.Signal().Pending().Union(cur.Process().SignalState().Pending())
}

func (d *Dispatcher) RtSigtimedwait(ctx context.Context, cur *proc.Thread, set signal.Set) (signal.Info, error) {
	defer d.bindCurrent(cur)()
	return cur.Signal().Wait(ctx, set)
}

func (d *Dispatcher) RtSigsuspend(ctx context.Context, cur *proc.Thread, tempMask signal.Set) (signal.Delivery, error) {
	defer d.bindCurrent(cur)()
	return cur.Signal().Suspend(ctx, tempMask)
}

func (d *Dispatcher) Sigaltstack(cur *proc.Thread, ss *signal.Stack) signal.Stack {
	defer d.bindCurrent(cur)()
	if ss == nil {
		return cur.Signal().Stack()
	}
	return cur.Signal().SetStack(*ss)
}

// RtSigreturn implements sigreturn's mask restore; the trap-frame pop
// itself is arch-specific trap-entry work out of scope per spec.md §1.
func (d *Dispatcher) RtSigreturn(cur *proc.Thread) (signal.Set, error) {
	defer d.bindCurrent(cur)()
	return cur.Signal().Return()
}

// Kill implements kill(2): pid > 0 targets one process, pid == 0 the
// caller's own process group, pid == -1 every process this core
// tracks except pid 1, and pid < -1 the process group |pid|.
func (d *Dispatcher) Kill(cur *proc.Thread, pid int, signo int) error {
	defer d.bindCurrent(cur)()
	info := signal.Info{Signo: signo, Pid: cur.Pid()}
	switch {
	case pid > 0:
		p, ok := d.Registry.LookupProcess(pid)
		if !ok {
			return errno.ESRCH
		}
		p.SignalState().Enqueue(info)
		return nil
	case pid == 0:
		d.Registry.SignalGroup(cur.Process().Pgid(), info)
		return nil
	case pid == -1:
		seen := make(map[int]bool)
		for _, t := range d.Registry.All() {
			if seen[t.Pid()] || t.Pid() == 1 {
				continue
			}
			seen[t.Pid()] = true
			if p, ok := d.Registry.LookupProcess(t.Pid()); ok {
				p.SignalState().Enqueue(info)
			}
		}
		d.log.Debug("broadcast signal", zap.Int("signo", signo), zap.Int("sender_pid", cur.Pid()), zap.Int("targets", len(seen)))
		return nil
	default:
		d.Registry.SignalGroup(-pid, info)
		return nil
	}
}

// Tgkill implements tgkill(2): signo delivered to one specific thread
// within one specific thread group, verified to still match.
func (d *Dispatcher) Tgkill(cur *proc.Thread, tgid, tid, signo int) error {
	defer d.bindCurrent(cur)()
	th, ok := d.Registry.LookupThread(tid)
	if !ok || th.Pid() != tgid {
		return errno.ESRCH
	}
	th.Signal().EnqueueThread(signal.Info{Signo: signo, Pid: cur.Pid()})
	return nil
}

// Tkill implements the deprecated tkill(2): like tgkill but without
// the thread-group cross-check.
func (d *Dispatcher) Tkill(cur *proc.Thread, tid, signo int) error {
	defer d.bindCurrent(cur)()
	th, ok := d.Registry.LookupThread(tid)
	if !ok {
		return errno.ESRCH
	}
	th.Signal().EnqueueThread(signal.Info{Signo: signo, Pid: cur.Pid()})
	return nil
}
