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

// Process family: clone/fork/vfork, execve, exit/exit_group, wait4,
// getpid/getppid/gettid, setsid/setpgid/getpgid/getsid. Grounded on
// original_source/api/src/syscall/task/{clone,ctl,wait}.rs.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vm"
)

// aspaceMemOps implements proc.MemoryOps over one thread's address
// space: the user-memory writes and reads its clear_child_tid and
// robust-list handling need (the futex wakes themselves are done by
// proc against the process's own futex table).
type aspaceMemOps struct {
	aspace *vm.AddressSpace
}

func (m *aspaceMemOps) WriteU32(addr uint64, val uint32) error {
	var buf [4]byte
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	return m.aspace.CopyOut(addr, buf[:])
}

// ReadRobustList walks the three-pointer kernel_robust_list_head chain
// (next, futex_offset, pending) starting at head, the same structure
// original_source/api/src/task/robust_list.rs decodes, returning up to
// limit futex word addresses (head->next plus the offset applied at
// each node) found before a cycle or a null terminator.
func (m *aspaceMemOps) ReadRobustList(head uint64, limit int) []uint64 {
	if head == 0 {
		return nil
	}
	var out []uint64
	var listHead [8]byte
	if m.aspace.CopyIn(listHead[:], head) != nil {
		return nil
	}
	next := leU64(listHead[:])
	var offsetBuf [8]byte
	if m.aspace.CopyIn(offsetBuf[:], head+8) != nil {
		return nil
	}
	offset := int64(leU64(offsetBuf[:]))

	cursor := next
	seen := map[uint64]bool{head: true}
	for cursor != 0 && cursor != head && len(out) < limit && !seen[cursor] {
		seen[cursor] = true
		out = append(out, uint64(int64(cursor)+offset))
		var nodeNext [8]byte
		if m.aspace.CopyIn(nodeNext[:], cursor) != nil {
			break
		}
		cursor = leU64(nodeNext[:])
	}
	return out
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Clone implements clone(2)/fork(2)/vfork(2): builds proc.CloneOptions
// from flags, installs the new thread's MemoryOps, and (for a genuinely
// new process rather than CLONE_THREAD) seeds its rlimit table as a
// copy of the parent's.
func (d *Dispatcher) Clone(cur *proc.Thread, flags uint64, exitSignal int, clearChildTID, setChildTID uint64) (*proc.Thread, error) {
	defer d.bindCurrent(cur)()
	child, err := d.Registry.Clone(cur, proc.CloneOptions{
		Flags:         flags,
		ExitSignal:    exitSignal,
		ClearChildTID: clearChildTID,
		SetChildTID:   setChildTID,
	})
	if err != nil {
		d.log.Warn("clone failed", zap.Int("caller_pid", cur.Pid()), zap.Error(err))
		return nil, err
	}
	child.SetMemoryOps(&aspaceMemOps{aspace: child.Process().AddressSpace()})
	if child.Process().Pid() != cur.Pid() {
		limits := d.rlimitsFor(cur.Pid()).Clone()
		d.mu.Lock()
		d.rlimits[child.Process().Pid()] = limits
		d.mu.Unlock()
	}
	return child, nil
}

// Execve installs newAspace as the calling thread's address space
// after image replacement and re-derives its cloexec fd set, the part
// of execve(2) this core's Thread.Execve implements; the ELF loader
// that produced newAspace is out of scope (spec.md §1).
func (d *Dispatcher) Execve(cur *proc.Thread, newAspace *vm.AddressSpace, exePath string, argv []string) {
	defer d.bindCurrent(cur)()
	cur.Execve(newAspace, exePath, argv)
	cur.SetMemoryOps(&aspaceMemOps{aspace: newAspace})
}

// Exit implements exit(2)/exit_group(2).
func (d *Dispatcher) Exit(cur *proc.Thread, code int, groupExit bool) {
	defer d.bindCurrent(cur)()
	pid := cur.Pid()
	wasLast := len(d.Registry.ThreadsInProcess(pid)) <= 1
	d.Registry.Exit(cur, code, groupExit)
	if groupExit || wasLast {
		d.forgetProcess(pid)
	}
	d.log.Debug("thread exited", zap.Int("pid", pid), zap.Int("tid", cur.Tid()), zap.Int("code", code), zap.Bool("group_exit", groupExit))
}

// Wait4 implements wait4(2)/waitpid(2).
func (d *Dispatcher) Wait4(ctx context.Context, cur *proc.Thread, pid int, opts proc.WaitOptions) (int, int, error) {
	defer d.bindCurrent(cur)()
	return d.Registry.Wait4(ctx, cur.Process(), pid, opts)
}

func (d *Dispatcher) Getpid(cur *proc.Thread) int {
	defer d.bindCurrent(cur)()
	return cur.Pid()
}

func (d *Dispatcher) Gettid(cur *proc.Thread) int {
	defer d.bindCurrent(cur)()
	return cur.Tid()
}

// Getppid reports the calling process's parent pid, or 0 if it has
// none (pid 1's own case).
func (d *Dispatcher) Getppid(cur *proc.Thread) int {
	defer d.bindCurrent(cur)()
	return cur.Process().ParentPid()
}

func (d *Dispatcher) Setsid(cur *proc.Thread) (int, error) {
	defer d.bindCurrent(cur)()
	return d.Registry.Setsid(cur.Process())
}

func (d *Dispatcher) Setpgid(cur *proc.Thread, pid, pgid int) error {
	defer d.bindCurrent(cur)()
	return d.Registry.Setpgid(cur.Process(), pid, pgid)
}

func (d *Dispatcher) Getpgid(pid int) (int, error) { return d.Registry.Getpgid(pid) }
func (d *Dispatcher) Getsid(pid int) (int, error)  { return d.Registry.Getsid(pid) }

// Getpriority/Setpriority, sched_getaffinity/setaffinity and
// prctl(PR_SET_NAME) are deferred: this core has no scheduler (spec.md
// §1 Non-goal) so niceness/affinity have no backing semantics to
// enforce beyond storing and echoing a number, which would not
// exercise any real component.
