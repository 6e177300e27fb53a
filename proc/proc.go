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

// Package proc implements the Session/ProcessGroup/Process/Thread tree
// and its lifecycle operations: clone/fork, execve's bookkeeping half,
// exit/exit_group, wait4, and the setsid/setpgid/getsid/getpgid job
// control trio (spec.md §4.1). It is the package that wires together
// every leaf subsystem built so far: each Process owns an
// fdtable.Table, a vm.AddressSpace, a signal.ProcessState, and a
// private futex.Table, while the Registry holds the one futex.Table
// shared across MAP_SHARED futexes process-wide (spec.md §4.6's "the
// two key kinds index different tables").
//
// Grounded on original_source/core/src/task.rs (StarryTaskExt,
// ThreadData/ProcessData, the WeakMap-based lookup tables),
// original_source/api/src/imp/task/exit.rs (do_exit's teardown order),
// original_source/api/src/imp/task/job.rs (setsid), and
// original_source/api/src/syscall/task/wait.rs (waitpid's
// register-then-recheck poll loop, translated onto poll.WaitFor).
package proc

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/fdtable"
	"github.com/gokernel/core/futex"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/signal"
	"github.com/gokernel/core/vfs/procfs"
	"github.com/gokernel/core/vm"
)

// Clone flags this kernel core understands, using the same bit values
// as Linux's clone(2) so dispatch can pass the raw syscall argument
// straight through without a translation table.
const (
	CloneVM            = 0x00000100
	CloneFS            = 0x00000200
	CloneFiles         = 0x00000400
	CloneSighand       = 0x00000800
	CloneParent        = 0x00008000
	CloneThread        = 0x00010000
	CloneSysVSem       = 0x00040000
	CloneParentSettid  = 0x00100000
	CloneChildCleartid = 0x00200000
	CloneChildSettid   = 0x01000000
)

// WaitOptions mirrors the flags bits wait4/waitid accept.
type WaitOptions uint32

const (
	WNOHANG WaitOptions = 1 << iota
	WUNTRACED
	WCONTINUED
	WNOWAIT
)

// MemoryOps is the narrow view proc needs of a thread's address space
// to clear CLONE_CHILD_CLEARTID's target word and to walk a robust
// futex list at exit. It is injected rather than imported because
// reading/writing a user address is the VM/dispatch layer's concern;
// proc only drives the sequence original_source's do_exit follows.
type MemoryOps interface {
	WriteU32(addr uint64, val uint32) error
	// ReadRobustList walks the kernel_robust_list_head at head and
	// returns up to limit futex word addresses found on it, the same
	// bound RobustListLimit enforces against a corrupted/cyclic list.
	ReadRobustList(head uint64, limit int) []uint64
}

// Thread is one schedulable thread of execution: a tid, the process it
// belongs to, and its own signal.ThreadState. Most state a classic
// kernel keeps per-thread (the address space, fd table, working
// directory) lives on Process instead, shared by every thread in it,
// per spec.md §4.1's process/thread split.
type Thread struct {
	tid     int
	process *Process
	sig     *signal.ThreadState

	mu            sync.Mutex
	clearChildTID uint64
	robustListHead uint64
	mem           MemoryOps
}

func (t *Thread) Tid() int                 { return t.tid }
func (t *Thread) Pid() int                 { return t.process.pid }
func (t *Thread) Process() *Process        { return t.process }
func (t *Thread) Signal() *signal.ThreadState { return t.sig }

// Comm/Cmdline/ExePath/OpenFDs/FDPath implement procfs.ThreadInfo by
// delegating to the owning process, which is where this kernel core
// tracks them (Linux technically allows a thread to call prctl(PR_SET_NAME)
// to diverge its own comm from the group leader's, which this
// implementation does not model).
func (t *Thread) Comm() string       { return t.process.Comm() }
func (t *Thread) Cmdline() []string  { return t.process.Cmdline() }
func (t *Thread) ExePath() string    { return t.process.ExePath() }
func (t *Thread) OpenFDs() []int     { return t.process.fds.IDs() }

func (t *Thread) FDPath(fd int) (string, bool) {
	f, err := t.process.fds.Get(fd)
	if err != nil {
		return "", false
	}
	return f.Path(), true
}

// SetMemoryOps attaches the user-memory accessor dispatch needs for
// clear_child_tid and robust-list handling at exit. A Thread created
// without one (e.g. in tests) simply skips those steps on Exit.
func (t *Thread) SetMemoryOps(mem MemoryOps) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem = mem
}

func (t *Thread) SetClearChildTID(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearChildTID = addr
}

func (t *Thread) SetRobustListHead(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.robustListHead = addr
}

var _ procfs.ThreadInfo = (*Thread)(nil)

// Process is a thread group: the pid, the tree position (parent and
// children), the resources its threads share (fd table, address
// space, signal state), and zombie/exit-status bookkeeping for wait4.
type Process struct {
	pid int

	mu       sync.Mutex
	parent   *Process
	children map[int]*Process
	threads  map[int]*Thread

	fds          *fdtable.Table
	aspace       *vm.AddressSpace
	sig          *signal.ProcessState
	futexPrivate *futex.Table

	group *ProcessGroup

	exePath string
	cmdline []string
	comm    string
	umask   uint32

	zombie     bool
	exitCode   int
	exitSignal int

	childEvent poll.EventSet
	exitEvent  poll.EventSet

	reg *Registry
}

// ExitSet is the EventSet that fires once this process exits, the one
// a pidfd registers against so epoll/poll on it reports readable at
// the same moment PidFd.Process's weak reference would start failing
// to resolve.
func (p *Process) ExitSet() *poll.EventSet { return &p.exitEvent }

func (p *Process) Pid() int      { return p.pid }
func (p *Process) ExePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exePath
}
func (p *Process) Cmdline() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cmdline...)
}
func (p *Process) Comm() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.comm
}

func (p *Process) FDs() *fdtable.Table      { return p.fds }
func (p *Process) AddressSpace() *vm.AddressSpace { return p.aspace }
func (p *Process) SignalState() *signal.ProcessState { return p.sig }
func (p *Process) FutexPrivate() *futex.Table { return p.futexPrivate }
func (p *Process) FutexShared() *futex.Table  { return p.reg.sharedFutex }

func (p *Process) Pgid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group.pgid
}

func (p *Process) Sid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group.session.sid
}

func (p *Process) Umask(newMask uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.umask
	p.umask = newMask & 0o777
	return old
}

// RaiseSIGPIPE implements pipe.SignalRaiser: a write to a pipe with no
// reader left enqueues SIGPIPE against the writer's process, exactly
// as original_source/api/src/file/pipe.rs's write path does via
// send_signal_process.
func (p *Process) RaiseSIGPIPE() {
	p.sig.Enqueue(signal.Info{Signo: signal.SIGPIPE, Pid: p.pid})
}

// IsZombie reports whether the process has exited and is waiting to be
// reaped by wait4.
func (p *Process) IsZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zombie
}

func (p *Process) exitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// ParentPid reports the pid getppid(2) returns: 0 if this process has
// no parent, which is only pid 1's case. Exit does not reparent a
// process's children, so an orphan keeps reporting its exited parent's
// pid.
func (p *Process) ParentPid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

// Children returns the process's current child list, a snapshot safe
// to range over without holding any lock.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out
}

// ProcessGroup is a job-control unit: the pgid and the set of
// processes sharing it, all within one Session.
type ProcessGroup struct {
	pgid    int
	session *Session

	mu      sync.Mutex
	members map[int]*Process
}

func (g *ProcessGroup) Pgid() int { return g.pgid }

func (g *ProcessGroup) snapshot() []*Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Process, 0, len(g.members))
	for _, p := range g.members {
		out = append(out, p)
	}
	return out
}

// Session is the controlling-terminal scope setsid(2) creates: a sid,
// the process groups within it, and which one currently owns the
// controlling terminal (the tty package drives this via SetForeground/
// Foreground rather than proc depending on tty, keeping the leaf-first
// order of spec.md §2).
type Session struct {
	sid int

	mu         sync.Mutex
	groups     map[int]*ProcessGroup
	foreground int
}

func (s *Session) Sid() int { return s.sid }

func (s *Session) SetForeground(pgid int) { s.mu.Lock(); s.foreground = pgid; s.mu.Unlock() }
func (s *Session) Foreground() int        { s.mu.Lock(); defer s.mu.Unlock(); return s.foreground }

// Registry is the kernel-wide process table: pid allocation, the
// pid/pgid/sid lookup maps original_source/core/src/task.rs keeps as
// WeakMaps, and the one futex.Table shared by every MAP_SHARED futex
// regardless of which process's address space it is mapped into.
type Registry struct {
	mu       sync.Mutex
	nextPid  int
	processes map[int]*Process
	threads   map[int]*Thread
	groups    map[int]*ProcessGroup
	sessions  map[int]*Session

	sharedFutex *futex.Table
	shm         ShmCleanup

	curMu   sync.Mutex
	current map[int64]*Thread
}

// ShmCleanup is the exit-time hook into the shared memory manager: a
// process that has attached SysV shared memory segments needs them
// detached (and destroyed, if they were already marked IPC_RMID and
// this was the last attachment) when it exits. Defined here rather
// than imported from the shm package's concrete type so Registry.Exit
// doesn't need a shm.Manager wired in to run at all — tests and
// call sites that never touch shared memory can leave it nil.
type ShmCleanup interface {
	ExitProcess(pid int)
}

// SetShmCleanup wires the kernel-wide shm.Manager so process exit
// detaches any shared memory the exiting process still holds.
func (r *Registry) SetShmCleanup(c ShmCleanup) {
	r.mu.Lock()
	r.shm = c
	r.mu.Unlock()
}

// NewRegistry returns an empty process table with a fresh shared
// futex table.
func NewRegistry() *Registry {
	return &Registry{
		processes:   make(map[int]*Process),
		threads:     make(map[int]*Thread),
		groups:      make(map[int]*ProcessGroup),
		sessions:    make(map[int]*Session),
		sharedFutex: futex.NewTable(),
		current:     make(map[int64]*Thread),
	}
}

func (r *Registry) allocPid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPid++
	return r.nextPid
}

// Bootstrap creates pid 1: a new session and process group of its own,
// a fresh address space/fd table/signal state, and a single main
// thread whose tid equals the process's pid, matching Linux's
// convention that a thread group leader's tid is its pid.
func (r *Registry) Bootstrap(aspace *vm.AddressSpace, exePath string, cmdline []string) (*Process, *Thread) {
	pid := r.allocPid()

	sess := &Session{sid: pid, groups: make(map[int]*ProcessGroup), foreground: pid}
	group := &ProcessGroup{pgid: pid, session: sess, members: make(map[int]*Process)}
	sess.groups[pid] = group

	proc := &Process{
		pid:          pid,
		children:     make(map[int]*Process),
		threads:      make(map[int]*Thread),
		fds:          fdtable.New(),
		aspace:       aspace,
		sig:          signal.NewProcessState(),
		futexPrivate: futex.NewTable(),
		group:        group,
		exePath:      exePath,
		cmdline:      cmdline,
		comm:         comm(exePath),
		reg:          r,
	}
	group.members[pid] = proc

	th := &Thread{tid: pid, process: proc, sig: signal.NewThreadState(proc.sig)}
	proc.threads[pid] = th

	r.mu.Lock()
	r.processes[pid] = proc
	r.threads[pid] = th
	r.groups[pid] = group
	r.sessions[pid] = sess
	r.mu.Unlock()

	return proc, th
}

func comm(exePath string) string {
	if i := strings.LastIndexByte(exePath, '/'); i >= 0 {
		exePath = exePath[i+1:]
	}
	if len(exePath) > 15 {
		exePath = exePath[:15]
	}
	return exePath
}

// CloneOptions carries the caller-resolved pieces of a clone(2) call
// that proc cannot derive from flags alone.
type CloneOptions struct {
	Flags         uint64
	ExitSignal    int // delivered to the parent on this child's exit; 0 for CLONE_THREAD children
	ClearChildTID uint64
	SetChildTID   uint64
}

// Clone implements clone(2)/fork(2)/vfork(2)'s shared bookkeeping: a
// CLONE_THREAD request adds a new Thread to parent's own Process
// (always sharing its address space, fd table and signal state, as
// Linux requires); otherwise a new Process is created, its address
// space and fd table either shared (CLONE_VM/CLONE_FILES) or copy-on-
// write/duplicated, and it is registered as a child of parent's
// process in the same process group and session.
func (r *Registry) Clone(parent *Thread, opts CloneOptions) (*Thread, error) {
	pp := parent.process

	if opts.Flags&CloneThread != 0 {
		tid := r.allocPid()
		child := &Thread{tid: tid, process: pp, sig: signal.NewThreadState(pp.sig)}
		if opts.ClearChildTID != 0 {
			child.clearChildTID = opts.ClearChildTID
		}
		pp.mu.Lock()
		pp.threads[tid] = child
		pp.mu.Unlock()
		r.mu.Lock()
		r.threads[tid] = child
		r.mu.Unlock()
		return child, nil
	}

	pid := r.allocPid()

	var fds *fdtable.Table
	if opts.Flags&CloneFiles != 0 {
		fds = pp.fds
	} else {
		fds = pp.fds.Clone()
	}

	var aspace *vm.AddressSpace
	if opts.Flags&CloneVM != 0 {
		aspace = pp.aspace
	} else {
		aspace = pp.aspace.Fork()
	}

	var sig *signal.ProcessState
	if opts.Flags&CloneSighand != 0 {
		sig = pp.sig
	} else {
		sig = pp.sig.Fork()
	}

	pp.mu.Lock()
	group := pp.group
	exePath, cmdline, commName := pp.exePath, append([]string(nil), pp.cmdline...), pp.comm
	umask := pp.umask
	pp.mu.Unlock()

	child := &Process{
		pid:          pid,
		parent:       pp,
		children:     make(map[int]*Process),
		threads:      make(map[int]*Thread),
		fds:          fds,
		aspace:       aspace,
		sig:          sig,
		futexPrivate: futex.NewTable(),
		group:        group,
		exePath:      exePath,
		cmdline:      cmdline,
		comm:         commName,
		umask:        umask,
		exitSignal:   opts.ExitSignal,
		reg:          r,
	}

	group.mu.Lock()
	group.members[pid] = child
	group.mu.Unlock()

	pp.mu.Lock()
	pp.children[pid] = child
	pp.mu.Unlock()

	th := &Thread{tid: pid, process: child, sig: parent.sig.Fork(sig)}
	if opts.ClearChildTID != 0 {
		th.clearChildTID = opts.ClearChildTID
	}
	child.threads[pid] = th

	r.mu.Lock()
	r.processes[pid] = child
	r.threads[pid] = th
	r.mu.Unlock()

	return th, nil
}

// Execve applies the image-replacement half of execve(2) this kernel
// core is responsible for (the ELF loader that builds newAspace is out
// of scope per spec.md §1): installs the new address space, resets
// every signal disposition that is not SIG_IGN back to SIG_DFL (Linux
// preserves ignored dispositions across exec but not installed
// handlers, since the handler address itself becomes invalid), clears
// the alternate signal stack, and closes every cloexec fd.
func (t *Thread) Execve(newAspace *vm.AddressSpace, exePath string, argv []string) {
	p := t.process
	p.mu.Lock()
	p.aspace = newAspace
	p.exePath = exePath
	p.cmdline = argv
	p.comm = comm(exePath)
	p.mu.Unlock()

	for signo := 1; signo <= signal.MaxSignal; signo++ {
		a := p.sig.Action(signo)
		if a.Ignore || (!a.Ignore && a.Handler == 0) {
			continue // already SIG_IGN or already SIG_DFL
		}
		p.sig.SetAction(signo, signal.Action{})
	}

	t.sig.SetStack(signal.Stack{})
	p.fds.CloseOnExec()
}

// Exit implements do_exit for a single thread: clear_child_tid's
// zero-write-and-futex-wake, the robust-list walk marking every live
// lock owner-dead, and (if this was the thread group's last thread)
// promoting the process itself to a zombie and notifying its parent.
// groupExit is true for exit_group(2) and for any signal whose default
// action is Terminate, and additionally broadcasts the remaining
// threads out of the group.
func (r *Registry) Exit(t *Thread, code int, groupExit bool) {
	t.mu.Lock()
	clearTID, head, mem := t.clearChildTID, t.robustListHead, t.mem
	t.mu.Unlock()

	if mem != nil {
		if clearTID != 0 {
			_ = mem.WriteU32(clearTID, 0)
			t.process.futexPrivate.Wake(futex.PrivateKey(uint64(t.process.pid), clearTID), 1, futex.AnyBitset)
		}
		if head != 0 {
			for _, addr := range mem.ReadRobustList(head, futex.RobustListLimit) {
				t.process.futexPrivate.MarkOwnerDeadAndWakeOne(futex.PrivateKey(uint64(t.process.pid), addr))
			}
		}
	}

	p := t.process
	p.mu.Lock()
	delete(p.threads, t.tid)
	last := len(p.threads) == 0
	p.mu.Unlock()

	r.mu.Lock()
	delete(r.threads, t.tid)
	r.mu.Unlock()

	if !last && !groupExit {
		return
	}

	if groupExit {
		for _, other := range p.snapshotThreads() {
			other.sig.EnqueueThread(signal.Info{Signo: signal.SIGKILL, Pid: p.pid})
		}
	}

	p.mu.Lock()
	p.zombie = true
	p.exitCode = code
	parent := p.parent
	exitSignal := p.exitSignal
	p.mu.Unlock()

	r.mu.Lock()
	shm := r.shm
	r.mu.Unlock()
	if shm != nil {
		shm.ExitProcess(p.pid)
	}

	for _, f := range p.fds.CloseAll() {
		if c, ok := f.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}

	if parent != nil {
		if exitSignal != 0 {
			parent.sig.Enqueue(signal.Info{Signo: exitSignal, Pid: p.pid})
		}
		parent.childEvent.Wake()
	}
	p.exitEvent.Wake()
}

func (p *Process) snapshotThreads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		out = append(out, th)
	}
	return out
}

// waitTarget selects which children wait4's pid argument names, per
// its documented -1/0/>0/<-1 cases.
type waitTarget struct {
	any  bool
	pid  int
	pgid int
}

func newWaitTarget(pid int, callerPgid int) waitTarget {
	switch {
	case pid == -1:
		return waitTarget{any: true}
	case pid == 0:
		return waitTarget{pgid: callerPgid}
	case pid > 0:
		return waitTarget{pid: pid}
	default:
		return waitTarget{pgid: -pid}
	}
}

func (w waitTarget) matches(c *Process) bool {
	if w.any {
		return true
	}
	if w.pid != 0 {
		return c.pid == w.pid
	}
	return c.Pgid() == w.pgid
}

// Wait4 implements wait4(2): block (unless WNOHANG) until a matching
// child is a zombie, then report and reap it, following
// original_source/api/src/syscall/task/wait.rs's check-then-register-
// then-recheck loop via poll.WaitFor rather than a bespoke retry.
func (r *Registry) Wait4(ctx context.Context, parent *Process, pid int, opts WaitOptions) (int, int, error) {
	target := newWaitTarget(pid, parent.Pgid())

	attempt := func() ([2]int, bool, error) {
		matched := false
		for _, c := range parent.Children() {
			if !target.matches(c) {
				continue
			}
			matched = true
			if c.IsZombie() {
				status := c.exitStatus()
				if opts&WNOWAIT == 0 {
					r.reap(parent, c)
				}
				return [2]int{c.pid, status}, true, nil
			}
		}
		if !matched {
			return [2]int{}, true, errno.ECHILD
		}
		if opts&WNOHANG != 0 {
			return [2]int{0, 0}, true, nil
		}
		return [2]int{}, false, nil
	}

	out, err := poll.WaitFor(ctx, &parent.childEvent, attempt)
	return out[0], out[1], err
}

func (r *Registry) reap(parent *Process, child *Process) {
	parent.mu.Lock()
	delete(parent.children, child.pid)
	parent.mu.Unlock()

	child.group.mu.Lock()
	delete(child.group.members, child.pid)
	child.group.mu.Unlock()

	r.mu.Lock()
	delete(r.processes, child.pid)
	r.mu.Unlock()
}

// Setsid implements setsid(2): a process that already leads its
// process group cannot start a new session (EPERM), matching
// original_source/api/src/imp/task/job.rs's get_process_group guard.
// Otherwise it becomes the leader of a brand new session and process
// group, both named after its own pid.
func (r *Registry) Setsid(p *Process) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group.pgid == p.pid {
		return 0, errno.EPERM
	}

	oldGroup := p.group
	oldGroup.mu.Lock()
	delete(oldGroup.members, p.pid)
	oldGroup.mu.Unlock()

	sess := &Session{sid: p.pid, groups: make(map[int]*ProcessGroup), foreground: p.pid}
	group := &ProcessGroup{pgid: p.pid, session: sess, members: map[int]*Process{p.pid: p}}
	sess.groups[p.pid] = group
	p.group = group

	r.mu.Lock()
	r.sessions[p.pid] = sess
	r.groups[p.pid] = group
	r.mu.Unlock()

	return sess.sid, nil
}

// Setpgid implements setpgid(2): pgid 0 means "use pid's own pid", and
// a pgid naming a group outside pid's session is EPERM. Joining or
// creating the target group is otherwise unconditional; this
// implementation does not enforce the additional "only before exec"
// restriction Linux documents, since this kernel core has no notion of
// "has this process execved yet" worth tracking separately.
func (r *Registry) Setpgid(p *Process, pid, pgid int) error {
	target := p
	if pid != 0 {
		r.mu.Lock()
		tp, ok := r.processes[pid]
		r.mu.Unlock()
		if !ok {
			return errno.ESRCH
		}
		target = tp
	}
	if pgid == 0 {
		pgid = target.pid
	}

	target.mu.Lock()
	sess := target.group.session
	target.mu.Unlock()

	r.mu.Lock()
	group, ok := r.groups[pgid]
	if !ok {
		group = &ProcessGroup{pgid: pgid, session: sess, members: make(map[int]*Process)}
		r.groups[pgid] = group
		sess.mu.Lock()
		sess.groups[pgid] = group
		sess.mu.Unlock()
	}
	r.mu.Unlock()

	if group.session != sess {
		return errno.EPERM
	}

	target.mu.Lock()
	old := target.group
	target.group = group
	target.mu.Unlock()

	old.mu.Lock()
	delete(old.members, target.pid)
	old.mu.Unlock()
	group.mu.Lock()
	group.members[target.pid] = target
	group.mu.Unlock()

	return nil
}

func (r *Registry) Getpgid(pid int) (int, error) {
	r.mu.Lock()
	p, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return 0, errno.ESRCH
	}
	return p.Pgid(), nil
}

func (r *Registry) Getsid(pid int) (int, error) {
	r.mu.Lock()
	p, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return 0, errno.ESRCH
	}
	return p.Sid(), nil
}

// LookupThread resolves tid to its Thread, the *Thread-typed
// counterpart to Lookup's procfs.ThreadInfo view, for dispatch code
// that needs to enqueue a signal or inspect per-thread signal state.
func (r *Registry) LookupThread(tid int) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[tid]
	return t, ok
}

// LookupProcess resolves pid to its Process, for dispatch code that
// needs more than procfs.ThreadInfo's read-only view (signal delivery,
// itimer expiry, resource-limit lookups).
func (r *Registry) LookupProcess(pid int) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[pid]
	return p, ok
}

// SignalGroup delivers info to every process in pgid's process group,
// the kill(2)/job-control-ISIG fan-out original_source's
// send_signal_to_process_group performs.
func (r *Registry) SignalGroup(pgid int, info signal.Info) {
	r.mu.Lock()
	g, ok := r.groups[pgid]
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range g.snapshot() {
		p.sig.Enqueue(info)
	}
}

// BindCurrent associates t with the calling goroutine so Self()
// resolves it, the way a real kernel reads "current" off a per-CPU
// pointer; dispatch calls this once at the start of handling a
// syscall on t's behalf and invokes the returned unbind when done.
func (r *Registry) BindCurrent(t *Thread) (unbind func()) {
	gid := goroutineID()
	r.curMu.Lock()
	prev, had := r.current[gid]
	r.current[gid] = t
	r.curMu.Unlock()
	return func() {
		r.curMu.Lock()
		if had {
			r.current[gid] = prev
		} else {
			delete(r.current, gid)
		}
		r.curMu.Unlock()
	}
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseInt(fields[0], 10, 64)
	return id
}

// Lookup, Self, All and ThreadsInProcess implement procfs.Registry.
func (r *Registry) Lookup(tid int) (procfs.ThreadInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[tid]
	if !ok {
		return nil, false
	}
	return t, true
}

func (r *Registry) Self() (procfs.ThreadInfo, bool) {
	gid := goroutineID()
	r.curMu.Lock()
	t, ok := r.current[gid]
	r.curMu.Unlock()
	if !ok {
		return nil, false
	}
	return t, true
}

func (r *Registry) All() []procfs.ThreadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]procfs.ThreadInfo, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

func (r *Registry) ThreadsInProcess(pid int) []int {
	r.mu.Lock()
	p, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return threadIDs(p)
}

func threadIDs(p *Process) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		out = append(out, tid)
	}
	return out
}

var _ procfs.Registry = (*Registry)(nil)

// String helps //go:generate-free debugging (log lines, test failure
// messages) render a process the way "pid 42 (init)" reads in ps(1).
func (p *Process) String() string {
	return fmt.Sprintf("pid %d (%s)", p.pid, p.Comm())
}
