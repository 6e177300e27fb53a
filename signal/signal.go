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

// Package signal implements the three-level signal state and the
// delivery algorithm of spec.md §4.5: per-thread (blocked mask,
// pending queue, alt stack), per-process (pending queue, 64-entry
// action table), and the check-before-return-to-user-mode dispatch
// loop. The actual trap-frame push/pop a real trampoline needs is
// arch-specific trap-entry work that spec.md §1 puts out of scope;
// this package instead produces a Delivery value describing what the
// caller (proc's thread-resume path) should do, and a matching
// Return/Suspend pair that plays the role of sigreturn's mask restore.
// Grounded on original_source/api/src/signal.rs's check_signals
// dispatch and original_source/api/src/syscall/signal.rs's
// sys_rt_sigaction/sys_rt_sigprocmask/sys_rt_sigsuspend/
// sys_rt_sigtimedwait/sys_sigaltstack.
package signal

import (
	"context"
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
)

// MaxSignal is the highest signal number this kernel core tracks,
// matching Linux's 64-signal (32 standard + 32 real-time) space.
const MaxSignal = 64

// Set is a bitmask over signal numbers 1..MaxSignal, bit (signo-1).
type Set uint64

func Bit(signo int) Set { return 1 << uint(signo-1) }

func (s Set) Has(signo int) bool    { return s&Bit(signo) != 0 }
func (s Set) Add(signo int) Set     { return s | Bit(signo) }
func (s Set) Remove(signo int) Set  { return s &^ Bit(signo) }
func (s Set) Union(o Set) Set       { return s | o }
func (s Set) Intersect(o Set) Set   { return s & o }
func (s Set) WithoutKillStop() Set  { return s &^ (Bit(SIGKILL) | Bit(SIGSTOP)) }

// lowest returns the lowest signo set in s, or 0 if s is empty.
func (s Set) lowest() int {
	if s == 0 {
		return 0
	}
	for signo := 1; signo <= MaxSignal; signo++ {
		if s.Has(signo) {
			return signo
		}
	}
	return 0
}

// Standard POSIX signal numbers this kernel core gives special
// handling (default disposition, the un-blockable pair). Real-time
// signals occupy 32..64 and all default to Terminate.
const (
	SIGHUP    = 1
	SIGINT    = 2
	SIGQUIT   = 3
	SIGILL    = 4
	SIGTRAP   = 5
	SIGABRT   = 6
	SIGBUS    = 7
	SIGFPE    = 8
	SIGKILL   = 9
	SIGUSR1   = 10
	SIGSEGV   = 11
	SIGUSR2   = 12
	SIGPIPE   = 13
	SIGALRM   = 14
	SIGTERM   = 15
	SIGSTKFLT = 16
	SIGCHLD   = 17
	SIGCONT   = 18
	SIGSTOP   = 19
	SIGTSTP   = 20
	SIGTTIN   = 21
	SIGTTOU   = 22
	SIGURG    = 23
	SIGXCPU   = 24
	SIGXFSZ   = 25
	SIGVTALRM = 26
	SIGPROF   = 27
	SIGWINCH  = 28
	SIGIO     = 29
	SIGPWR    = 30
	SIGSYS    = 31
)

// Disposition is the default OS action check_signals picks between.
type Disposition int

const (
	Terminate Disposition = iota
	CoreDump
	Stop
	Continue
	Handler
	ignored // never surfaces from CheckSignals; IGN signals are skipped
)

// DefaultDisposition reports the action SIG_DFL maps to for signo,
// per POSIX's table (core-dumping, process-stopping, ignored-by-
// default, or plain termination).
func DefaultDisposition(signo int) Disposition {
	switch signo {
	case SIGQUIT, SIGILL, SIGABRT, SIGFPE, SIGSEGV, SIGBUS, SIGTRAP, SIGSYS, SIGXCPU, SIGXFSZ:
		return CoreDump
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return Stop
	case SIGCONT:
		return Continue
	case SIGCHLD, SIGURG, SIGWINCH:
		return ignored
	default:
		return Terminate
	}
}

// Info mirrors the fields of siginfo_t this kernel core carries
// through delivery: which signal, who/what raised it, and an
// optional payload word for queued real-time signals.
type Info struct {
	Signo  int
	Code   int32
	Pid    int
	UID    int
	Value  int64 // sigqueue's sigval payload
}

// Action is one entry of a process's 64-slot sigaction table.
type Action struct {
	Ignore  bool
	Handler uintptr // opaque user handler address; meaningless if Ignore
	Mask    Set     // additional signals blocked while the handler runs
	Flags   uint32  // SA_NODEFER, SA_ONSTACK, SA_RESTART, ...
}

const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
)

func (a Action) isDefault() bool { return !a.Ignore && a.Handler == 0 }

// Stack mirrors sigaltstack(2)'s stack_t.
type Stack struct {
	SP    uintptr
	Flags int32
	Size  uintptr
}

// queue holds pending signals for one holder (a thread or a process).
// Standard signals (1..31) are non-queuing: only one instance can be
// pending at a time, and re-raising while already pending is a no-op.
// Real-time signals (32..64) queue every instance in FIFO order.
type queue struct {
	standard [32]*Info // index 0 unused; standard[signo] for signo in 1..31
	realtime [][]Info  // realtime[signo-32] is a FIFO list
}

func newQueue() *queue {
	return &queue{realtime: make([][]Info, MaxSignal-31)}
}

func (q *queue) enqueue(info Info) {
	if info.Signo < 32 {
		if q.standard[info.Signo] == nil {
			cp := info
			q.standard[info.Signo] = &cp
		}
		return
	}
	i := info.Signo - 32
	q.realtime[i] = append(q.realtime[i], info)
}

func (q *queue) pending() Set {
	var s Set
	for signo := 1; signo < 32; signo++ {
		if q.standard[signo] != nil {
			s = s.Add(signo)
		}
	}
	for i, fifo := range q.realtime {
		if len(fifo) > 0 {
			s = s.Add(i + 32)
		}
	}
	return s
}

// dequeue removes and returns the first pending signal whose number is
// in want, or ok=false if none match.
func (q *queue) dequeue(want Set) (Info, bool) {
	signo := q.pending().Intersect(want).lowest()
	if signo == 0 {
		return Info{}, false
	}
	if signo < 32 {
		info := *q.standard[signo]
		q.standard[signo] = nil
		return info, true
	}
	i := signo - 32
	info := q.realtime[i][0]
	q.realtime[i] = q.realtime[i][1:]
	return info, true
}

// ProcessState is the signal state shared by every thread in a
// process: the process-wide pending queue and the 64-entry action
// table (sigaction is process-global in Linux, not per-thread).
type ProcessState struct {
	mu      sync.Mutex
	pending queue
	actions [MaxSignal + 1]Action
	arrived poll.EventSet
}

// NewProcessState returns a process signal state with every signal at
// its default disposition and nothing pending, as a freshly exec'd
// process has.
func NewProcessState() *ProcessState {
	return &ProcessState{pending: *newQueue()}
}

// Action returns the current disposition for signo.
func (p *ProcessState) Action(signo int) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions[signo]
}

// SetAction installs a new disposition for signo, returning the
// previous one. SIGKILL and SIGSTOP reject any change (spec.md §4.5's
// invariant that they can neither be blocked, ignored, nor caught).
func (p *ProcessState) SetAction(signo int, a Action) (Action, error) {
	if signo == SIGKILL || signo == SIGSTOP {
		return Action{}, errno.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.actions[signo]
	p.actions[signo] = a
	return old, nil
}

// Fork returns a new ProcessState for a freshly forked child: the
// action table is copied (fork inherits dispositions), but the pending
// queue starts empty since pending signals are not inherited across
// fork.
func (p *ProcessState) Fork() *ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	child := NewProcessState()
	child.actions = p.actions
	return child
}

// Enqueue adds info to the process-wide pending queue and wakes any
// thread parked waiting for a signal to arrive (sigtimedwait,
// sigsuspend, or the normal check-before-return path).
func (p *ProcessState) Enqueue(info Info) {
	p.mu.Lock()
	p.pending.enqueue(info)
	p.mu.Unlock()
	p.arrived.Wake()
}

// Pending reports the process-wide pending set, for rt_sigpending.
func (p *ProcessState) Pending() Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.pending()
}

// ThreadState is the per-thread slice of signal state: blocked mask,
// the thread-private pending queue (tgkill/tkill target these
// specifically), the alternate signal stack, and the stack of blocked
// masks saved across nested handler invocations for sigreturn to pop.
type ThreadState struct {
	mu      sync.Mutex
	blocked Set
	pending queue
	stack   Stack
	saved   []Set
	proc    *ProcessState
}

// NewThreadState attaches a fresh thread signal state to proc.
func NewThreadState(proc *ProcessState) *ThreadState {
	return &ThreadState{pending: *newQueue(), proc: proc}
}

// Fork returns a new ThreadState attached to proc for the calling
// thread's child after fork/clone: the blocked mask carries over (it
// is per-thread address-space state, not process state) but the
// pending queue and alt-stack do not, matching execve/fork's documented
// reset of per-thread signal delivery bookkeeping. The sigaltstack
// setting is intentionally dropped too: Linux clears it for the child
// of a fork that creates a new thread stack, and a new thread has no
// use for its parent's stack addresses regardless.
func (t *ThreadState) Fork(proc *ProcessState) *ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := NewThreadState(proc)
	child.blocked = t.blocked
	return child
}

// Blocked returns the thread's current signal mask.
func (t *ThreadState) Blocked() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// SetBlockedMask implements rt_sigprocmask's SIG_BLOCK/SIG_UNBLOCK/
// SIG_SETMASK, always stripping SIGKILL/SIGSTOP from the result since
// those can never be blocked. Returns the mask in effect before the
// change.
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

func (t *ThreadState) SetBlockedMask(how int, set Set) (Set, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.blocked
	switch how {
	case SigBlock:
		t.blocked = (t.blocked | set).WithoutKillStop()
	case SigUnblock:
		t.blocked = t.blocked &^ set
	case SigSetMask:
		t.blocked = set.WithoutKillStop()
	default:
		return old, errno.EINVAL
	}
	return old, nil
}

// EnqueueThread adds info to this thread's private pending queue
// (tkill/tgkill's target), waking whoever is parked in CheckSignals or
// Wait.
func (t *ThreadState) EnqueueThread(info Info) {
	t.mu.Lock()
	t.pending.enqueue(info)
	t.mu.Unlock()
	t.proc.arrived.Wake()
}

// Pending reports this thread's own pending set (not the process-wide
// one), for completeness alongside ProcessState.Pending.
func (t *ThreadState) Pending() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.pending()
}

// SetStack implements sigaltstack(2): installs a new alternate signal
// stack and returns the previous one.
func (t *ThreadState) SetStack(ss Stack) Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.stack
	t.stack = ss
	return old
}

// Stack returns the currently installed alternate signal stack.
func (t *ThreadState) Stack() Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stack
}

// Delivery describes one signal the thread must now act on: either a
// default OS action (Terminate/CoreDump/Stop/Continue, which the
// caller carries out by tearing down or suspending the thread/process)
// or a handler invocation the caller must build a user-mode trampoline
// frame for.
type Delivery struct {
	Info        Info
	Action      Action
	Disposition Disposition
	UseAltStack bool
}

// CheckSignals runs the delivery algorithm of spec.md §4.5 step 1-5:
// merge thread and process pending sets, drop blocked ones, pick the
// lowest-numbered candidate, and resolve its action. Ignored signals
// are dequeued and skipped in a loop rather than surfaced. restore, if
// non-nil, names the blocked mask a resulting Handler delivery should
// record as its "mask to restore on sigreturn" instead of the thread's
// live mask — used by Suspend, whose temporary mask must not leak into
// the handler's own restore point.
func (t *ThreadState) CheckSignals(restore *Set) (Delivery, bool) {
	for {
		t.mu.Lock()
		blocked := t.blocked
		candidates := t.pending.pending().Union(t.proc.Pending()).Intersect(^blocked)
		signo := candidates.lowest()
		if signo == 0 {
			t.mu.Unlock()
			return Delivery{}, false
		}
		info, ok := t.pending.dequeue(Bit(signo))
		t.mu.Unlock()
		if !ok {
			t.proc.mu.Lock()
			info, ok = t.proc.pending.dequeue(Bit(signo))
			t.proc.mu.Unlock()
			if !ok {
				continue
			}
		}

		action := t.proc.Action(signo)
		if action.Ignore {
			continue
		}
		if action.isDefault() {
			disp := DefaultDisposition(signo)
			if disp == ignored {
				continue
			}
			return Delivery{Info: info, Action: action, Disposition: disp}, true
		}

		t.mu.Lock()
		prior := t.blocked
		if restore != nil {
			prior = *restore
		}
		t.saved = append(t.saved, prior)
		newMask := t.blocked.Union(action.Mask)
		if action.Flags&SA_NODEFER == 0 {
			newMask = newMask.Add(signo)
		}
		t.blocked = newMask.WithoutKillStop()
		t.mu.Unlock()

		return Delivery{Info: info, Action: action, Disposition: Handler,
			UseAltStack: action.Flags&SA_ONSTACK != 0}, true
	}
}

// Return implements sigreturn's mask restore: pop the blocked mask
// saved by the most recent Handler delivery and install it as the
// thread's current mask.
func (t *ThreadState) Return() (Set, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.saved) == 0 {
		return 0, errno.EINVAL
	}
	n := len(t.saved) - 1
	mask := t.saved[n]
	t.saved = t.saved[:n]
	t.blocked = mask
	return mask, nil
}

// Wait blocks until a signal in set is pending (for either this thread
// or its process) and returns it without invoking its handler,
// implementing rt_sigtimedwait. It does not consult the blocked mask:
// a caller waiting on a signal it has itself blocked still observes it
// here, matching sigtimedwait's documented behavior of bypassing the
// mask for the set it names.
func (t *ThreadState) Wait(ctx context.Context, set Set) (Info, error) {
	return poll.WaitFor(ctx, &t.proc.arrived, func() (Info, bool, error) {
		t.mu.Lock()
		info, ok := t.pending.dequeue(set)
		t.mu.Unlock()
		if ok {
			return info, true, nil
		}
		t.proc.mu.Lock()
		info, ok = t.proc.pending.dequeue(set)
		t.proc.mu.Unlock()
		return info, ok, nil
	})
}

// Suspend implements rt_sigsuspend: atomically install tempMask,
// repeatedly attempt CheckSignals (restoring to the pre-suspend mask
// on any Handler delivery rather than tempMask) until one produces a
// Delivery, parking between attempts. If ctx is cancelled before a
// signal arrives, the original mask is restored and the zero Delivery
// is returned with ctx.Err().
func (t *ThreadState) Suspend(ctx context.Context, tempMask Set) (Delivery, error) {
	t.mu.Lock()
	old := t.blocked
	t.blocked = tempMask.WithoutKillStop()
	t.mu.Unlock()

	for {
		if d, ok := t.CheckSignals(&old); ok {
			return d, nil
		}
		w := poll.NewWaker()
		t.proc.arrived.Register(w)
		if d, ok := t.CheckSignals(&old); ok {
			return d, nil
		}
		select {
		case <-w.Done():
			continue
		case <-ctx.Done():
			t.mu.Lock()
			t.blocked = old
			t.mu.Unlock()
			return Delivery{}, ctx.Err()
		}
	}
}
