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

package tty

import (
	"context"
	"fmt"
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// ioctl command numbers this package answers, matching the subset of
// linux_raw_sys::ioctl the grounding source's Tty::ioctl handles.
const (
	TCGETS    = 0x5401
	TCSETS    = 0x5402
	TCSETSW   = 0x5403
	TCSETSF   = 0x5404
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCGPGRP = 0x540F
	TIOCSPGRP = 0x5410
	TIOCSCTTY = 0x540E
	TIOCNOTTY = 0x5422
	TIOCGPTN  = 0x80045430
	TIOCSPTLCK = 0x40045431
)

// Writer is the output sink a Tty drives on Write: the host console for
// the system tty, or the peer ring buffer for a pty endpoint.
type Writer interface {
	WriteOutput(buf []byte) (int, error)
}

// Tty is one terminal endpoint: a line discipline over some input
// source, an output Writer, job control, and a ptmx-assigned number
// (0 for the single system console). Grounded on original_source/api/
// src/vfs/dev/tty.rs's Tty<R, W>.
type Tty struct {
	vfs.Base

	mu        sync.Mutex
	ldisc     *LineDiscipline
	job       *JobControl
	writer    Writer
	winsize   WindowSize
	ptyNumber uint32
	isMaster  bool // ptm endpoints read unconditionally; job control doesn't gate their input

	name string
}

// New returns a Tty wired to writer for output and raiser for ISIG
// delivery. ptyNumber is the /dev/ptmx-assigned index (0 for the
// system console, which has no such index).
func New(writer Writer, raiser SignalRaiser, ptyNumber uint32, isMaster bool, name string) *Tty {
	job := NewJobControl()
	t := &Tty{
		Base: vfs.NewBase(), job: job, writer: writer,
		winsize: DefaultWindowSize(), ptyNumber: ptyNumber, isMaster: isMaster, name: name,
	}
	t.ldisc = NewLineDiscipline(job, raiser, echoFunc(func(buf []byte) {
		if t.writer != nil {
			_, _ = t.writer.WriteOutput(buf)
		}
	}))
	return t
}

// NewConsole returns the kernel-wide system console terminal: the
// single tty every session attaches to before opening (or instead of)
// a pty, matching the grounding source's N_TTY singleton. writer is
// the host's actual stdio sink; dispatch feeds host input into it via
// Feed the same way a pty's Write feeds its peer.
func NewConsole(writer Writer, raiser SignalRaiser) *Tty {
	return New(writer, raiser, 0, false, "/dev/console")
}

// echoFunc adapts a plain closure to the Echoer interface.
type echoFunc func(buf []byte)

func (f echoFunc) EchoOutput(buf []byte) { f(buf) }

// JobControl exposes this terminal's job control state, for dispatch's
// TIOCSPGRP/TIOCGPGRP/setsid(TIOCSCTTY) handlers.
func (t *Tty) JobControl() *JobControl { return t.job }

// Feed delivers raw input bytes into this terminal's line discipline,
// as the console driver or the peer pty endpoint's writes do.
func (t *Tty) Feed(data []byte) {
	t.ldisc.Feed(data)
}

// Read implements the read-end contract from spec.md §5.10: blocks
// until the foreground process group (or unconditionally, for a ptm
// endpoint) has a complete read available from the line discipline.
func (t *Tty) Read(buf []byte) (int, error) {
	return t.ReadCtx(context.Background(), buf)
}

// ReadCtx is Read with an explicit context for signal-interruptible
// blocking.
func (t *Tty) ReadCtx(ctx context.Context, buf []byte) (int, error) {
	if !t.isMaster && !t.job.InForeground(t.callerPgidOrSelf()) {
		// A background process attempting to read from its controlling
		// terminal gets EAGAIN here; no SIGTTIN is raised, and the read
		// does not wait for the caller's group to become foreground.
		return 0, errno.EAGAIN
	}
	return t.ldisc.Read(ctx, buf)
}

// callerPgidOrSelf is a seam for the pgid ReadCtx checks against; tty
// has no ambient "current process" to consult (spec.md §1 excludes the
// scheduler that would provide one), so dispatch calls ReadForGroup
// instead whenever it actually knows the caller's pgid. Read/ReadCtx
// remain for FileLike conformance and always succeed against a
// foreground check of 0, i.e. "no restriction", when nobody has told
// this Tty which group is calling.
func (t *Tty) callerPgidOrSelf() int { return 0 }

// ReadForGroup is ReadCtx with the caller's process group supplied
// explicitly, the entry point dispatch actually uses once it has
// looked the calling thread's pgid up via proc.Registry.
func (t *Tty) ReadForGroup(ctx context.Context, buf []byte, callerPgid int) (int, error) {
	if !t.isMaster && !t.job.InForeground(callerPgid) {
		return 0, errno.EAGAIN
	}
	return t.ldisc.Read(ctx, buf)
}

// Write implements the write-end contract: bytes go straight to the
// output sink, unbuffered by the line discipline (matching write_at's
// direct writer.write call in the grounding source).
func (t *Tty) Write(buf []byte) (int, error) {
	if t.writer == nil {
		return len(buf), nil
	}
	return t.writer.WriteOutput(buf)
}

// Stat reports a character-device inode, as every tty/pty endpoint is.
func (t *Tty) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	const sIFCHR = 0o020000
	k.Mode = sIFCHR | 0o620
	return k, nil
}

// Path reports this terminal's synthetic device path.
func (t *Tty) Path() string {
	if t.name != "" {
		return t.name
	}
	return fmt.Sprintf("tty:[%p]", t)
}

// PollSnapshot reports IN when a read would succeed (subject to job
// control's foreground gate for slave endpoints) and OUT always, since
// writes to a terminal's output sink never block in this core.
func (t *Tty) PollSnapshot() poll.Events {
	e := poll.Out
	gate := t.isMaster || t.job.InForeground(t.callerPgidOrSelf())
	if gate && t.ldisc.PollReadable() {
		e |= poll.In
	}
	return e
}

// Register wires w to wake on new input or a foreground-group change.
func (t *Tty) Register(w *poll.Waker, interested poll.Events) {
	if interested.Intersects(poll.In) {
		t.ldisc.RegisterReadable(w)
		if !t.isMaster {
			t.job.Register(w)
		}
	}
}

// GetTermios implements TCGETS/TCGETS2.
func (t *Tty) GetTermios() Termios { return t.ldisc.Termios() }

// SetTermios implements TCSETS/TCSETS2/.../TCSETSF2: drain is true for
// the *SF variants, which additionally discard unread input.
func (t *Tty) SetTermios(term Termios, drain bool) {
	t.ldisc.SetTermios(term)
	if drain {
		t.ldisc.DrainInput()
	}
}

// GetWindowSize implements TIOCGWINSZ.
func (t *Tty) GetWindowSize() WindowSize {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.winsize
}

// SetWindowSize implements TIOCSWINSZ.
func (t *Tty) SetWindowSize(ws WindowSize) {
	t.mu.Lock()
	t.winsize = ws
	t.mu.Unlock()
}

// ForegroundPgid implements TIOCGPGRP.
func (t *Tty) ForegroundPgid() (int, error) {
	pgid := t.job.Foreground()
	if pgid == 0 {
		return 0, errno.ESRCH
	}
	return pgid, nil
}

// SetForegroundFor implements TIOCSPGRP: dispatch resolves pgid's
// session via proc.Registry.Getsid and passes it in, since tty has no
// process-table access of its own to do that resolution itself.
func (t *Tty) SetForegroundFor(pgid, sessionOfPgid int) error {
	return t.job.SetForeground(pgid, sessionOfPgid)
}

// PtyNumber implements TIOCGPTN, returning this pty's /dev/ptmx index
// (meaningless, and always 0, for the system console).
func (t *Tty) PtyNumber() uint32 { return t.ptyNumber }

// UnlockPty implements TIOCSPTLCK as a no-op: this core has no
// pty-unlock gate to enforce (every pts slave is usable the moment
// ptmx creates it).
func (t *Tty) UnlockPty(bool) {}

// BindController implements TIOCSCTTY: binds this terminal as sid's
// controlling tty, succeeding only if sid is its own session's leader
// pid (i.e. callerPgid == sid), matching bind_to's
// "pg.session().sid() != proc.pid()" rejection, and failing with EPERM
// if the terminal is already bound to a different session.
func (t *Tty) BindController(sid, callerPgid int) error {
	if sid != callerPgid {
		return errno.EPERM
	}
	if bound, ok := t.job.Session(); ok && bound != sid {
		return errno.EPERM
	}
	t.job.BindSession(sid)
	if err := t.job.SetForeground(callerPgid, sid); err != nil {
		return err
	}
	return nil
}

// UnbindController implements TIOCNOTTY.
func (t *Tty) UnbindController() {
	t.job.UnbindSession()
}

var _ vfs.FileLike = (*Tty)(nil)
