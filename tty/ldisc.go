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
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
)

// SignalRaiser delivers a signal to a terminal's foreground process
// group when ISIG triggers on a control character (Ctrl-C, Ctrl-\\).
// Injected so tty has no dependency on proc, matching the leaf-first
// ordering pipe.SignalRaiser already established for SIGPIPE.
type SignalRaiser interface {
	RaiseToGroup(pgid int, signo int)
}

// Echoer receives the bytes a line discipline echoes back to the
// terminal's output side; the Tty wiring this into a console or a pty
// master/slave pair decides what "output" means.
type Echoer interface {
	EchoOutput(buf []byte)
}

// LineDiscipline implements canonical/raw-mode input processing:
// character erase/kill editing, EOF/EOL line termination, echo, and
// ISIG signal generation, grounded on original_source/api/src/
// terminal/ldisc.rs's InputReader/LineDiscipline. Unlike the grounding
// source, which drives input from either a polled console read or an
// IRQ-fed background goroutine, this implementation is fed explicitly
// by Tty.Feed — the boundary between "bytes arrived from wherever this
// terminal's input comes from" and "line discipline processing" is a
// plain method call rather than a driver abstraction, since this core
// has no interrupt controller to register against (spec.md §1 excludes
// raw hardware trap entry).
type LineDiscipline struct {
	mu sync.Mutex

	termios Termios
	job     *JobControl
	raiser  SignalRaiser
	echoer  Echoer
	pgid    int // the process group Feed's caller belongs to, for ISIG

	ready   []byte // canonical-complete or raw bytes available to Read
	lineBuf []byte // in-progress canonical line

	pollRx poll.EventSet
}

// NewLineDiscipline returns a line discipline with default termios,
// bound to job for ISIG foreground delivery and echoer for echo
// output. raiser may be nil if this terminal never needs to deliver
// ISIG (e.g. a bare pty endpoint with no session bound yet); Feed
// simply skips signal generation in that case.
func NewLineDiscipline(job *JobControl, raiser SignalRaiser, echoer Echoer) *LineDiscipline {
	return &LineDiscipline{termios: DefaultTermios(), job: job, raiser: raiser, echoer: echoer}
}

// Termios returns a copy of the current termios settings.
func (l *LineDiscipline) Termios() Termios {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.termios
}

// SetTermios installs new termios settings, as TCSETS/TCSETS2 do.
func (l *LineDiscipline) SetTermios(t Termios) {
	l.mu.Lock()
	l.termios = t
	l.mu.Unlock()
}

// DrainInput discards any buffered-but-unread input, as TCSETSF and
// TCFLSH(TCIFLUSH) do.
func (l *LineDiscipline) DrainInput() {
	l.mu.Lock()
	l.ready = l.ready[:0]
	l.lineBuf = l.lineBuf[:0]
	l.mu.Unlock()
}

// Feed processes raw bytes arriving on this terminal's input side:
// CR/NL translation, echo, ISIG, and canonical line editing, appending
// whatever becomes readable to the ready buffer. ISIG signals go to job
// control's foreground group, or, when none is set, to the pgid last
// recorded by SetForegroundPgid.
func (l *LineDiscipline) Feed(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	term := &l.termios
	for _, ch := range data {
		if ch == '\r' {
			if term.hasIflag(iflagIgnCR) {
				continue
			}
			if term.hasIflag(iflagICRNL) {
				ch = '\n'
			}
		}

		l.checkSignalLocked(term, ch)

		if term.Echo() {
			l.echoLocked(term, ch)
		}

		if !term.Canonical() {
			l.ready = append(l.ready, ch)
			continue
		}

		if term.hasLflag(lflagECHOK) && ch == term.Cc[ccVKILL] {
			l.lineBuf = l.lineBuf[:0]
			continue
		}
		if ch == term.Cc[ccVERASE] {
			if n := len(l.lineBuf); n > 0 {
				l.lineBuf = l.lineBuf[:n-1]
			}
			continue
		}
		if term.IsEOL(ch) || ch == term.Cc[ccVEOF] {
			if ch != term.Cc[ccVEOF] {
				l.lineBuf = append(l.lineBuf, ch)
			}
			l.ready = append(l.ready, l.lineBuf...)
			l.lineBuf = l.lineBuf[:0]
			continue
		}
		if isGraphic(ch) {
			l.lineBuf = append(l.lineBuf, ch)
		}
	}
	if len(l.ready) > 0 {
		l.pollRx.Wake()
	}
}

func (l *LineDiscipline) checkSignalLocked(term *Termios, ch byte) {
	if !term.Canonical() || !term.hasLflag(lflagISIG) || l.raiser == nil {
		return
	}
	if signo, ok := term.SignoFor(ch); ok {
		pgid := l.job.Foreground()
		if pgid == 0 {
			pgid = l.pgid
		}
		if pgid != 0 {
			l.raiser.RaiseToGroup(pgid, signo)
		}
	}
}

func (l *LineDiscipline) echoLocked(term *Termios, ch byte) {
	if l.echoer == nil {
		return
	}
	switch {
	case ch == '\n':
		l.echoer.EchoOutput([]byte{'\n'})
	case ch == '\r':
		l.echoer.EchoOutput([]byte{'\r', '\n'})
	case ch == term.Cc[ccVERASE]:
		l.echoer.EchoOutput([]byte("\x08 \x08"))
	case isGraphic(ch):
		l.echoer.EchoOutput([]byte{ch})
	case isControl(ch) && term.hasLflag(lflagECHOCTL):
		l.echoer.EchoOutput([]byte{'^', ch + 0x40})
	}
}

func isGraphic(ch byte) bool { return ch > 0x20 && ch < 0x7f }
func isControl(ch byte) bool { return ch < 0x20 || ch == 0x7f }

// Read pops up to len(buf) ready bytes, honoring VMIN/VTIME in raw
// mode (canonical mode always waits for one full line, i.e. VMIN=1).
// A VTIME timeout in raw mode is not implemented, matching the
// `todo!()` left in the grounding source for that branch; a non-zero
// VTIME in non-canonical mode is treated as if it were 0.
func (l *LineDiscipline) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	vmin := l.vmin()
	if len(buf) < vmin {
		return 0, errno.EAGAIN
	}

	attempt := func() (int, bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.ready) < vmin {
			return 0, false, nil
		}
		n := copy(buf, l.ready)
		l.ready = l.ready[n:]
		return n, true, nil
	}
	return poll.WaitFor(ctx, &l.pollRx, attempt)
}

func (l *LineDiscipline) vmin() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.termios.Canonical() {
		return 1
	}
	vmin := int(l.termios.Cc[ccVMIN])
	if vmin == 0 {
		vmin = 1
	}
	return vmin
}

// Backlog reports how many bytes are currently buffered and unread,
// the measure forwardWriter caps a pty peer's feed against.
func (l *LineDiscipline) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready)
}

// PollReadable reports whether Read would return data immediately.
func (l *LineDiscipline) PollReadable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready) > 0
}

// RegisterReadable wires w to wake when new input becomes ready.
func (l *LineDiscipline) RegisterReadable(w *poll.Waker) {
	l.pollRx.Register(w)
}

// SetForegroundPgid records which process group this discipline treats
// as the ISIG-signal recipient when job control has no foreground
// group configured yet (bare, session-less ttys such as an unbound pty
// master); once a session binds a foreground group, job.Foreground()
// takes priority.
func (l *LineDiscipline) SetForegroundPgid(pgid int) {
	l.mu.Lock()
	l.pgid = pgid
	l.mu.Unlock()
}
