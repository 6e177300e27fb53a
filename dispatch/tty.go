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

// Terminal family: /dev/ptmx's open-as-factory semantics, and the
// ioctl subset a line-discipline-backed fd answers (TCGETS/TCSETS*,
// TIOCGWINSZ/TIOCSWINSZ, TIOCGPGRP/TIOCSPGRP, TIOCSCTTY/TIOCNOTTY).
// Grounded on original_source/api/src/vfs/dev/pts.rs's ptmx open
// handler and original_source/api/src/imp/pty/ioctl.rs's per-cmd
// dispatch.
package dispatch

import (
	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/tty"
)

const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCSCTTY  = 0x540E
	TIOCNOTTY  = 0x5422
	TIOCGPTN   = 0x80045430
)

// OpenPtmx implements opening /dev/ptmx: allocates a fresh master/slave
// pty pair and installs the master end into the caller's fd table,
// mirroring ptmx's "every open is a new pty" factory semantics.
func (d *Dispatcher) OpenPtmx(cur *proc.Thread, flags uint32) (int, error) {
	defer d.bindCurrent(cur)()
	master, _, err := d.Ptmx.OpenMaster()
	if err != nil {
		return 0, err
	}
	return cur.Process().FDs().Insert(master, flags&FlagCloexec != 0)
}

// OpenPtsSlave implements opening /dev/pts/N: looks up the slave end
// ptmx already allocated for pty number n.
func (d *Dispatcher) OpenPtsSlave(cur *proc.Thread, number uint32, flags uint32) (int, error) {
	defer d.bindCurrent(cur)()
	slave, ok := d.Ptmx.Slave(number)
	if !ok {
		return 0, errno.ENXIO
	}
	return cur.Process().FDs().Insert(slave, flags&FlagCloexec != 0)
}

func (d *Dispatcher) ttyFor(cur *proc.Thread, fd int) (*tty.Tty, error) {
	f, err := cur.Process().FDs().Get(fd)
	if err != nil {
		return nil, err
	}
	t, ok := f.(*tty.Tty)
	if !ok {
		return nil, errno.ENOTTY
	}
	return t, nil
}

// TtyIoctl dispatches one of the TC*/TIOC* commands this core's line
// discipline actually has state for; anything else falls through to
// ENOTTY the way a device with no handler for a given cmd would.
func (d *Dispatcher) TtyIoctl(cur *proc.Thread, fd int, cmd uint32, winOrTermios interface{}) (interface{}, error) {
	defer d.bindCurrent(cur)()
	t, err := d.ttyFor(cur, fd)
	if err != nil {
		return nil, err
	}
	p := cur.Process()

	switch cmd {
	case TCGETS:
		return t.GetTermios(), nil
	case TCSETS, TCSETSW, TCSETSF:
		term, ok := winOrTermios.(tty.Termios)
		if !ok {
			return nil, errno.EINVAL
		}
		t.SetTermios(term, cmd == TCSETSF)
		return nil, nil
	case TIOCGWINSZ:
		return t.GetWindowSize(), nil
	case TIOCSWINSZ:
		ws, ok := winOrTermios.(tty.WindowSize)
		if !ok {
			return nil, errno.EINVAL
		}
		t.SetWindowSize(ws)
		return nil, nil
	case TIOCGPGRP:
		pgid, err := t.ForegroundPgid()
		return pgid, err
	case TIOCSPGRP:
		pgid, ok := winOrTermios.(int)
		if !ok {
			return nil, errno.EINVAL
		}
		sid, err := d.Registry.Getsid(pgid)
		if err != nil {
			return nil, err
		}
		return nil, t.SetForegroundFor(pgid, sid)
	case TIOCSCTTY:
		sid := p.Sid()
		if err := t.BindController(sid, p.Pgid()); err != nil {
			return nil, err
		}
		d.setControllingTty(sid, t)
		return nil, nil
	case TIOCNOTTY:
		sid := p.Sid()
		bound, ok := d.controllingTty(sid)
		if !ok || bound != t {
			return nil, errno.ENOTTY
		}
		t.UnbindController()
		d.clearControllingTty(sid)
		return nil, nil
	case TIOCGPTN:
		return t.PtyNumber(), nil
	default:
		return nil, errno.ENOTTY
	}
}
