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

// Package tty implements the terminal line-discipline stack from
// spec.md §5.10: termios-controlled canonical/raw input processing,
// job control (foreground process group, SIGINT/SIGQUIT generation),
// and the ptmx/pts pseudo-terminal pair, unified on the same tty.Tty
// type the console device and every pty endpoint share. Grounded on
// original_source/api/src/terminal/{termios,ldisc,job}.rs and
// original_source/api/src/vfs/dev/tty/{pty,ntty}.rs.
package tty

import "github.com/gokernel/core/signal"

// termios c_iflag/c_oflag/c_cflag/c_lflag bits this discipline actually
// consults; the remaining bits Linux defines are stored but never
// inspected, matching the set of flags original_source/terminal/
// termios.rs reads.
const (
	iflagIgnCR = 0o000200 // IGNCR
	iflagICRNL = 0o000400 // ICRNL

	lflagISIG   = 0o000001
	lflagICANON = 0o000002
	lflagECHO   = 0o000010
	lflagECHOE  = 0o000020
	lflagECHOK  = 0o000040
	lflagECHOCTL = 0o001000
	lflagIEXTEN = 0o100000
)

// Special-character indices into Termios.Cc, matching the real Linux
// struct termios c_cc layout (only the indices this discipline reads).
const (
	ccVINTR  = 0
	ccVQUIT  = 1
	ccVERASE = 2
	ccVKILL  = 3
	ccVEOF   = 4
	ccVTIME  = 5
	ccVMIN   = 6
	ccVEOL   = 11
	ccVEOL2  = 16
)

// Termios mirrors struct termios's control fields, stripped to the 19
// c_cc slots and four flag words user space actually sets via
// TCGETS/TCSETS; dispatch owns translating to/from the real C layout
// at the syscall boundary.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Line  uint8
	Cc    [19]byte
}

// DefaultTermios returns the line discipline's boot-time defaults:
// canonical mode, echo on, ISIG on, with the usual control-character
// bindings (Ctrl-C, Ctrl-\, Ctrl-D, Ctrl-U, backspace), matching
// Termios::default() in the grounding source.
func DefaultTermios() Termios {
	t := Termios{
		Iflag: iflagICRNL,
		Lflag: lflagICANON | lflagECHO | lflagISIG | lflagECHOE | lflagECHOK | lflagECHOCTL | lflagIEXTEN,
	}
	t.Cc[ccVINTR] = 'C' - 0x40
	t.Cc[ccVQUIT] = '\\' - 0x40
	t.Cc[ccVERASE] = 0x7f
	t.Cc[ccVKILL] = 'U' - 0x40
	t.Cc[ccVEOF] = 'D' - 0x40
	t.Cc[ccVEOL] = 0
	t.Cc[ccVEOL2] = 0
	return t
}

func (t *Termios) hasIflag(bit uint32) bool { return t.Iflag&bit != 0 }
func (t *Termios) hasLflag(bit uint32) bool { return t.Lflag&bit != 0 }

// Echo reports whether input characters are echoed to output (ECHO).
func (t *Termios) Echo() bool { return t.hasLflag(lflagECHO) }

// Canonical reports whether input is line-buffered (ICANON).
func (t *Termios) Canonical() bool { return t.hasLflag(lflagICANON) }

func (t *Termios) containsIexten() bool { return t.hasLflag(lflagIEXTEN) }

// IsEOL reports whether ch ends the current line: '\n', the VEOL
// character, or (with IEXTEN set) the VEOL2 character.
func (t *Termios) IsEOL(ch byte) bool {
	if ch == '\n' || ch == t.Cc[ccVEOL] {
		return true
	}
	return t.containsIexten() && ch == t.Cc[ccVEOL2]
}

// SignoFor returns the signal ch generates under ISIG (Ctrl-C ->
// SIGINT, Ctrl-\ -> SIGQUIT), and whether ch generates one at all.
func (t *Termios) SignoFor(ch byte) (int, bool) {
	switch {
	case ch == t.Cc[ccVINTR]:
		return signal.SIGINT, true
	case ch == t.Cc[ccVQUIT]:
		return signal.SIGQUIT, true
	default:
		return 0, false
	}
}

// WindowSize mirrors struct winsize for TIOCGWINSZ/TIOCSWINSZ.
type WindowSize struct {
	Row, Col, XPixel, YPixel uint16
}

// DefaultWindowSize matches the grounding source's boot-time default
// of a 110-column, 28-row console.
func DefaultWindowSize() WindowSize {
	return WindowSize{Row: 28, Col: 110}
}
