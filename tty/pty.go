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

import "fmt"

// ptyBacklogLimit bounds how much unread input either side of a pty pair
// accumulates before new bytes are silently dropped, matching the fixed
// ring-buffer capacity (PTY_BUF_SIZE) in the grounding source.
const ptyBacklogLimit = 4096

// forwardWriter delivers one pty endpoint's output into the other
// endpoint's input, capping the amount of unread backlog it will feed in
// rather than growing the peer's ready buffer without bound.
type forwardWriter struct {
	peer *Tty
}

func (f *forwardWriter) WriteOutput(buf []byte) (int, error) {
	if room := ptyBacklogLimit - f.peer.ldisc.Backlog(); room < len(buf) {
		if room < 0 {
			room = 0
		}
		buf = buf[:room]
	}
	f.peer.Feed(buf)
	return len(buf), nil
}

// PtyPair is one /dev/ptmx-allocated master/slave terminal pair: writes
// to the master arrive as slave input (processed by the slave's line
// discipline, as keystrokes from a terminal emulator would be); writes
// to the slave (direct writes and the slave's own echo output) arrive
// unprocessed as master input, as a terminal emulator's read loop
// expects. Grounded on original_source/api/src/vfs/dev/tty/pty.rs's
// create_pty_pair, with the two HeapRb ring buffers replaced by each
// Tty's existing line-discipline ready buffer plus forwardWriter's
// backlog cap, since this core's LineDiscipline.Feed already is the one
// place input bytes accumulate.
type PtyPair struct {
	Index  uint32
	Master *Tty
	Slave  *Tty
}

// NewPtyPair allocates a master/slave pair numbered index (the /dev/
// ptmx-assigned pts number). raiser delivers ISIG signals the slave's
// line discipline generates once a session binds it as a controlling
// terminal; the master side never generates ISIG, so it does not need
// one (TtyConfig's ProcessMode::None in the grounding source).
func NewPtyPair(index uint32, raiser SignalRaiser) *PtyPair {
	master := New(nil, nil, index, true, fmt.Sprintf("/dev/ptmx:%d", index))
	slave := New(nil, raiser, index, false, fmt.Sprintf("/dev/pts/%d", index))

	// The master side is a raw passthrough: a terminal emulator reading
	// fd 0 of /dev/ptmx wants exactly what the slave echoed or wrote,
	// not a second round of canonical-mode line editing on top of it.
	master.SetTermios(Termios{}, false)

	master.writer = &forwardWriter{peer: slave}
	slave.writer = &forwardWriter{peer: master}

	return &PtyPair{Index: index, Master: master, Slave: slave}
}
