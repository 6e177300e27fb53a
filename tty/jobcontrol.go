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
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
)

// JobControl tracks which process group is allowed to read from a
// controlling terminal. Grounded on original_source/api/src/terminal/
// job.rs's JobControl, with the Arc<Session>/Arc<ProcessGroup> weak
// references replaced by plain sid/pgid ints: this package has no
// dependency on proc (spec.md §2's leaf-first order puts tty above
// proc), so callers identify groups and sessions by id rather than by
// handing tty a live *proc.ProcessGroup.
type JobControl struct {
	mu         sync.Mutex
	sid        int // the session this terminal is bound to, 0 if none
	foreground int // the foreground process group's pgid, 0 if none
	pollFg     poll.EventSet
}

// NewJobControl returns a JobControl bound to no session yet.
func NewJobControl() *JobControl {
	return &JobControl{}
}

// BindSession associates this terminal with sid as its controlling
// session, matching set_session's "a terminal can only ever bind to one
// session" invariant (TIOCSCTTY after a prior successful bind is a
// no-op error at the Tty layer, not here).
func (j *JobControl) BindSession(sid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sid = sid
}

// UnbindSession clears the session/foreground-group association,
// matching TIOCNOTTY's effect on the terminal side.
func (j *JobControl) UnbindSession() {
	j.mu.Lock()
	j.sid = 0
	j.foreground = 0
	j.mu.Unlock()
}

// Session reports the bound session id, and whether one is bound.
func (j *JobControl) Session() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sid, j.sid != 0
}

// Foreground returns the current foreground process group's pgid, or
// 0 if none is set.
func (j *JobControl) Foreground() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.foreground
}

// SetForeground installs pgid as the foreground process group,
// rejecting the change with EPERM unless sessionOfPgid equals the
// terminal's bound session — the caller (dispatch) looks sessionOfPgid
// up via proc.Registry.Getsid before calling this, since tty itself
// has no process-table access.
func (j *JobControl) SetForeground(pgid, sessionOfPgid int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if pgid == j.foreground {
		return nil
	}
	if j.sid == 0 {
		return errno.EPERM
	}
	if sessionOfPgid != j.sid {
		return errno.EPERM
	}
	j.foreground = pgid
	j.pollFg.Wake()
	return nil
}

// InForeground reports whether callerPgid is the current foreground
// process group. A terminal with no foreground group set yet (still
// being configured) admits everyone, matching current_in_foreground's
// "no foreground group" -> true fallback.
func (j *JobControl) InForeground(callerPgid int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.foreground == 0 || j.foreground == callerPgid
}

// PollSnapshot reports poll.In when callerPgid is currently the
// foreground group, letting Tty.PollSnapshot fold this into its own
// readiness without job control needing to know about read buffering.
func (j *JobControl) PollSnapshot(callerPgid int) poll.Events {
	if j.InForeground(callerPgid) {
		return poll.In
	}
	return 0
}

// Register wires w to wake on any foreground-group change.
func (j *JobControl) Register(w *poll.Waker) {
	j.pollFg.Register(w)
}
