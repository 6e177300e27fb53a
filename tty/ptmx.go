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
	"github.com/gokernel/core/vfs"
)

// maxPts bounds how many pts slaves can be outstanding at once, matching
// the fixed-capacity FlattenObjects<_, 16> table in the grounding
// source; allocation past this returns EMFILE, the same as that table's
// "add" failure.
const maxPts = 16

// Ptmx is the /dev/ptmx device node. Opening it does not read or write
// bytes directly; it is a factory dispatch's openat() handler asks for
// a fresh pty pair through OpenMaster, exactly as original_source's
// Ptmx::create_pty documents ("opening Ptmx would result in a new tty
// file" — its own DeviceOps read/write/ioctl are unreachable). Dispatch
// recognizes this by type-asserting the FileLike resolved from "/dev/
// ptmx" for *Ptmx, the same capability-query idiom vfs/epoll and vfs/
// eventfd use for their own creation syscalls.
type Ptmx struct {
	vfs.Base

	mu     sync.Mutex
	slaves map[uint32]*Tty
	raiser SignalRaiser
}

// NewPtmx returns a /dev/ptmx device that delivers ISIG signals
// generated on any pty it opens through raiser.
func NewPtmx(raiser SignalRaiser) *Ptmx {
	return &Ptmx{Base: vfs.NewBase(), slaves: make(map[uint32]*Tty), raiser: raiser}
}

// OpenMaster allocates a fresh pty pair, registers its slave under
// /dev/pts/<number>, and returns the master end dispatch installs in
// the opening process's fd table, matching create_pty + add_slave.
func (p *Ptmx) OpenMaster() (*Tty, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n uint32
	for n = 0; n < maxPts; n++ {
		if _, taken := p.slaves[n]; !taken {
			break
		}
	}
	if n == maxPts {
		return nil, 0, errno.EMFILE
	}

	pair := NewPtyPair(n, p.raiser)
	p.slaves[n] = pair.Slave
	return pair.Master, n, nil
}

// Slave looks up an open pty's slave end by its /dev/pts/<number>
// index, for dispatch's lookup_child-equivalent path resolution.
func (p *Ptmx) Slave(number uint32) (*Tty, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slaves[number]
	return s, ok
}

// Release drops a closed pty pair's slave-table entry, freeing its
// pts number for reuse.
func (p *Ptmx) Release(number uint32) {
	p.mu.Lock()
	delete(p.slaves, number)
	p.mu.Unlock()
}

func (p *Ptmx) Read(buf []byte) (int, error)  { return 0, errno.ENXIO }
func (p *Ptmx) Write(buf []byte) (int, error) { return 0, errno.ENXIO }

func (p *Ptmx) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	const sIFCHR = 0o020000
	k.Mode = sIFCHR | 0o666
	k.Rdev = uint64(5)<<8 | 2
	return k, nil
}

func (p *Ptmx) Path() string { return "/dev/ptmx" }

func (p *Ptmx) PollSnapshot() poll.Events { return poll.Out }
func (p *Ptmx) Register(w *poll.Waker, interested poll.Events) {}

var _ vfs.FileLike = (*Ptmx)(nil)
