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

// Package pipe implements the Pipe FileLike variant (spec.md §4.3),
// grounded on original_source/api/src/file/pipe.rs: a pair of ends
// sharing one ring buffer and three event sets, with pipe conservation
// (spec.md §8 property 3) and SIGPIPE-on-write-to-closed-reader as the
// two properties every test in this package is built around.
package pipe

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// InitialCapacity is the ring buffer's starting size; F_SETPIPE_SZ grows
// it to page-aligned multiples via Resize.
const InitialCapacity = 64 * 1024

const pageSize = 4096

// PIPE_BUF is the largest write size POSIX guarantees to be atomic; the
// ring buffer's single lock makes every write atomic in practice. No
// code in this repository reads the constant.
const PIPE_BUF = 4096

// SignalRaiser is the narrow interface pipe needs to deliver SIGPIPE to
// the writer's process; proc.Process satisfies it. It is injected rather
// than imported directly so that vfs/pipe has no dependency on proc,
// matching the leaf-first dependency order in spec.md §2.
type SignalRaiser interface {
	RaiseSIGPIPE()
}

type shared struct {
	mu       sync.Mutex
	buf      []byte // ring buffer contents, logically buf[:size]
	size     int
	capacity int

	pollRx    poll.EventSet
	pollTx    poll.EventSet
	pollClose poll.EventSet

	refs int32 // number of live ends; pipe is "closed" once this drops to 1
}

// Pipe is one end of a pipe pair. Both ends point at the same *shared.
type Pipe struct {
	vfs.Base
	readSide bool
	s        *shared
	raiser   SignalRaiser
}

// New creates a connected read/write pair, as pipe2(2) does.
func New(raiser SignalRaiser) (read, write *Pipe) {
	s := &shared{
		buf:      make([]byte, InitialCapacity),
		capacity: InitialCapacity,
		refs:     2,
	}
	read = &Pipe{Base: vfs.NewBase(), readSide: true, s: s, raiser: raiser}
	write = &Pipe{Base: vfs.NewBase(), readSide: false, s: s, raiser: raiser}
	return read, write
}

// Close releases this end's reference. Once refs drops to one, the
// remaining end observes EOF (if it is the reader) or EPIPE (if it is
// the writer) per spec.md §3's pipe-closing rule.
func (p *Pipe) Close() error {
	s := p.s
	s.mu.Lock()
	s.refs--
	closed := s.refs <= 1
	s.mu.Unlock()
	if closed {
		s.pollRx.Wake()
		s.pollTx.Wake()
		s.pollClose.Wake()
	}
	return nil
}

func (p *Pipe) closed() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.refs <= 1
}

// IsRead reports whether this end is the read side.
func (p *Pipe) IsRead() bool { return p.readSide }

// IsWrite reports whether this end is the write side.
func (p *Pipe) IsWrite() bool { return !p.readSide }

// Capacity returns the ring buffer's current size in bytes.
func (p *Pipe) Capacity() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.capacity
}

// Resize implements F_SETPIPE_SZ: grow or shrink the ring to newSize
// rounded up to a whole page, failing with EBUSY if that rounded size
// is smaller than what's currently buffered (spec.md §4.3).
func (p *Pipe) Resize(newSize int) error {
	aligned := ((newSize + pageSize - 1) / pageSize) * pageSize
	if aligned < pageSize {
		aligned = pageSize
	}
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if aligned == s.capacity {
		return nil
	}
	if aligned < s.size {
		return errno.Op("pipe.Resize", unix.EBUSY)
	}
	nb := make([]byte, aligned)
	copy(nb, s.buf[:s.size])
	s.buf = nb
	s.capacity = aligned
	return nil
}

// Read implements the read-end contract from spec.md §4.3: copy from the
// ring if nonempty, return EOF (0, nil) once the pipe is closed and
// drained, else EAGAIN or park.
func (p *Pipe) Read(dst []byte) (int, error) {
	return p.ReadCtx(context.Background(), dst)
}

// ReadCtx is Read with an explicit context, used by dispatch to plumb
// signal-interruption cancellation into the blocking path.
func (p *Pipe) ReadCtx(ctx context.Context, dst []byte) (int, error) {
	if !p.readSide {
		return 0, errno.EBADF
	}
	if len(dst) == 0 {
		return 0, nil
	}
	attempt := func() (int, bool, error) {
		s := p.s
		s.mu.Lock()
		n := copy(dst, s.buf[:s.size])
		if n > 0 {
			copy(s.buf, s.buf[n:s.size])
			s.size -= n
		}
		closedNow := s.refs <= 1
		s.mu.Unlock()
		if n > 0 {
			s.pollTx.Wake()
			return n, true, nil
		}
		if closedNow {
			return 0, true, nil // EOF
		}
		if p.Nonblocking() {
			return 0, true, errno.EAGAIN
		}
		return 0, false, nil
	}
	if p.Nonblocking() {
		v, _, err := attempt()
		return v, err
	}
	return poll.WaitFor(ctx, &p.s.pollRx, attempt)
}

// Write implements the write-end contract from spec.md §4.3, including
// raising SIGPIPE on a write to a pipe with no readers left.
func (p *Pipe) Write(src []byte) (int, error) {
	return p.WriteCtx(context.Background(), src)
}

// WriteCtx is Write with an explicit context; see ReadCtx.
func (p *Pipe) WriteCtx(ctx context.Context, src []byte) (int, error) {
	if p.readSide {
		return 0, errno.EBADF
	}
	if len(src) == 0 {
		return 0, nil
	}
	total := 0
	attempt := func() (int, bool, error) {
		s := p.s
		s.mu.Lock()
		if s.refs <= 1 {
			s.mu.Unlock()
			if p.raiser != nil {
				p.raiser.RaiseSIGPIPE()
			}
			return 0, true, errno.EPIPE
		}
		vacant := s.capacity - s.size
		n := copy(s.buf[s.size:s.capacity], src[total:])
		if n > vacant {
			n = vacant
		}
		s.size += n
		s.mu.Unlock()
		if n > 0 {
			s.pollRx.Wake()
			total += n
			if total == len(src) || p.Nonblocking() {
				return total, true, nil
			}
		}
		if p.Nonblocking() {
			if total > 0 {
				return total, true, nil
			}
			return 0, true, errno.EAGAIN
		}
		return 0, false, nil
	}
	return poll.WaitFor(ctx, &p.s.pollTx, attempt)
}

// Stat reports the FIFO mode bits spec.md §3 describes for pipe ends.
func (p *Pipe) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	const sIFIFO = 0o010000
	if p.readSide {
		k.Mode = sIFIFO | 0o444
	} else {
		k.Mode = sIFIFO | 0o222
	}
	return k, nil
}

// Path reports the synthetic "pipe:[N]" path Linux exposes via
// /proc/[pid]/fd readlink targets.
func (p *Pipe) Path() string {
	return fmt.Sprintf("pipe:[%p]", p.s)
}

// PollSnapshot reports readiness per spec.md §4.3's event mapping: the
// read end exposes IN/HUP, the write end exposes OUT.
func (p *Pipe) PollSnapshot() poll.Events {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var e poll.Events
	if p.readSide {
		if s.size > 0 {
			e |= poll.In
		}
		if s.refs <= 1 {
			e |= poll.Hup
		}
	} else {
		if s.capacity-s.size > 0 {
			e |= poll.Out
		}
	}
	return e
}

// Register wires a waker to whichever of this end's event sets the
// caller cares about, plus poll_close unconditionally so a blocked
// reader/writer wakes up as soon as the peer departs.
func (p *Pipe) Register(w *poll.Waker, interested poll.Events) {
	if interested.Intersects(poll.In) {
		p.s.pollRx.Register(w)
	}
	if interested.Intersects(poll.Out) {
		p.s.pollTx.Register(w)
	}
	p.s.pollClose.Register(w)
}

// Ioctl implements FIONREAD, the one ioctl pipes support.
func (p *Pipe) Ioctl(cmd uint32, arg uintptr) (uintptr, error) {
	const fionread = 0x541B
	if cmd != fionread {
		return 0, errno.New(unix.ENOTTY)
	}
	p.s.mu.Lock()
	n := p.s.size
	p.s.mu.Unlock()
	return uintptr(n), nil
}

var _ vfs.FileLike = (*Pipe)(nil)
var _ vfs.Ioctl = (*Pipe)(nil)
