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

// File descriptor family: close, dup/dup2/dup3, fcntl(F_GETFD/F_SETFD/
// F_GETFL/F_SETFL/F_DUPFD*), pipe2, eventfd2, epoll_create1/ctl/wait,
// pidfd_open. Grounded on
// original_source/api/src/imp/fs/fd_ops.rs and
// original_source/api/src/vfs/dev/{event,epoll}.rs.
package dispatch

import (
	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/fdtable"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vfs"
	"github.com/gokernel/core/vfs/epoll"
	"github.com/gokernel/core/vfs/eventfd"
	"github.com/gokernel/core/vfs/pidfd"
	"github.com/gokernel/core/vfs/pipe"
)

const (
	FDCloexec   = 1
	FlagNonblock = 0x800
	FlagCloexec  = 0x80000
)

// closer is satisfied by FileLike variants that hold a reference worth
// releasing on close(2) (pipe.Pipe drops a ring-buffer end, signaling
// EOF/EPIPE to its peer once the last reference is gone); FileLike
// itself carries no Close method since most variants (regular files,
// sockets backed by the host) have nothing to release beyond the slot
// fdtable already owns.
type closer interface {
	Close() error
}

func (d *Dispatcher) Close(cur *proc.Thread, fd int) error {
	defer d.bindCurrent(cur)()
	f, err := cur.Process().FDs().Remove(fd)
	if err != nil {
		return err
	}
	if c, ok := f.(closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Dispatcher) Dup(cur *proc.Thread, oldFd int) (int, error) {
	defer d.bindCurrent(cur)()
	return cur.Process().FDs().Dup(oldFd)
}

func (d *Dispatcher) Dup2(cur *proc.Thread, oldFd, newFd int) (int, error) {
	defer d.bindCurrent(cur)()
	got, displaced, err := cur.Process().FDs().Dup2(oldFd, newFd, false)
	closeDisplaced(displaced)
	return got, err
}

func (d *Dispatcher) Dup3(cur *proc.Thread, oldFd, newFd int, flags uint32) (int, error) {
	defer d.bindCurrent(cur)()
	got, displaced, err := cur.Process().FDs().Dup2(oldFd, newFd, flags&FlagCloexec != 0)
	closeDisplaced(displaced)
	return got, err
}

// closeDisplaced releases a file dup2/dup3 evicted from newFd, the way
// Close already does for close(2) itself.
func closeDisplaced(f vfs.FileLike) {
	if f == nil {
		return
	}
	if c, ok := f.(closer); ok {
		_ = c.Close()
	}
}

const (
	FGetfd = iota
	FSetfd
	FGetfl
	FSetfl
	FDupfd
	FDupfdCloexec
)

// Fcntl covers the subset of fcntl(2) this core's fdtable/FileLike
// contract has real state for: cloexec bit, the nonblocking flag every
// FileLike carries, and the two dup commands. F_GETLK/F_SETLK (file
// record locking) and F_SETPIPE_SZ/F_GETPIPE_SZ are not handled and
// return EINVAL; no syscall path reaches pipe.Pipe's Resize or Capacity.
func (d *Dispatcher) Fcntl(cur *proc.Thread, fd int, cmd int, arg int) (int, error) {
	defer d.bindCurrent(cur)()
	fds := cur.Process().FDs()
	switch cmd {
	case FGetfd:
		ce, err := fds.Cloexec(fd)
		if err != nil {
			return 0, err
		}
		if ce {
			return FDCloexec, nil
		}
		return 0, nil
	case FSetfd:
		return 0, fds.SetCloexec(fd, arg&FDCloexec != 0)
	case FGetfl:
		f, err := fds.Get(fd)
		if err != nil {
			return 0, err
		}
		if f.Nonblocking() {
			return FlagNonblock, nil
		}
		return 0, nil
	case FSetfl:
		f, err := fds.Get(fd)
		if err != nil {
			return 0, err
		}
		return 0, f.SetNonblocking(arg&FlagNonblock != 0)
	case FDupfd:
		return d.dupfdFrom(fds, fd, arg, false)
	case FDupfdCloexec:
		return d.dupfdFrom(fds, fd, arg, true)
	default:
		return 0, errno.EINVAL
	}
}

func (d *Dispatcher) dupfdFrom(fds *fdtable.Table, fd, minFd int, cloexec bool) (int, error) {
	f, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}
	n := minFd
	if n < 0 {
		n = 0
	}
	for ; ; n++ {
		if _, err := fds.Get(n); err != nil {
			break
		}
	}
	if err := fds.InsertAt(n, f, cloexec); err != nil {
		return 0, err
	}
	return n, nil
}

// Pipe2 implements pipe2(2): two FileLike ends installed into fd slots
// read and write, sharing one ring buffer.
func (d *Dispatcher) Pipe2(cur *proc.Thread, flags uint32) (readFd, writeFd int, err error) {
	defer d.bindCurrent(cur)()
	r, w := pipe.New(cur.Process())
	fds := cur.Process().FDs()
	cloexec := flags&FlagCloexec != 0
	readFd, err = fds.Insert(r, cloexec)
	if err != nil {
		return 0, 0, err
	}
	writeFd, err = fds.Insert(w, cloexec)
	if err != nil {
		fds.Remove(readFd)
		return 0, 0, err
	}
	if flags&FlagNonblock != 0 {
		r.SetNonblocking(true)
		w.SetNonblocking(true)
	}
	return readFd, writeFd, nil
}

// Eventfd2 implements eventfd2(2).
func (d *Dispatcher) Eventfd2(cur *proc.Thread, initval uint64, flags uint32) (int, error) {
	defer d.bindCurrent(cur)()
	const efdSemaphore = 1
	e := eventfd.New(initval, flags&efdSemaphore != 0)
	if flags&FlagNonblock != 0 {
		e.SetNonblocking(true)
	}
	return cur.Process().FDs().Insert(e, flags&FlagCloexec != 0)
}

// EpollCreate1 implements epoll_create1(2).
func (d *Dispatcher) EpollCreate1(cur *proc.Thread, flags uint32) (int, error) {
	defer d.bindCurrent(cur)()
	return cur.Process().FDs().Insert(epoll.New(), flags&FlagCloexec != 0)
}

const (
	EpollCtlAdd = 1
	EpollCtlDel = 2
	EpollCtlMod = 3
)

// EpollCtl implements epoll_ctl(2).
func (d *Dispatcher) EpollCtl(cur *proc.Thread, epfd int, op int, fd int, mask poll.Events, userData uint64, flags epoll.Flags) error {
	defer d.bindCurrent(cur)()
	fds := cur.Process().FDs()
	ep, err := fds.Get(epfd)
	if err != nil {
		return err
	}
	e, ok := ep.(*epoll.Epoll)
	if !ok {
		return errno.EINVAL
	}
	target, err := fds.Get(fd)
	if err != nil {
		return err
	}
	switch op {
	case EpollCtlAdd:
		return e.Add(fd, target, mask, userData, flags)
	case EpollCtlMod:
		return e.Modify(fd, target, mask, userData, flags)
	case EpollCtlDel:
		return e.Delete(fd, target)
	default:
		return errno.EINVAL
	}
}

// EpollWait implements epoll_wait(2): maxEvents bounds how many of the
// ready interests are drained into the returned slice.
func (d *Dispatcher) EpollWait(cur *proc.Thread, epfd int, maxEvents int) ([]epoll.Event, error) {
	defer d.bindCurrent(cur)()
	fds := cur.Process().FDs()
	ep, err := fds.Get(epfd)
	if err != nil {
		return nil, err
	}
	e, ok := ep.(*epoll.Epoll)
	if !ok {
		return nil, errno.EINVAL
	}
	out := make([]epoll.Event, maxEvents)
	n, err := e.PollEvents(out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// PidfdOpen implements pidfd_open(2): a pollable handle over another
// process that becomes readable once it has been reaped, using the
// same poll.EventSet proc.Process's zombie transition already wakes.
func (d *Dispatcher) PidfdOpen(cur *proc.Thread, targetPid int) (int, error) {
	defer d.bindCurrent(cur)()
	target, ok := d.Registry.LookupProcess(targetPid)
	if !ok {
		return 0, errno.ESRCH
	}
	pfd := pidfd.New(target, target.ExitSet())
	return cur.Process().FDs().Insert(pfd, true)
}
