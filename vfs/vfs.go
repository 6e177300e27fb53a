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

// Package vfs defines FileLike, the polymorphic object every open file
// descriptor ultimately refers to (spec.md §3 "FileLike variants" / §4.2
// "File descriptor table"). Concrete variants (regular file, directory,
// pipe end, socket, eventfd, epoll, pidfd, device) live in subpackages,
// and the tty variant in the top-level tty package; this package only defines the shared contract, the stat
// payload, and a handful of capability-query helpers every dispatcher
// call site uses to decide what a given fd can do.
package vfs

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gokernel/core/poll"
)

// Kstat mirrors the fields of Linux's struct stat/statx that this
// kernel core actually tracks. dispatch's fs family translates it into
// the real wire layout expected by stat/fstat/statx callers.
type Kstat struct {
	Dev     uint64
	Ino     uint64
	Nlink   uint32
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	BlkSize uint32
	Blocks  uint64
	Rdev    uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// DefaultKstat returns the baseline stat record anonymous in-kernel
// objects (pipes, eventfds, epoll instances, pidfds) report: a
// single-link, world-unreadable-by-default inode with no backing size.
func DefaultKstat() Kstat {
	return Kstat{Ino: 1, Nlink: 1, BlkSize: 4096}
}

// FileLike is the contract every open file descriptor satisfies. It is
// deliberately small: read/write/stat/poll-ability/nonblock/cloexec are
// universal, and everything variant-specific (directory iteration,
// socket options, epoll_ctl, ioctl) is reached by type-asserting the
// interface to a more specific one the concrete variant also implements.
type FileLike interface {
	poll.Pollable

	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Stat() (Kstat, error)

	// Path reports a synthetic path for this object, the way Linux
	// reports "pipe:[12345]" or "anon_inode:[eventpoll]" from
	// /proc/[pid]/fd/N's readlink target.
	Path() string

	Nonblocking() bool
	SetNonblocking(bool) error

	// Identity is a stable per-object cookie, independent of any fd
	// that currently names it. epoll's (fd, file-identity) interest key
	// (spec.md §3/§4.4) uses this so that closing an fd and reopening a
	// different file at the same slot can never collide with a stale
	// interest.
	Identity() uuid.UUID
}

// Ioctl is implemented by variants that accept device-control commands
// (pipes' FIONREAD; ttys do not implement it, their TC*/TIOC* commands
// go through dispatch's TtyIoctl). Variants that
// don't support any ioctl simply don't implement this interface; dispatch
// type-asserts for it and returns ENOTTY when absent.
type Ioctl interface {
	Ioctl(cmd uint32, arg uintptr) (uintptr, error)
}

// Seekable is implemented by variants with a byte offset cursor
// (regular files, directories via dir_offset).
type Seekable interface {
	Seek(offset int64, whence int) (int64, error)
}

// PreadWriter is implemented by variants supporting positioned I/O
// (pread64/pwrite64/preadv/pwritev) without disturbing the shared cursor.
type PreadWriter interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
}

// Base embeds the bookkeeping every FileLike variant needs (identity
// cookie, nonblocking flag) so concrete types only have to implement the
// handful of methods that differ. It is analogous to the "non_blocking:
// AtomicBool" field every original_source file/*.rs variant repeats.
type Base struct {
	id          uuid.UUID
	nonblocking atomic.Bool
}

// NewBase mints a Base with a fresh identity cookie.
func NewBase() Base {
	return Base{id: uuid.New()}
}

func (b *Base) Identity() uuid.UUID { return b.id }

func (b *Base) Nonblocking() bool { return b.nonblocking.Load() }

func (b *Base) SetNonblocking(v bool) error {
	b.nonblocking.Store(v)
	return nil
}
