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

// Package fdtable implements the per-process file descriptor table
// (spec.md §4.2): a dense slot array mapping small integers to
// FileLike objects, shared by reference between threads created with
// CLONE_FILES and copied independently on fork/clone without that
// flag. Grounded on original_source/api/src/imp/fs/fd_ops.rs's
// add_file_like/get_file_like/close_file_like/dup_fd/sys_dup2 free
// functions, gathered here into a single Table type with an explicit
// RWMutex instead of a process-global FD_TABLE.
package fdtable

import (
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vfs"
)

// slot is one entry in the table: a file plus the close-on-exec flag
// fcntl(F_SETFD, FD_CLOEXEC) and open(..., O_CLOEXEC) both set.
type slot struct {
	file    vfs.FileLike
	cloexec bool
}

// Table is a process's (or, under CLONE_FILES, a thread group's)
// shared file descriptor table. The zero value is not usable; use New.
type Table struct {
	mu       sync.RWMutex
	slots    []*slot // nil entries are free
	freeHint int     // first index that might be free, an amortization-only hint
}

// New creates an empty table, as a freshly exec'd or booted process has.
func New() *Table {
	return &Table{}
}

// Clone returns an independent copy of t, sharing no slot storage with
// the original — used by fork/clone without CLONE_FILES, where each
// resulting process gets its own table seeded from the parent's open
// files (spec.md §4.2's "copied independently" fork semantics).
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := &Table{slots: make([]*slot, len(t.slots))}
	for i, s := range t.slots {
		if s != nil {
			cp := *s
			out.slots[i] = &cp
		}
	}
	return out
}

// Insert finds the lowest free fd and stores file there, as open(2)
// without O_DIRECTORY-style fixed placement does.
func (t *Table) Insert(file vfs.FileLike, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.lowestFreeLocked()
	t.growLocked(fd)
	t.slots[fd] = &slot{file: file, cloexec: cloexec}
	return fd, nil
}

// InsertAt installs file at exactly fd, displacing whatever was there
// (closing it first), the way dup2/dup3 and posix_spawn's fd actions
// do.
func (t *Table) InsertAt(fd int, file vfs.FileLike, cloexec bool) error {
	if fd < 0 {
		return errno.EBADF
	}
	t.mu.Lock()
	t.growLocked(fd)
	var displaced vfs.FileLike
	if old := t.slots[fd]; old != nil && old.file != file {
		displaced = old.file
	}
	t.slots[fd] = &slot{file: file, cloexec: cloexec}
	t.mu.Unlock()
	if c, ok := displaced.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	return nil
}

func (t *Table) lowestFreeLocked() int {
	for i := t.freeHint; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			return i
		}
	}
	return len(t.slots)
}

func (t *Table) growLocked(fd int) {
	if fd < len(t.slots) {
		return
	}
	grown := make([]*slot, fd+1)
	copy(grown, t.slots)
	t.slots = grown
}

// Get resolves fd to its FileLike, or EBADF if the slot is empty or
// out of range.
func (t *Table) Get(fd int) (vfs.FileLike, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.getLocked(fd)
	if s == nil {
		return nil, errno.EBADF
	}
	return s.file, nil
}

func (t *Table) getLocked(fd int) *slot {
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

// Cloexec reports whether fd is marked close-on-exec.
func (t *Table) Cloexec(fd int) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.getLocked(fd)
	if s == nil {
		return false, errno.EBADF
	}
	return s.cloexec, nil
}

// SetCloexec implements fcntl(F_SETFD, FD_CLOEXEC).
func (t *Table) SetCloexec(fd int, cloexec bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(fd)
	if s == nil {
		return errno.EBADF
	}
	s.cloexec = cloexec
	return nil
}

// Remove implements close(2): drop the slot, making fd reusable. The
// caller is responsible for calling the returned file's own Close if it
// implements one; fdtable itself only owns the slot, not file
// lifecycle, matching original_source's close_file_like doing both in
// one step at a higher layer than this table.
func (t *Table) Remove(fd int) (vfs.FileLike, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(fd)
	if s == nil {
		return nil, errno.EBADF
	}
	t.slots[fd] = nil
	if fd < t.freeHint {
		t.freeHint = fd
	}
	return s.file, nil
}

// CloseAll empties the table and returns every file that was open,
// lowest fd first, for a caller (process exit) to release; the table
// is left as if New() had just built it.
func (t *Table) CloseAll() []vfs.FileLike {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]vfs.FileLike, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s.file)
		}
	}
	t.slots = nil
	t.freeHint = 0
	return out
}

// Dup implements dup(2): install the same file at the lowest free fd,
// with cloexec cleared (dup never carries FD_CLOEXEC over).
func (t *Table) Dup(oldFd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(oldFd)
	if s == nil {
		return 0, errno.EBADF
	}
	fd := t.lowestFreeLocked()
	t.growLocked(fd)
	t.slots[fd] = &slot{file: s.file}
	return fd, nil
}

// Dup2 implements dup2(2)/dup3(2): install oldFd's file at newFd,
// unless oldFd == newFd (a no-op per POSIX). cloexec follows dup3's
// O_CLOEXEC flag. displaced is whatever file previously lived at newFd
// (nil if the slot was empty or this was the == no-op case) for the
// caller to Close, the same way Remove hands its displaced file back
// instead of closing it itself.
func (t *Table) Dup2(oldFd, newFd int, cloexec bool) (newFdOut int, displaced vfs.FileLike, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(oldFd)
	if s == nil {
		return 0, nil, errno.EBADF
	}
	if oldFd == newFd {
		return newFd, nil, nil
	}
	if newFd < 0 {
		return 0, nil, errno.EBADF
	}
	if old := t.getLocked(newFd); old != nil {
		displaced = old.file
	}
	t.growLocked(newFd)
	t.slots[newFd] = &slot{file: s.file, cloexec: cloexec}
	return newFd, displaced, nil
}

// CloseOnExec removes every cloexec-marked slot, as execve(2) does
// after a successful image load.
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil && s.cloexec {
			t.slots[i] = nil
			if i < t.freeHint {
				t.freeHint = i
			}
		}
	}
}

// IDs returns the currently occupied fd numbers in ascending order,
// for /proc/[pid]/fd's directory listing.
func (t *Table) IDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.slots))
	for i, s := range t.slots {
		if s != nil {
			out = append(out, i)
		}
	}
	return out
}

// Len reports how many fds are open. Insert itself enforces no
// RLIMIT_NOFILE bound.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}
