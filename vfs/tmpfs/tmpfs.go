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

// Package tmpfs implements the regular-file and directory FileLike
// variants backing /dev/shm and /tmp (spec.md §6: "in-memory tmpfs
// (file content in a byte vector, directories as sorted maps)").
// Grounded on original_source/api/src/file/fs.rs's File/Directory
// split, with the on-disk axfs_ng::File swapped for a plain []byte
// since the on-disk filesystem codec itself is explicitly out of
// scope (spec.md §1).
package tmpfs

import (
	"sort"
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// Inode is the shared backing store a File's fd
// offset is relative to; several open Files (from independent open()
// calls) can point at the same Inode, matching Linux's shared-inode,
// independent-offset semantics.
type Inode struct {
	mu   sync.Mutex
	data []byte
	mode uint32
}

// NewInode creates an empty regular-file inode with the given
// permission bits (the type bits are ORed in by File.Stat/Directory.Stat).
func NewInode(mode uint32) *Inode {
	return &Inode{mode: mode}
}

func (n *Inode) size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.data))
}

// Truncate implements ftruncate(2): grow with zero bytes or shrink,
// discarding bytes past the new length.
func (n *Inode) Truncate(size int64) error {
	if size < 0 {
		return errno.EINVAL
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(size) <= len(n.data) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

// File is a regular-file FileLike variant: a byte-vector inode plus a
// private cursor offset, since POSIX gives every open() its own
// position even when the inode is shared.
type File struct {
	vfs.Base
	inode  *Inode
	offset int64
	append bool
}

// NewFile opens a File positioned at the start of inode. append mirrors
// O_APPEND: every write seeks to the current end first.
func NewFile(inode *Inode, append bool) *File {
	return &File{Base: vfs.NewBase(), inode: inode, append: append}
}

const sIFREG = 0o100000

func (f *File) Read(dst []byte) (int, error) {
	return f.ReadAt(dst, f.currentOffset())
}

func (f *File) currentOffset() int64 {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	return f.offset
}

// ReadAt implements pread64: read without disturbing the shared cursor.
func (f *File) ReadAt(dst []byte, offset int64) (int, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	if offset >= int64(len(f.inode.data)) {
		return 0, nil
	}
	n := copy(dst, f.inode.data[offset:])
	if offset == f.offset {
		f.offset += int64(n)
	}
	return n, nil
}

func (f *File) Write(src []byte) (int, error) {
	f.inode.mu.Lock()
	at := f.offset
	if f.append {
		at = int64(len(f.inode.data))
	}
	f.inode.mu.Unlock()
	return f.WriteAt(src, at)
}

// WriteAt implements pwrite64: write at an explicit offset, growing the
// backing byte vector as needed, and advances the shared cursor only
// when the write happened at that cursor (i.e. from Write, not pwrite).
func (f *File) WriteAt(src []byte, offset int64) (int, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	end := offset + int64(len(src))
	if end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	n := copy(f.inode.data[offset:end], src)
	if offset == f.offset || f.append {
		f.offset = offset + int64(n)
	}
	return n, nil
}

// Seek implements lseek(2) for SEEK_SET/SEEK_CUR/SEEK_END (0/1/2).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = f.offset
	case 2:
		base = int64(len(f.inode.data))
	default:
		return 0, errno.EINVAL
	}
	next := base + offset
	if next < 0 {
		return 0, errno.EINVAL
	}
	f.offset = next
	return next, nil
}

func (f *File) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	k.Mode = sIFREG | f.inode.mode
	k.Size = uint64(f.inode.size())
	return k, nil
}

func (f *File) Path() string { return "" }

// PollSnapshot: regular files are always ready, matching fs.rs's
// poll() returning readable/writable unconditionally.
func (f *File) PollSnapshot() poll.Events { return poll.In | poll.Out | poll.AlwaysPoll }

func (f *File) Register(w *poll.Waker, interested poll.Events) {}

var _ vfs.FileLike = (*File)(nil)
var _ vfs.Seekable = (*File)(nil)
var _ vfs.PreadWriter = (*File)(nil)

// Dirent is one entry in a Directory's sorted listing.
type Dirent struct {
	Name string
	File vfs.FileLike
}

// Directory is a sorted-map directory FileLike variant: read/write are
// rejected with EBADF exactly as original_source's Directory does,
// since directory contents are only observed through getdents64, not
// read(2).
type Directory struct {
	vfs.Base
	mu      sync.Mutex
	entries map[string]vfs.FileLike
}

func NewDirectory() *Directory {
	return &Directory{Base: vfs.NewBase(), entries: make(map[string]vfs.FileLike)}
}

func (d *Directory) Insert(name string, f vfs.FileLike) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[name] = f
}

func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; !ok {
		return errno.ENOENT
	}
	delete(d.entries, name)
	return nil
}

func (d *Directory) Lookup(name string) (vfs.FileLike, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.entries[name]
	if !ok {
		return nil, errno.ENOENT
	}
	return f, nil
}

// List returns entries sorted by name, as getdents64 callers expect a
// stable enumeration order across repeated calls.
func (d *Directory) List() []Dirent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Dirent, 0, len(d.entries))
	for name, f := range d.entries {
		out = append(out, Dirent{Name: name, File: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) Read(buf []byte) (int, error)  { return 0, errno.EBADF }
func (d *Directory) Write(buf []byte) (int, error) { return 0, errno.EBADF }

const sIFDIR = 0o040000

func (d *Directory) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	k.Mode = sIFDIR | 0o755
	return k, nil
}

func (d *Directory) Path() string { return "" }

// PollSnapshot: readable (getdents64 never blocks), never writable.
func (d *Directory) PollSnapshot() poll.Events { return poll.In | poll.AlwaysPoll }

func (d *Directory) Register(w *poll.Waker, interested poll.Events) {}

var _ vfs.FileLike = (*Directory)(nil)
