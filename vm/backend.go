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

package vm

import (
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vfs"
)

// AnonymousBackend is a zero-filled, fixed-size byte slab: the backend
// for MAP_ANONYMOUS|MAP_PRIVATE regions (heap, stack, bss), grounded on
// the teacher's map_alloc path in sys_mmap which populates pages lazily
// rather than eagerly.
type AnonymousBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewAnonymous allocates a zero-filled slab of size bytes up front;
// this kernel core has no lazy physical allocator to defer to (spec.md
// §1), so "demand paging" here means the Fault call returns a view
// into already-allocated memory rather than allocating frames.
func NewAnonymous(size int) *AnonymousBackend {
	return &AnonymousBackend{data: make([]byte, size)}
}

func (b *AnonymousBackend) Fault(offset uint64, write bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset) >= len(b.data) {
		return nil, errno.EFAULT
	}
	end := int(offset) + PageSize
	if end > len(b.data) {
		end = len(b.data)
	}
	return b.data[offset:end], nil
}

// Read copies up to len(buf) bytes starting at offset, for the debug
// introspection API and for NewCow's up-front copy.
func (b *AnonymousBackend) Read(buf []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset) >= len(b.data) {
		return 0, nil
	}
	return copy(buf, b.data[offset:]), nil
}

func (b *AnonymousBackend) Write(buf []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+len(buf) > len(b.data) {
		return 0, errno.EFAULT
	}
	return copy(b.data[offset:], buf), nil
}

// FileBackend maps a file's contents in, read-only beyond what
// sys_mmap's populate step supports today (the teacher's own mmap.rs
// warns "PROT_WRITE for a file mapping is not supported yet" and this
// core keeps that restriction rather than inventing a writeback path
// for an on-disk filesystem codec that is out of scope, spec.md §1).
type FileBackend struct {
	file   vfs.PreadWriter
	offset int64
	size   int64
	mu     sync.Mutex
	cache  []byte
}

// NewFile reads size bytes from file starting at offset into an
// in-memory cache eagerly, since this core has no page cache of its
// own to fault pages in from lazily.
func NewFile(file vfs.PreadWriter, offset int64, size int64) (*FileBackend, error) {
	buf := make([]byte, size)
	n, err := file.ReadAt(buf, offset)
	if err != nil {
		return nil, err
	}
	return &FileBackend{file: file, offset: offset, size: size, cache: buf[:n]}, nil
}

func (b *FileBackend) Fault(offset uint64, write bool) ([]byte, error) {
	if write {
		return nil, errno.EACCES
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset) >= len(b.cache) {
		return nil, errno.EFAULT
	}
	end := int(offset) + PageSize
	if end > len(b.cache) {
		end = len(b.cache)
	}
	return b.cache[offset:end], nil
}

// CowBackend wraps another Backend so that the first write fault after
// a fork copies the underlying page instead of mutating the shared
// copy, matching the "map_alloc ... populate" plus per-process aspace
// split that gives fork(2) its copy-on-write semantics. Two sibling
// CowBackends (parent's and child's, produced by Clone) share a single
// refcounted slab reference until one of them takes a write fault, at
// which point only that sibling copies and the other keeps the
// original.
type CowBackend struct {
	shared *cowSlab
}

type cowSlab struct {
	mu   sync.Mutex
	refs int
	data []byte
}

// NewCow wraps base's current contents in a fresh, singly-referenced
// COW slab. The caller discards base afterward; NewCow materializes
// base's bytes once up front since this core has no lazy page table to
// defer that copy through.
func NewCow(base Backend) *CowBackend {
	var data []byte
	if r, ok := base.(interface {
		Read([]byte, int64) (int, error)
	}); ok {
		buf := make([]byte, 0)
		tmp := make([]byte, PageSize)
		for off := int64(0); ; off += PageSize {
			n, _ := r.Read(tmp, off)
			if n == 0 {
				break
			}
			buf = append(buf, tmp[:n]...)
		}
		data = buf
	}
	return &CowBackend{shared: &cowSlab{refs: 1, data: data}}
}

// Clone returns a new CowBackend sharing the same underlying slab,
// bumping its reference count. Call once per sibling produced by fork.
func (c *CowBackend) Clone() *CowBackend {
	c.shared.mu.Lock()
	c.shared.refs++
	c.shared.mu.Unlock()
	return &CowBackend{shared: c.shared}
}

func (c *CowBackend) Fault(offset uint64, write bool) ([]byte, error) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	if int(offset) >= len(c.shared.data) {
		return nil, errno.EFAULT
	}
	if write && c.shared.refs > 1 {
		cpy := make([]byte, len(c.shared.data))
		copy(cpy, c.shared.data)
		c.shared.refs--
		c.shared = &cowSlab{refs: 1, data: cpy}
	}
	end := int(offset) + PageSize
	if end > len(c.shared.data) {
		end = len(c.shared.data)
	}
	return c.shared.data[offset:end], nil
}

func (c *CowBackend) Read(buf []byte, offset int64) (int, error) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	if int(offset) >= len(c.shared.data) {
		return 0, nil
	}
	return copy(buf, c.shared.data[offset:]), nil
}

// SharedBackend is a plain refcounted slab with no copy-on-write split:
// every holder (MAP_SHARED mappings, and shm attachments across
// processes) sees every other holder's writes immediately, the way
// aspace.map_shared's single physical frame does.
type SharedBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewShared allocates a zero-filled shared slab of size bytes.
func NewShared(size int) *SharedBackend {
	return &SharedBackend{data: make([]byte, size)}
}

func (s *SharedBackend) Fault(offset uint64, write bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(offset) >= len(s.data) {
		return nil, errno.EFAULT
	}
	end := int(offset) + PageSize
	if end > len(s.data) {
		end = len(s.data)
	}
	return s.data[offset:end], nil
}

func (s *SharedBackend) Read(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(offset) >= len(s.data) {
		return 0, nil
	}
	return copy(buf, s.data[offset:]), nil
}

func (s *SharedBackend) Write(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(offset)+len(buf) > len(s.data) {
		return 0, errno.EFAULT
	}
	return copy(s.data[offset:], buf), nil
}

// Bytes returns the full backing slab, for shmat's direct memory view.
func (s *SharedBackend) Bytes() []byte { return s.data }
