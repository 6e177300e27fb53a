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

// Package vm implements the virtual memory side of spec.md §5:
// mmap/munmap/mprotect/brk over a per-process AddressSpace interval
// map, copy-on-write fork semantics, and page-fault resolution for the
// regions each backend describes. This kernel core has no physical
// allocator or page table of its own (spec.md §1 names both out of
// scope); a Region's "page" is instead a plain []byte slab the backend
// owns, and "page fault" means lazily materializing that slab rather
// than walking hardware page-table entries. Grounded on
// original_source/api/src/mm.rs's check_region/handle_page_fault and
// original_source/api/src/imp/mm/mmap.rs's sys_mmap/sys_munmap/
// sys_mprotect, adapted from axmm's VirtAddr interval map onto a plain
// sorted Go slice of Regions.
package vm

import (
	"sort"
	"sync"

	"github.com/gokernel/core/errno"
)

// PageSize is the granularity every address and length is aligned to,
// matching PAGE_SIZE_4K in the teacher's hardware abstraction layer.
const PageSize = 4096

// Prot is the PROT_* permission bitset from mmap(2)/mprotect(2).
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Flags is the subset of mmap(2)'s MAP_* flags this kernel core
// distinguishes: whether the mapping is shared or private (for COW),
// anonymous or file-backed, and whether its address is a hard
// requirement.
type Flags uint32

const (
	FlagShared Flags = 1 << iota
	FlagPrivate
	FlagFixed
	FlagFixedNoreplace
	FlagAnonymous
)

func alignDown(v uint64) uint64 { return v &^ (PageSize - 1) }
func alignUp(v uint64) uint64   { return alignDown(v + PageSize - 1) }

// Backend supplies page content for a Region on demand. Anonymous
// mappings zero-fill; file mappings read from the backing file; shared
// anonymous mappings (MAP_SHARED|MAP_ANON, used for shmat) and COW
// children share or copy an underlying slab per Fault's write parameter.
type Backend interface {
	// Fault returns the page-aligned slab covering offset..offset+PageSize
	// within the region, allocating and/or populating it as needed.
	// write indicates the fault was a write access, which COW backends
	// use to decide whether to duplicate a shared slab first.
	Fault(offset uint64, write bool) ([]byte, error)
}

// Region is one mapped interval of an AddressSpace: [Start, Start+Len),
// always page-aligned, with uniform protection and a single backend.
type Region struct {
	Start uint64
	Len   uint64
	Prot  Prot
	Flags Flags
	Name  string // e.g. "[heap]", "[stack]", or the mapped file's path
	Backend Backend
}

func (r *Region) end() uint64 { return r.Start + r.Len }

func (r *Region) overlaps(start, length uint64) bool {
	return r.Start < start+length && start < r.end()
}

// AddressSpace is a process's full virtual memory map: an ordered,
// non-overlapping set of Regions between Base and End, plus the
// current brk pointer. One AddressSpace is shared by every thread in a
// process and cloned (with COW semantics for private regions) on fork.
type AddressSpace struct {
	mu      sync.Mutex
	base    uint64
	end     uint64
	regions []*Region // sorted by Start, non-overlapping
	brk     uint64
	brkBase uint64
}

// New creates an address space spanning [base, end), with the brk
// region starting at brkBase and initially empty.
func New(base, end, brkBase uint64) *AddressSpace {
	return &AddressSpace{base: base, end: end, brk: brkBase, brkBase: brkBase}
}

func (a *AddressSpace) Base() uint64 { return a.base }
func (a *AddressSpace) End() uint64  { return a.end }

// find returns the index of the first region whose end is > addr, the
// standard lower-bound search for interval maps kept sorted by Start.
func (a *AddressSpace) find(addr uint64) int {
	return sort.Search(len(a.regions), func(i int) bool { return a.regions[i].end() > addr })
}

// CanAccessRange reports whether every byte in [start, start+length)
// falls within a mapped region whose protection permits access,
// mirroring can_access_range used by the user-pointer validation layer
// before every copy_from/to_user.
func (a *AddressSpace) CanAccessRange(start, length uint64, need Prot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if length == 0 {
		return true
	}
	end := start + length
	cursor := start
	for cursor < end {
		i := a.find(cursor)
		if i >= len(a.regions) || a.regions[i].Start > cursor {
			return false
		}
		r := a.regions[i]
		if r.Prot&need != need {
			return false
		}
		cursor = r.end()
	}
	return true
}

// FindFreeArea returns the lowest address >= hint (within [lo, hi))
// with length bytes of unmapped space, or false if none exists. Mirrors
// aspace.find_free_area's role in sys_mmap when MAP_FIXED is absent.
func (a *AddressSpace) FindFreeArea(hint, length, lo, hi uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findFreeAreaLocked(hint, length, lo, hi)
}

func (a *AddressSpace) findFreeAreaLocked(hint, length, lo, hi uint64) (uint64, bool) {
	cursor := hint
	if cursor < lo {
		cursor = lo
	}
	i := a.find(cursor)
	for {
		var gapEnd uint64 = hi
		if i < len(a.regions) {
			gapEnd = a.regions[i].Start
		}
		if cursor < gapEnd && gapEnd-cursor >= length {
			return cursor, true
		}
		if i >= len(a.regions) || a.regions[i].end() >= hi {
			return 0, false
		}
		cursor = a.regions[i].end()
		i++
	}
}

// Map installs a new region, unmapping any overlap first when replace
// is true (MAP_FIXED) or failing with EEXIST when it is false
// (MAP_FIXED_NOREPLACE and any genuine overlap bug).
func (a *AddressSpace) Map(r *Region, replace bool) error {
	if r.Len == 0 || r.Start%PageSize != 0 || r.Len%PageSize != 0 {
		return errno.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsLocked(r.Start, r.Len) {
		if !replace {
			return errno.EEXIST
		}
		if err := a.unmapLocked(r.Start, r.Len); err != nil {
			return err
		}
	}
	a.insertLocked(r)
	return nil
}

func (a *AddressSpace) overlapsLocked(start, length uint64) bool {
	for _, r := range a.regions {
		if r.overlaps(start, length) {
			return true
		}
	}
	return false
}

func (a *AddressSpace) insertLocked(r *Region) {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].Start >= r.Start })
	a.regions = append(a.regions, nil)
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
}

// Unmap removes [start, start+length) from the map, splitting any
// region that only partially overlaps it, matching munmap(2)'s
// carve-out-the-middle semantics.
func (a *AddressSpace) Unmap(start, length uint64) error {
	if length == 0 {
		return errno.EINVAL
	}
	start = alignDown(start)
	length = alignUp(length)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmapLocked(start, length)
}

func (a *AddressSpace) unmapLocked(start, length uint64) error {
	end := start + length
	var kept []*Region
	for _, r := range a.regions {
		if !r.overlaps(start, length) {
			kept = append(kept, r)
			continue
		}
		if r.Start < start {
			left := *r
			left.Len = start - r.Start
			kept = append(kept, &left)
		}
		if r.end() > end {
			right := *r
			right.Start = end
			right.Len = r.end() - end
			kept = append(kept, &right)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	a.regions = kept
	return nil
}

// Protect changes the permission bits of [start, start+length),
// splitting regions at the boundary the way mprotect(2) does when the
// requested range only covers part of an existing mapping.
func (a *AddressSpace) Protect(start, length uint64, prot Prot) error {
	if length == 0 {
		return errno.EINVAL
	}
	start = alignDown(start)
	length = alignUp(length)
	end := start + length
	a.mu.Lock()
	defer a.mu.Unlock()

	cursor := start
	for cursor < end {
		i := a.find(cursor)
		if i >= len(a.regions) || a.regions[i].Start > cursor {
			return errno.ENOMEM
		}
		cursor = a.regions[i].end()
	}

	var rebuilt []*Region
	for _, r := range a.regions {
		if !r.overlaps(start, length) {
			rebuilt = append(rebuilt, r)
			continue
		}
		if r.Start < start {
			left := *r
			left.Len = start - r.Start
			rebuilt = append(rebuilt, &left)
		}
		mid := *r
		if mid.Start < start {
			mid.Start = start
		}
		midEnd := r.end()
		if midEnd > end {
			midEnd = end
		}
		mid.Len = midEnd - mid.Start
		mid.Prot = prot
		rebuilt = append(rebuilt, &mid)
		if r.end() > end {
			right := *r
			right.Start = end
			right.Len = r.end() - end
			rebuilt = append(rebuilt, &right)
		}
	}
	sort.Slice(rebuilt, func(i, j int) bool { return rebuilt[i].Start < rebuilt[j].Start })
	a.regions = rebuilt
	return nil
}

// RegionAt returns the region covering addr, if any.
func (a *AddressSpace) RegionAt(addr uint64) (*Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.find(addr)
	if i >= len(a.regions) || a.regions[i].Start > addr {
		return nil, false
	}
	return a.regions[i], true
}

// HandlePageFault resolves a fault at vaddr with the given access,
// returning false if no region covers vaddr or the access exceeds its
// protection (the caller's cue to deliver SIGSEGV, as
// handle_user_page_fault does).
func (a *AddressSpace) HandlePageFault(vaddr uint64, access Prot) bool {
	a.mu.Lock()
	r, ok := a.regionAtLocked(vaddr)
	a.mu.Unlock()
	if !ok || r.Prot&access != access {
		return false
	}
	offset := alignDown(vaddr) - r.Start
	_, err := r.Backend.Fault(offset, access&ProtWrite != 0)
	return err == nil
}

func (a *AddressSpace) regionAtLocked(addr uint64) (*Region, bool) {
	i := a.find(addr)
	if i >= len(a.regions) || a.regions[i].Start > addr {
		return nil, false
	}
	return a.regions[i], true
}

// Regions returns a snapshot of the current mapping, sorted by start
// address. The synthesized /proc/[pid]/maps does not use it.
func (a *AddressSpace) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Region, len(a.regions))
	for i, r := range a.regions {
		out[i] = *r
	}
	return out
}

// Brk reports the current program break.
func (a *AddressSpace) Brk() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.brk
}

// SetBrk grows or shrinks the heap region to newBrk, creating or
// resizing the "[heap]" anonymous region as needed. A newBrk below
// brkBase is rejected; one below the current brk shrinks (unmapping
// the tail); one above grows (mapping fresh anonymous pages).
func (a *AddressSpace) SetBrk(newBrk uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if newBrk < a.brkBase {
		return a.brk, errno.EINVAL
	}
	oldBrk := a.brk
	a.brk = newBrk

	oldEnd := alignUp(oldBrk)
	newEnd := alignUp(newBrk)
	if a.brkBase == oldBrk && newBrk == oldBrk {
		return a.brk, nil
	}
	switch {
	case newEnd > oldEnd:
		r := &Region{Start: oldEnd, Len: newEnd - oldEnd, Prot: ProtRead | ProtWrite,
			Flags: FlagPrivate | FlagAnonymous, Name: "[heap]", Backend: NewAnonymous(int(newEnd - oldEnd))}
		if a.overlapsLocked(r.Start, r.Len) {
			return oldBrk, errno.ENOMEM
		}
		a.insertLocked(r)
	case newEnd < oldEnd:
		if err := a.unmapLocked(newEnd, oldEnd-newEnd); err != nil {
			return oldBrk, err
		}
	}
	return a.brk, nil
}

// Fork produces a child address space for clone(2)/fork(2): shared
// regions (MAP_SHARED, and any shm attachment) keep pointing at the
// same backend so writes stay visible to both processes, while private
// regions get a CowBackend wrapping the parent's backend so the first
// write after fork copies instead of corrupting the sibling's view
// (spec.md §5's "COW" requirement).
func (a *AddressSpace) Fork() *AddressSpace {
	a.mu.Lock()
	defer a.mu.Unlock()
	child := &AddressSpace{base: a.base, end: a.end, brk: a.brk, brkBase: a.brkBase}
	for _, r := range a.regions {
		cr := *r
		if r.Flags&FlagShared == 0 {
			cow, ok := r.Backend.(*CowBackend)
			if !ok {
				cow = NewCow(r.Backend)
				r.Backend = cow
			}
			cr.Backend = cow.Clone()
		}
		child.regions = append(child.regions, &cr)
	}
	return child
}
