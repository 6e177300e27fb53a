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

// Memory family: mmap, munmap, mprotect, brk. Grounded on
// original_source/api/src/syscall/mm/mmap.rs's sys_mmap/sys_munmap/
// sys_mprotect and original_source/api/src/imp/mm/brk.rs's sys_brk.
package dispatch

import (
	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vm"
)

// mmapLo/mmapHi bound the region mmap without MAP_FIXED is free to
// place a mapping in, a fixed mmap_min_addr/TASK_SIZE pair standing in
// for the real address-space layout this core's Non-goals exclude.
const (
	mmapLo = 0x0000_1000_0000
	mmapHi = 0x0000_7f00_0000_0000
)

// Mmap implements mmap(2) for anonymous and shared-anonymous mappings
// (MAP_ANONYMOUS); file-backed mappings are wired through the same
// vm.NewFile backend once a caller has a PreadWriter fd to hand in,
// via MmapFile below.
func (d *Dispatcher) Mmap(cur *proc.Thread, hint uint64, length uint64, prot vm.Prot, flags vm.Flags) (uint64, error) {
	defer d.bindCurrent(cur)()
	return d.mmapBackend(cur, hint, length, prot, flags, nil)
}

// MmapFile implements the file-backed path of mmap(2): backend reads
// come from file starting at offset.
func (d *Dispatcher) MmapFile(cur *proc.Thread, hint uint64, length uint64, prot vm.Prot, flags vm.Flags, file vfsPreadWriter, offset int64) (uint64, error) {
	defer d.bindCurrent(cur)()
	fb, err := vm.NewFile(file, offset, int64(length))
	if err != nil {
		return 0, err
	}
	return d.mmapBackend(cur, hint, length, prot, flags, fb)
}

// vfsPreadWriter is the positional read/write pair this file needs,
// declared locally: any variant implementing vfs.PreadWriter satisfies
// it.
type vfsPreadWriter interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
}

func (d *Dispatcher) mmapBackend(cur *proc.Thread, hint, length uint64, prot vm.Prot, flags vm.Flags, file *vm.FileBackend) (uint64, error) {
	aspace := cur.Process().AddressSpace()
	length = (length + vm.PageSize - 1) &^ (vm.PageSize - 1)
	if length == 0 {
		return 0, errno.EINVAL
	}

	addr := hint
	if flags&vm.FlagFixed == 0 {
		a, ok := aspace.FindFreeArea(hint, length, mmapLo, mmapHi)
		if !ok {
			return 0, errno.ENOMEM
		}
		addr = a
	}

	var backend vm.Backend
	switch {
	case file != nil:
		backend = file
	case flags&vm.FlagShared != 0:
		backend = vm.NewShared(int(length))
	default:
		backend = vm.NewAnonymous(int(length))
	}

	region := &vm.Region{Start: addr, Len: length, Prot: prot, Flags: flags, Backend: backend}
	if err := aspace.Map(region, flags&vm.FlagFixed != 0); err != nil {
		return 0, err
	}
	return addr, nil
}

func (d *Dispatcher) Munmap(cur *proc.Thread, addr, length uint64) error {
	defer d.bindCurrent(cur)()
	return cur.Process().AddressSpace().Unmap(addr, length)
}

func (d *Dispatcher) Mprotect(cur *proc.Thread, addr, length uint64, prot vm.Prot) error {
	defer d.bindCurrent(cur)()
	return cur.Process().AddressSpace().Protect(addr, length, prot)
}

// Brk implements brk(2): newBrk == 0 queries the current break instead
// of moving it, matching the Linux ABI's documented quirk that a
// failed or query-only brk(2) simply returns the current value.
func (d *Dispatcher) Brk(cur *proc.Thread, newBrk uint64) uint64 {
	defer d.bindCurrent(cur)()
	aspace := cur.Process().AddressSpace()
	if newBrk == 0 {
		return aspace.Brk()
	}
	result, err := aspace.SetBrk(newBrk)
	if err != nil {
		return aspace.Brk()
	}
	return result
}

// Mremap and madvise/mincore are deferred: mremap's move-with-identity
// semantics need a stable backend-relocation primitive this core's
// Region model doesn't yet have, and madvise's hints (MADV_DONTNEED,
// MADV_FREE) have no effect without a physical allocator to actually
// reclaim pages from (spec.md §1 Non-goal).
