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

import "github.com/gokernel/core/errno"

// CopyIn reads len(dst) bytes from the user address uaddr into dst,
// the role original_source/api/src/mm.rs's UserConstPtr::get_as_slice
// plays for every syscall argument a raw pointer names: a length and
// permission check against the mapping, then a page-by-page copy out
// of whichever Backend covers each page, faulting it in first so a
// still-unbacked anonymous page reads as zero instead of EFAULT.
func (a *AddressSpace) CopyIn(dst []byte, uaddr uint64) error {
	return a.copyUser(dst, uaddr, false)
}

// CopyOut writes src into the user address uaddr, UserPtr::put_as_slice's
// counterpart: it requires ProtWrite, not ProtRead, on the covering
// region, and faults each page in as a write access so a private
// mapping's first touch after fork copies rather than corrupting a
// sibling's view.
func (a *AddressSpace) CopyOut(uaddr uint64, src []byte) error {
	return a.copyUser(src, uaddr, true)
}

func (a *AddressSpace) copyUser(buf []byte, uaddr uint64, write bool) error {
	if len(buf) == 0 {
		return nil
	}
	need := ProtRead
	if write {
		need = ProtWrite
	}
	if !a.CanAccessRange(uaddr, uint64(len(buf)), need) {
		return errno.EFAULT
	}

	remaining := buf
	addr := uaddr
	for len(remaining) > 0 {
		r, ok := a.RegionAt(addr)
		if !ok {
			return errno.EFAULT
		}
		pageOff := alignDown(addr) - r.Start
		slab, err := r.Backend.Fault(pageOff, write)
		if err != nil {
			return errno.EFAULT
		}
		inPage := int(addr - (r.Start + pageOff))
		n := len(slab) - inPage
		if n > len(remaining) {
			n = len(remaining)
		}
		if n <= 0 {
			return errno.EFAULT
		}
		if write {
			copy(slab[inPage:inPage+n], remaining[:n])
		} else {
			copy(remaining[:n], slab[inPage:inPage+n])
		}
		remaining = remaining[n:]
		addr += uint64(n)
	}
	return nil
}

// CopyInString reads a NUL-terminated string of at most maxLen bytes
// starting at uaddr, the slice-of-unknown-length counterpart to
// CopyIn that path arguments (open, execve's argv, ...) need since
// their length isn't known until the NUL is found.
func (a *AddressSpace) CopyInString(uaddr uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for len(buf) < maxLen {
		if err := a.CopyIn(b[:], uaddr+uint64(len(buf))); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", errno.ENAMETOOLONG
}
