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

// Futex family: FUTEX_WAIT/WAIT_BITSET, FUTEX_WAKE/WAKE_BITSET,
// FUTEX_REQUEUE/CMP_REQUEUE. Grounded on
// original_source/api/src/syscall/sync/futex.rs's sys_futex, which
// resolves FUTEX_PRIVATE_FLAG against the calling aspace and otherwise
// against the backing vma's inode/offset; resolveKey below keys shared
// futexes on the backing region's start address instead (see its
// comment).
package dispatch

import (
	"context"
	"time"

	"github.com/gokernel/core/futex"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vm"
)

// FutexPrivate is FUTEX_PRIVATE_FLAG: when set, the key is scoped to
// the calling address space (private, anonymous futex, the overwhelming
// common case for a userspace mutex); when clear, dispatch resolves the
// word's backing region and keys on it instead, so two processes
// sharing a MAP_SHARED mapping contend on the same futex.
const FutexPrivate = 1

// resolveKey builds the futex.Key a given user address names, using
// the process's own FutexShared table (keyed by the registry-wide
// shared futex table) when the mapping is MAP_SHARED, or its private
// one scoped to this process otherwise. uaddr must already have been
// validated against the process's address space by the caller's
// CopyIn/CopyOut of the expected value.
func (d *Dispatcher) resolveKey(p *proc.Process, uaddr uint64, private bool) futex.Key {
	if private {
		return futex.PrivateKey(uint64(p.Pid()), uaddr)
	}
	r, ok := p.AddressSpace().RegionAt(uaddr)
	if !ok {
		return futex.PrivateKey(uint64(p.Pid()), uaddr)
	}
	// This kernel core's Backend has no stable inode identity of its
	// own (spec.md §1 excludes a disk/FS layer); the region's start
	// address stands in for the inode key, which is sufficient for two
	// threads of the *same* process sharing a MAP_SHARED anonymous
	// region to rendezvous, the one shared-futex case this core can
	// actually exercise without a real shared inode behind it.
	return futex.SharedKey(r.Start, uaddr-r.Start)
}

func (d *Dispatcher) futexTableFor(p *proc.Process, private bool) *futex.Table {
	if private {
		return p.FutexPrivate()
	}
	return p.FutexShared()
}

func readU32(aspace *vm.AddressSpace, uaddr uint64) func() (uint32, error) {
	return func() (uint32, error) {
		var buf [4]byte
		if err := aspace.CopyIn(buf[:], uaddr); err != nil {
			return 0, err
		}
		return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
	}
}

// FutexWait implements FUTEX_WAIT/FUTEX_WAIT_BITSET. timeout.IsZero
// means block indefinitely (subject to ctx cancellation).
func (d *Dispatcher) FutexWait(ctx context.Context, cur *proc.Thread, uaddr uint64, private bool, expect uint32, bitset uint32, timeout time.Time) error {
	defer d.bindCurrent(cur)()
	p := cur.Process()
	key := d.resolveKey(p, uaddr, private)
	table := d.futexTableFor(p, private)
	return table.Wait(ctx, key, expect, readU32(p.AddressSpace(), uaddr), bitset, timeout)
}

// FutexWake implements FUTEX_WAKE/FUTEX_WAKE_BITSET.
func (d *Dispatcher) FutexWake(cur *proc.Thread, uaddr uint64, private bool, count int, bitset uint32) int {
	defer d.bindCurrent(cur)()
	p := cur.Process()
	key := d.resolveKey(p, uaddr, private)
	table := d.futexTableFor(p, private)
	return table.Wake(key, count, bitset)
}

// FutexRequeue implements FUTEX_REQUEUE/FUTEX_CMP_REQUEUE.
func (d *Dispatcher) FutexRequeue(cur *proc.Thread, uaddrSrc, uaddrDst uint64, private bool, expect *uint32, wakeCount, requeueCount int) (int, error) {
	defer d.bindCurrent(cur)()
	p := cur.Process()
	src := d.resolveKey(p, uaddrSrc, private)
	dst := d.resolveKey(p, uaddrDst, private)
	table := d.futexTableFor(p, private)
	return table.Requeue(src, dst, expect, readU32(p.AddressSpace(), uaddrSrc), wakeCount, requeueCount)
}

// FUTEX_LOCK_PI and FUTEX_WAIT_REQUEUE_PI are deferred: priority
// inheritance has no meaning without the scheduler priority model
// spec.md §1 excludes, so there is no component left for it to
// exercise beyond relabeling plain Wait/Wake, which would not be a
// real implementation of PI semantics.
