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

// Package futex implements the keyed wait-queue tables of spec.md
// §4.6: WAIT/WAIT_BITSET, WAKE/WAKE_BITSET, REQUEUE/CMP_REQUEUE, and
// the owner-death bookkeeping the robust-list walk at thread exit
// relies on. Grounded closely on
// original_source/api/src/imp/futex.rs's sys_futex match arms and
// exit_robust_list/handle_futex_death — this is closer to a literal
// translation than most of this kernel core's packages because the
// spec pins down exact return codes per branch (EAGAIN, EOWNERDEAD,
// ETIMEDOUT) that must match precisely.
package futex

import (
	"context"
	"sync"
	"time"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
)

// RobustListLimit bounds the robust-list walk at thread exit, per
// spec.md §4.5/§9, to the same 2048-entry cap the teacher's
// exit_robust_list uses against cyclic lists.
const RobustListLimit = 2048

// AnyBitset is FUTEX_BITSET_MATCH_ANY: passing it to Wake/WaitBitset
// disables bitset filtering, matching plain FUTEX_WAKE/FUTEX_WAIT.
const AnyBitset uint32 = ^uint32(0)

// Key identifies a futex word. Private keys are scoped to one address
// space (the common case, for futexes in non-shared anonymous
// memory); Shared keys are scoped to a backing inode and offset, so
// that two processes mapping the same file with MAP_SHARED contend on
// the same futex. Resolving which kind applies to a given user
// address is the VM layer's job (spec.md §4.6 "resolved by looking up
// the region in the address space at wait time"); this package only
// stores whichever key it is given.
type Key struct {
	private       bool
	addressSpace  uint64
	address       uint64
	inode         uint64
	fileOffset    uint64
}

// PrivateKey builds a key scoped to one address space.
func PrivateKey(addressSpaceID, address uint64) Key {
	return Key{private: true, addressSpace: addressSpaceID, address: address}
}

// SharedKey builds a key scoped to a backing inode and offset.
func SharedKey(inodeID, fileOffset uint64) Key {
	return Key{private: false, inode: inodeID, fileOffset: fileOffset}
}

type waiter struct {
	w      *poll.Waker
	bitset uint32
}

// entry is one futex's wait queue: the waiters parked on it and
// whether its owning thread died while holding it (for PI-adjacent
// robust-mutex semantics spec.md §4.5 describes).
type entry struct {
	mu        sync.Mutex
	waiters   []*waiter
	ownerDead bool
}

func (e *entry) empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters) == 0
}

// Table is a process's futex table: one for private keys and, in
// practice, a second shared instance of this same type keyed by
// (inode, offset) for MAP_SHARED futexes — spec.md §4.6 requires the
// two key kinds to index different tables, which the caller enforces
// by maintaining two Table values rather than this type branching
// internally on Key.private.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewTable returns an empty futex table.
func NewTable() *Table {
	return &Table{entries: make(map[Key]*entry)}
}

func (t *Table) getOrInsert(key Key) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

func (t *Table) get(key Key) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// gc drops key's entry once its wait queue is empty, implementing
// spec.md §4.6's "garbage-collected when their queue becomes empty and
// no other handle holds them" (the only "handle" this implementation
// hands out is a waiter registration, so emptiness is sufficient).
func (t *Table) gc(key Key, e *entry) {
	if !e.empty() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[key]; ok && cur == e && e.empty() {
		delete(t.entries, key)
	}
}

// Wait implements FUTEX_WAIT/FUTEX_WAIT_BITSET: read re-loads *uaddr
// (a callback since crossing into user memory is the VM layer's
// concern, not this package's); if it doesn't equal expect, EAGAIN.
// Otherwise park on key's queue, recording bitset so a later
// WAKE_BITSET can select this waiter, until woken, the deadline
// elapses, or ctx is cancelled. AnyBitset disables bitset filtering,
// the plain-FUTEX_WAIT case.
func (t *Table) Wait(ctx context.Context, key Key, expect uint32, read func() (uint32, error), bitset uint32, deadline time.Time) error {
	v, err := read()
	if err != nil {
		return err
	}
	if v != expect {
		return errno.EAGAIN
	}

	e := t.getOrInsert(key)
	w := poll.NewWaker()
	e.mu.Lock()
	e.waiters = append(e.waiters, &waiter{w: w, bitset: bitset})
	e.mu.Unlock()

	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	select {
	case <-w.Done():
	case <-waitCtx.Done():
		e.removeWaiter(w)
		t.gc(key, e)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errno.ETIMEDOUT
	}

	e.mu.Lock()
	dead := e.ownerDead
	if dead {
		e.ownerDead = false
	}
	e.mu.Unlock()
	t.gc(key, e)
	if dead {
		return errno.EOWNERDEAD
	}
	return nil
}

func (e *entry) removeWaiter(target *poll.Waker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w.w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Wake implements FUTEX_WAKE/FUTEX_WAKE_BITSET: fires up to count
// waiters whose recorded bitset intersects bitset (AnyBitset for the
// plain, unfiltered FUTEX_WAKE), in queue order, and returns how many
// were actually woken.
func (t *Table) Wake(key Key, count int, bitset uint32) int {
	e, ok := t.get(key)
	if !ok {
		return 0
	}
	woken := t.wakeFrom(e, count, bitset)
	t.gc(key, e)
	return woken
}

func (t *Table) wakeFrom(e *entry, count int, bitset uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var remaining []*waiter
	woken := 0
	for _, w := range e.waiters {
		if woken < count && w.bitset&bitset != 0 {
			w.w.Fire()
			woken++
			continue
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining
	return woken
}

// Requeue implements FUTEX_REQUEUE (expect == nil) and FUTEX_CMP_REQUEUE
// (expect != nil, re-checked via read before anything else happens):
// wake up to wakeCount waiters on src, then move up to requeueCount of
// the remainder onto dst without waking them, so a later Wake(dst, ...)
// can reach them.
func (t *Table) Requeue(src, dst Key, expect *uint32, read func() (uint32, error), wakeCount, requeueCount int) (int, error) {
	if expect != nil {
		v, err := read()
		if err != nil {
			return 0, err
		}
		if v != *expect {
			return 0, errno.EAGAIN
		}
	}

	srcEntry, ok := t.get(src)
	if !ok {
		return 0, nil
	}
	woken := t.wakeFrom(srcEntry, wakeCount, AnyBitset)
	total := woken

	if woken == wakeCount && requeueCount > 0 {
		dstEntry := t.getOrInsert(dst)
		srcEntry.mu.Lock()
		n := requeueCount
		if n > len(srcEntry.waiters) {
			n = len(srcEntry.waiters)
		}
		moved := srcEntry.waiters[:n]
		srcEntry.waiters = srcEntry.waiters[n:]
		srcEntry.mu.Unlock()

		dstEntry.mu.Lock()
		dstEntry.waiters = append(dstEntry.waiters, moved...)
		dstEntry.mu.Unlock()

		total += len(moved)
	}

	t.gc(src, srcEntry)
	return total, nil
}

// MarkOwnerDeadAndWakeOne implements handle_futex_death: mark key's
// futex owner-dead and wake exactly one waiter (who will observe
// ownerDead and return EOWNERDEAD from Wait), as the robust-list walk
// does for each live node at thread exit. A key with no waiters (no
// entry at all) is a silent no-op, matching the teacher's "if let
// Some(futex) = ... else return Ok(())".
func (t *Table) MarkOwnerDeadAndWakeOne(key Key) {
	e, ok := t.get(key)
	if !ok {
		return
	}
	e.mu.Lock()
	e.ownerDead = true
	e.mu.Unlock()
	t.wakeFrom(e, 1, AnyBitset)
	t.gc(key, e)
}
