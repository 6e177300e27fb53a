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

// Package epoll implements the Epoll FileLike variant (spec.md §4.4),
// grounded closely on original_source/api/src/file/epoll.rs — the
// waker-swap idempotency trick there ("swap ready from false to true;
// only the swap that returns false enqueues") is reproduced near
// verbatim because spec.md §8 invariant 4 pins down that exact behavior
// as testable: a storm of wakes between two epoll_wait calls must
// produce exactly one emitted event per level-triggered interest.
package epoll

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// Flags mirror EPOLLET/EPOLLONESHOT.
type Flags uint32

const (
	EdgeTrigger Flags = 1 << iota
	OneShot
)

// Event is what epoll_wait reports for one ready interest.
type Event struct {
	Events   poll.Events
	UserData uint64
}

// key identifies one interest uniquely across fd reuse: the fd number
// plus the underlying file's stable identity cookie (spec.md §3: "using
// identity prevents a reused fd pointing to a different file from
// matching an old interest").
type key struct {
	fd       int
	identity uuid.UUID
}

type interest struct {
	key     key
	file    vfs.FileLike
	event   Event
	flags   Flags
	mask    poll.Events
	enabled atomic.Bool
	ready   atomic.Bool
	elem    *list.Element // current position in the ready list, if any
	closed  chan struct{} // closed when this interest is replaced or deleted
}

func (i *interest) poll() (Event, bool) {
	events := i.file.PollSnapshot()
	if events.Intersects(i.mask) {
		stillReady := i.flags&(EdgeTrigger|OneShot) == 0
		return Event{Events: events, UserData: i.event.UserData}, stillReady
	}
	return Event{}, false
}

// Epoll is the epoll instance FileLike. Its memory layout follows
// spec.md §4.4 exactly: an interest map keyed by (fd, identity), a ready
// list of plain references (an interest is removed from the map only by
// Delete; closing the watched fd does not remove it, so the interest
// keeps its file reachable until Delete), and one event set gating
// epoll_wait itself.
type Epoll struct {
	vfs.Base

	mu        sync.Mutex
	interests map[key]*interest
	ready     list.List

	pollReady poll.EventSet
}

// New creates an empty epoll instance, as epoll_create1 does.
func New() *Epoll {
	return &Epoll{Base: vfs.NewBase(), interests: make(map[key]*interest)}
}

func keyFor(fd int, file vfs.FileLike) key {
	return key{fd: fd, identity: file.Identity()}
}

// Add implements EPOLL_CTL_ADD: register a fresh interest and arm it.
func (e *Epoll) Add(fd int, file vfs.FileLike, mask poll.Events, userData uint64, flags Flags) error {
	k := keyFor(fd, file)
	e.mu.Lock()
	if _, exists := e.interests[k]; exists {
		e.mu.Unlock()
		return errno.EEXIST
	}
	in := &interest{
		key:    k,
		file:   file,
		event:  Event{UserData: userData},
		flags:  flags,
		mask:   mask,
		closed: make(chan struct{}),
	}
	in.enabled.Store(true)
	e.interests[k] = in
	e.mu.Unlock()

	e.arm(in)
	return nil
}

// Modify implements EPOLL_CTL_MOD: replace the interest at the same key
// with a fresh one (spec.md §3: "replaced on EPOLL_CTL_MOD (same key,
// fresh interest)") and re-arm.
func (e *Epoll) Modify(fd int, file vfs.FileLike, mask poll.Events, userData uint64, flags Flags) error {
	k := keyFor(fd, file)
	e.mu.Lock()
	old, exists := e.interests[k]
	if !exists {
		e.mu.Unlock()
		return errno.ENOENT
	}
	in := &interest{
		key:    k,
		file:   file,
		event:  Event{UserData: userData},
		flags:  flags,
		mask:   mask,
		closed: make(chan struct{}),
	}
	in.enabled.Store(true)
	e.interests[k] = in
	e.mu.Unlock()
	close(old.closed)

	e.arm(in)
	return nil
}

// Delete implements EPOLL_CTL_DEL.
func (e *Epoll) Delete(fd int, file vfs.FileLike) error {
	k := keyFor(fd, file)
	e.mu.Lock()
	in, ok := e.interests[k]
	if !ok {
		e.mu.Unlock()
		return errno.ENOENT
	}
	delete(e.interests, k)
	e.mu.Unlock()
	close(in.closed)
	return nil
}

// arm registers a waker with the underlying file and fires it
// immediately if the file is already ready, so edge-triggered arming
// never loses the first event (spec.md §4.4 "Arming").
func (e *Epoll) arm(in *interest) {
	if !in.enabled.Load() {
		return
	}
	w := poll.NewWaker()
	go e.waitAndEnqueue(w, in)
	if ev, _ := in.poll(); (ev != Event{}) {
		e.enqueue(in)
		return
	}
	in.file.Register(w, in.mask)
	if ev, _ := in.poll(); (ev != Event{}) {
		e.enqueue(in)
	}
}

// waitAndEnqueue is the long-lived goroutine standing in for the
// kernel-side waker callback in original_source's EntryWaker::wake: when
// w fires, swap ready false->true and only the swap that returns false
// enqueues, exactly matching spec.md §4.4's idempotency requirement. It
// exits without enqueuing if the interest is replaced or deleted first.
func (e *Epoll) waitAndEnqueue(w *poll.Waker, in *interest) {
	select {
	case <-w.Done():
		e.enqueue(in)
	case <-in.closed:
	}
}

func (e *Epoll) enqueue(in *interest) {
	if in.ready.Swap(true) {
		return // already queued
	}
	e.mu.Lock()
	in.elem = e.ready.PushBack(in)
	e.mu.Unlock()
	e.pollReady.Wake()
}

// PollEvents implements epoll_wait's non-blocking inner step (spec.md
// §4.4 "poll_events"): drain up to the ready list's current length,
// re-polling each interest and requeuing level-triggered ones that are
// still ready.
func (e *Epoll) PollEvents(out []Event) (int, error) {
	e.mu.Lock()
	length := e.ready.Len()
	result := 0
	for i := 0; i < length && result < len(out); i++ {
		front := e.ready.Front()
		if front == nil {
			break
		}
		e.ready.Remove(front)
		in := front.Value.(*interest)
		in.elem = nil

		if !in.enabled.Load() {
			continue
		}
		e.mu.Unlock()
		ev, stillReady := in.poll()
		e.mu.Lock()

		if (ev != Event{}) {
			out[result] = ev
			result++
			if in.flags&OneShot != 0 {
				in.enabled.Store(false)
				continue
			}
		}
		if stillReady {
			in.elem = e.ready.PushBack(in)
		} else {
			in.ready.Store(false)
			e.mu.Unlock()
			e.arm(in)
			e.mu.Lock()
		}
	}
	e.mu.Unlock()

	if result == 0 {
		return 0, errno.EAGAIN
	}
	return result, nil
}

// Read/Write are not meaningful on an epoll fd.
func (e *Epoll) Read(buf []byte) (int, error)  { return 0, errno.EINVAL }
func (e *Epoll) Write(buf []byte) (int, error) { return 0, errno.EINVAL }

func (e *Epoll) Stat() (vfs.Kstat, error) { return vfs.DefaultKstat(), nil }

func (e *Epoll) Path() string { return "anon_inode:[eventpoll]" }

// PollSnapshot reports IN iff the ready list is non-empty.
func (e *Epoll) PollSnapshot() poll.Events {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready.Len() == 0 {
		return 0
	}
	return poll.In
}

// Register wires epoll_wait's own blocking loop to poll_ready.
func (e *Epoll) Register(w *poll.Waker, interested poll.Events) {
	if interested.Intersects(poll.In) {
		e.pollReady.Register(w)
	}
}

var _ vfs.FileLike = (*Epoll)(nil)
