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

// Package eventfd implements the EventFd FileLike variant (spec.md §3):
// a 64-bit counter read and write contend over, with semaphore and
// non-semaphore read semantics gated by two event sets. Grounded on
// original_source/api/src/file/event.rs, down to the exact overflow
// check on write (MaxCounter leaves room for the value that would make
// the counter equal u64::MAX, never the value itself).
package eventfd

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// MaxCounter is the largest value the counter may hold without
// overflowing; a write that would push it past this blocks or returns
// EAGAIN, matching eventfd2(2)'s overflow-avoidance rule.
const MaxCounter = ^uint64(0) - 1

type EventFd struct {
	vfs.Base

	semaphore bool

	mu      sync.Mutex
	counter uint64

	pollRead  poll.EventSet
	pollWrite poll.EventSet
}

// New creates an eventfd with the given initial value, as eventfd2(2)
// does. semaphore selects EFD_SEMAPHORE read semantics.
func New(initval uint64, semaphore bool) *EventFd {
	return &EventFd{Base: vfs.NewBase(), counter: initval, semaphore: semaphore}
}

// Read implements the eventfd read contract (spec.md §3 and scenario
// S3): in semaphore mode, a nonzero counter returns 1 and decrements
// the counter by one; otherwise the whole counter is returned and reset
// to zero. Reading when the counter is zero blocks (or returns EAGAIN
// nonblocking).
func (e *EventFd) Read(dst []byte) (int, error) {
	return e.ReadCtx(context.Background(), dst)
}

func (e *EventFd) ReadCtx(ctx context.Context, dst []byte) (int, error) {
	if len(dst) < 8 {
		return 0, errno.EINVAL
	}
	attempt := func() (uint64, bool, error) {
		e.mu.Lock()
		if e.counter == 0 {
			e.mu.Unlock()
			if e.Nonblocking() {
				return 0, true, errno.EAGAIN
			}
			return 0, false, nil
		}
		var out uint64
		if e.semaphore {
			out = 1
			e.counter--
		} else {
			out = e.counter
			e.counter = 0
		}
		e.mu.Unlock()
		e.pollWrite.Wake()
		return out, true, nil
	}
	var v uint64
	var err error
	if e.Nonblocking() {
		v, _, err = attempt()
	} else {
		v, err = poll.WaitFor(ctx, &e.pollRead, attempt)
	}
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(dst, v)
	return 8, nil
}

// Write implements the eventfd write contract: adds the 8-byte
// little-endian value to the counter, blocking (or EAGAIN) if doing so
// would overflow MaxCounter. A written value of ^uint64(0) is rejected
// with EINVAL, matching eventfd2(2).
func (e *EventFd) Write(src []byte) (int, error) {
	return e.WriteCtx(context.Background(), src)
}

func (e *EventFd) WriteCtx(ctx context.Context, src []byte) (int, error) {
	if len(src) < 8 {
		return 0, errno.EINVAL
	}
	add := binary.LittleEndian.Uint64(src)
	if add == ^uint64(0) {
		return 0, errno.EINVAL
	}
	attempt := func() (int, bool, error) {
		e.mu.Lock()
		if e.counter+add > MaxCounter || e.counter+add < e.counter {
			e.mu.Unlock()
			if e.Nonblocking() {
				return 0, true, errno.EAGAIN
			}
			return 0, false, nil
		}
		e.counter += add
		e.mu.Unlock()
		e.pollRead.Wake()
		return 8, true, nil
	}
	if e.Nonblocking() {
		n, _, err := attempt()
		return n, err
	}
	return poll.WaitFor(ctx, &e.pollWrite, attempt)
}

func (e *EventFd) Stat() (vfs.Kstat, error) { return vfs.DefaultKstat(), nil }

func (e *EventFd) Path() string { return "anon_inode:[eventfd]" }

// PollSnapshot reports IN when the counter is nonzero and OUT whenever
// a write that wouldn't overflow is currently possible (almost always).
func (e *EventFd) PollSnapshot() poll.Events {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ev poll.Events
	if e.counter > 0 {
		ev |= poll.In
	}
	if e.counter < MaxCounter {
		ev |= poll.Out
	}
	return ev
}

func (e *EventFd) Register(w *poll.Waker, interested poll.Events) {
	if interested.Intersects(poll.In) {
		e.pollRead.Register(w)
	}
	if interested.Intersects(poll.Out) {
		e.pollWrite.Register(w)
	}
}

var _ vfs.FileLike = (*EventFd)(nil)
