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

// Multiplexing family: poll(2) and select(2), both expressed as the
// same "snapshot every fd, register a shared waker on each, re-snapshot,
// park" loop poll.WaitFor uses for a single object (spec.md §4.1), only
// fanned out across N Pollables instead of one. epoll_wait is handled
// separately in fds.go since epoll already does its own internal
// fan-in. Grounded on
// original_source/api/src/syscall/fd/poll.rs's sys_ppoll/sys_pselect6.
package dispatch

import (
	"context"
	"time"

	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/proc"
)

// PollItem names one fd and the events a poll(2)/select(2) caller
// wants to know about.
type PollItem struct {
	Fd         int
	Interested poll.Events
}

// Poll implements poll(2)/ppoll(2): returns, for each item, the subset
// of Interested that was ready, in the same order as items. A zero
// deadline blocks until at least one fd is ready or ctx is cancelled;
// a non-zero deadline returns with every Events zero once it elapses.
func (d *Dispatcher) Poll(ctx context.Context, cur *proc.Thread, items []PollItem, deadline time.Time) ([]poll.Events, error) {
	defer d.bindCurrent(cur)()
	fds := cur.Process().FDs()
	files := make([]poll.Pollable, len(items))
	for i, it := range items {
		f, err := fds.Get(it.Fd)
		if err != nil {
			return nil, err
		}
		files[i] = f
	}

	snapshot := func() []poll.Events {
		out := make([]poll.Events, len(items))
		for i, f := range files {
			out[i] = f.PollSnapshot() & items[i].Interested
		}
		return out
	}
	anyReady := func(ev []poll.Events) bool {
		for _, e := range ev {
			if e != 0 {
				return true
			}
		}
		return false
	}

	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		if ev := snapshot(); anyReady(ev) {
			return ev, nil
		}

		w := poll.NewWaker()
		for i, f := range files {
			f.Register(w, items[i].Interested)
		}

		if ev := snapshot(); anyReady(ev) {
			return ev, nil
		}

		select {
		case <-w.Done():
			continue
		case <-waitCtx.Done():
			if !deadline.IsZero() && waitCtx.Err() == context.DeadlineExceeded {
				return make([]poll.Events, len(items)), nil
			}
			return nil, ctx.Err()
		}
	}
}

// Select implements select(2)/pselect6(2) in terms of Poll: nfds bounds
// which descriptors in readFds/writeFds/exceptFds participate, matching
// the historical select(2) contract of "fd must be < nfds to count".
func (d *Dispatcher) Select(ctx context.Context, cur *proc.Thread, nfds int, readFds, writeFds, exceptFds []int, deadline time.Time) (readyRead, readyWrite, readyExcept []int, err error) {
	defer d.bindCurrent(cur)()
	var items []PollItem
	index := make(map[int][3]bool)
	add := func(fd int, mask poll.Events, slot int) {
		if fd < 0 || fd >= nfds {
			return
		}
		entry := index[fd]
		entry[slot] = true
		index[fd] = entry
	}
	for _, fd := range readFds {
		add(fd, poll.In, 0)
	}
	for _, fd := range writeFds {
		add(fd, poll.Out, 1)
	}
	for _, fd := range exceptFds {
		add(fd, poll.Err, 2)
	}

	fdList := make([]int, 0, len(index))
	for fd, flags := range index {
		var mask poll.Events
		if flags[0] {
			mask |= poll.In
		}
		if flags[1] {
			mask |= poll.Out
		}
		if flags[2] {
			mask |= poll.Err
		}
		items = append(items, PollItem{Fd: fd, Interested: mask})
		fdList = append(fdList, fd)
	}

	ev, err := d.Poll(ctx, cur, items, deadline)
	if err != nil {
		return nil, nil, nil, err
	}
	for i, fd := range fdList {
		if ev[i]&poll.In != 0 {
			readyRead = append(readyRead, fd)
		}
		if ev[i]&poll.Out != 0 {
			readyWrite = append(readyWrite, fd)
		}
		if ev[i]&poll.Err != 0 {
			readyExcept = append(readyExcept, fd)
		}
	}
	return readyRead, readyWrite, readyExcept, nil
}
