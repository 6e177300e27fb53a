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

// Package poll implements the pollable contract described in spec.md
// §4.1: every object a thread can block on (pipes, sockets, eventfds,
// epoll instances, ttys, pidfds, futex-backed waits) exposes a
// non-blocking readiness snapshot and a waker-registration hook, and
// every blocking syscall is built from the same
// "snapshot -> register -> re-snapshot -> park -> retry" loop.
package poll

import (
	"context"
	"sync"
	"time"
)

// Events is a bitset over the readiness flags a Pollable can report.
// The names and bit positions follow Linux's poll(2)/epoll event flags
// closely enough that dispatch can translate them directly into
// POLLIN/EPOLLIN etc. without a lookup table.
type Events uint32

const (
	In Events = 1 << iota
	Out
	Err
	Hup
	Pri
	RdNorm
	WrNorm
	RdBand
	WrBand
	// AlwaysPoll marks objects (e.g. regular files) whose readiness is
	// trivially always true and which therefore never need a waker.
	AlwaysPoll
)

func (e Events) Intersects(mask Events) bool { return e&mask != 0 }
func (e Events) Contains(mask Events) bool   { return e&mask == mask }

// Pollable is implemented by every FileLike variant and by any other
// object a thread can suspend on. PollSnapshot must never block, and any
// transition it would reveal must eventually fire a waker registered
// before that transition happened — see the package doc for why ordering
// matters.
type Pollable interface {
	PollSnapshot() Events
	Register(w *Waker, interested Events)
}

// Waker is a one-shot notification sink. Fire is safe to call from any
// goroutine (including ones standing in for interrupt context) and is
// idempotent: only the first Fire after a Reset takes effect, matching
// the "at most once queued per consumption cycle" requirement epoll and
// friends depend on.
type Waker struct {
	once sync.Once
	ch   chan struct{}
}

// NewWaker returns a Waker ready to be registered and waited on.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{})}
}

// Fire wakes anyone parked on this Waker. Repeated calls are no-ops.
func (w *Waker) Fire() {
	w.once.Do(func() { close(w.ch) })
}

// Done returns a channel that closes when Fire is called, suitable for
// use in a select alongside a context's Done channel or a timer.
func (w *Waker) Done() <-chan struct{} { return w.ch }

// EventSet is a list of wakers that all fire together when some
// condition transitions to true. It is the shared building block behind
// pipe's poll_rx/poll_tx/poll_close, eventfd's reader/writer gates, and
// epoll's own poll_ready — see spec.md §3/§5 for the inventory of
// per-object event sets and their locking policy (a short-held mutex
// per set).
type EventSet struct {
	mu      sync.Mutex
	wakers  []*Waker
}

// Register adds w to the set. The caller is responsible for having
// taken a fresh readiness snapshot after calling Register (the
// "register then re-check" rule); EventSet itself only stores the
// waker, it performs no snapshotting.
func (s *EventSet) Register(w *Waker) {
	s.mu.Lock()
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()
}

// Wake fires every registered waker and clears the set. Firing drains
// the list rather than leaving it for the next Wake because a Waker can
// only usefully fire once per park cycle; callers that remain interested
// re-register on their next snapshot-register-recheck pass.
func (s *EventSet) Wake() {
	s.mu.Lock()
	wakers := s.wakers
	s.wakers = nil
	s.mu.Unlock()
	for _, w := range wakers {
		w.Fire()
	}
}

// ErrTimedOut is returned by WaitFor when the deadline elapses before
// the predicate becomes true.
type ErrTimedOut struct{}

func (ErrTimedOut) Error() string { return "timed out" }

// WaitFor implements the register-before-recheck blocking loop described
// in spec.md §4.1. attempt should perform a non-blocking try and return
// (result, true) on success, or the zero value and false if it would
// block. WaitFor registers a waker on set, re-attempts to guard against a
// missed wakeup, and only then parks; on wakeup it loops back to
// attempt. ctx cancellation (including a signal-delivery cancel installed
// by the caller) surfaces as ctx.Err().
func WaitFor[T any](ctx context.Context, set *EventSet, attempt func() (T, bool, error)) (T, error) {
	for {
		if v, ok, err := attempt(); ok || err != nil {
			return v, err
		}

		w := NewWaker()
		set.Register(w)

		// Re-check after registering: the condition may have become
		// true between the failed attempt above and the Register call.
		if v, ok, err := attempt(); ok || err != nil {
			return v, err
		}

		select {
		case <-w.Done():
			continue
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// WaitDeadline wraps WaitFor with an optional deadline, matching the
// timeout-composition rule in spec.md §4.1: a zero deadline means "wait
// forever", a non-zero one parks with a timer and returns ErrTimedOut on
// expiry instead of propagating ctx.Err().
func WaitDeadline[T any](ctx context.Context, deadline time.Time, set *EventSet, attempt func() (T, bool, error)) (T, error) {
	if deadline.IsZero() {
		return WaitFor(ctx, set, attempt)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	v, err := WaitFor(dctx, set, attempt)
	if err != nil && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var zero T
		return zero, ErrTimedOut{}
	}
	return v, err
}
