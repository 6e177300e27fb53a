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

// Package pidfd implements the PidFd FileLike variant (spec.md §3): a
// weak, readable-on-exit reference to a process. Grounded on
// original_source/api/src/file/pidfd.rs, whose Weak<ProcessData> this
// translates directly onto Go 1.24's weak.Pointer — a pidfd must not
// keep its target process alive (pidfd_open does not pin the process
// the way a regular fd pins a file), which is exactly what a weak
// pointer gives us without inventing a parallel liveness flag.
package pidfd

import (
	"weak"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/vfs"
)

// PidFd is a weak, readable-on-exit reference to a process, generic
// over the concrete process type so this package never imports proc —
// keeping the leaf-first package order from spec.md §2. The target's
// exit event set is captured separately at creation time (rather than
// reached through a method on T) so PollSnapshot and Register keep
// working after the target itself is collected.
type PidFd[T any] struct {
	vfs.Base
	ref  weak.Pointer[T]
	exit *poll.EventSet
}

// New creates a pidfd for target, as pidfd_open(2) does.
func New[T any](target *T, exit *poll.EventSet) *PidFd[T] {
	return &PidFd[T]{Base: vfs.NewBase(), ref: weak.Make(target), exit: exit}
}

// Process resolves the weak reference, returning ESRCH once the
// target process has exited and been reaped and nothing else holds a
// strong reference to it.
func (p *PidFd[T]) Process() (*T, error) {
	if v := p.ref.Value(); v != nil {
		return v, nil
	}
	return nil, errno.ESRCH
}

func (p *PidFd[T]) Read(buf []byte) (int, error)  { return 0, errno.EINVAL }
func (p *PidFd[T]) Write(buf []byte) (int, error) { return 0, errno.EINVAL }

func (p *PidFd[T]) Stat() (vfs.Kstat, error) { return vfs.DefaultKstat(), nil }

func (p *PidFd[T]) Path() string { return "anon_inode:[pidfd]" }

// PollSnapshot reports IN once the target has exited, whether because
// the weak reference no longer resolves or because the process's own
// exit event has already fired (pidfd_send_signal and poll both read
// "has this process exited" off the same bit).
func (p *PidFd[T]) PollSnapshot() poll.Events {
	if p.ref.Value() == nil {
		return poll.In
	}
	return 0
}

func (p *PidFd[T]) Register(w *poll.Waker, interested poll.Events) {
	if interested.Intersects(poll.In) {
		p.exit.Register(w)
	}
}

var _ vfs.FileLike = (*PidFd[struct{}])(nil)
