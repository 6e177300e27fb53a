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

// Package errno is the error currency of the whole kernel core. Every
// fallible operation in this module, from fdtable inserts to page-fault
// resolution, returns either nil or an *errno.Error wrapping one of the
// Linux errno family constants from golang.org/x/sys/unix. The syscall
// dispatcher's only job at its outermost layer is to unwrap this type
// into the negative isize the trap frame expects (see spec.md §6/§7).
package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a tagged Linux errno. It implements the standard error
// interface so it composes with errors.Is/errors.As and fmt.Errorf's
// %w verb like any other Go error, but it also carries the concrete
// unix.Errno so syscall-boundary code can recover the wire value.
type Error struct {
	Errno unix.Errno
	// Op optionally names the operation that failed, e.g. "fdtable.Insert".
	// Internal callers should prefer wrapping with fmt.Errorf("...: %w", err)
	// over setting this, reserving Op for leaf call sites with no better context.
	Op string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Errno.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Is reports whether target names the same errno, so callers can write
// errors.Is(err, errno.EAGAIN) regardless of wrapping depth or Op.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Errno == other.Errno
	}
	return errors.Is(e.Errno, target)
}

// New wraps errno as an *Error with no operation name.
func New(errno unix.Errno) *Error {
	return &Error{Errno: errno}
}

// Op wraps errno as an *Error naming the failing operation.
func Op(op string, errno unix.Errno) *Error {
	return &Error{Errno: errno, Op: op}
}

// As extracts the unix.Errno carried by err, walking the error chain.
// ok is false if err is nil or does not wrap an *Error.
func As(err error) (e unix.Errno, ok bool) {
	if err == nil {
		return 0, false
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Errno, true
	}
	return 0, false
}

// ToIsize converts err into the kernel-style isize the trap frame
// returns to user mode: 0 on success, or -errno on failure. Errors that
// do not wrap *Error are reported as -EINVAL, since every internal path
// is expected to return a tagged error by the time it reaches here.
func ToIsize(err error) int64 {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok {
		return -int64(e)
	}
	return -int64(unix.EINVAL)
}

// Convenience constructors for the families named in spec.md §7. These
// are the errno values the kernel core returns most often; less common
// ones are constructed with New(unix.EFOO) at the call site.
var (
	EAGAIN      = New(unix.EAGAIN)
	EBADF       = New(unix.EBADF)
	EBUSY       = New(unix.EBUSY)
	EEXIST      = New(unix.EEXIST)
	EFAULT      = New(unix.EFAULT)
	EINTR       = New(unix.EINTR)
	EINVAL      = New(unix.EINVAL)
	EMFILE      = New(unix.EMFILE)
	ENAMETOOLONG = New(unix.ENAMETOOLONG)
	ENFILE      = New(unix.ENFILE)
	ENOENT      = New(unix.ENOENT)
	ENOMEM      = New(unix.ENOMEM)
	ENOSPC      = New(unix.ENOSPC)
	ENOSYS      = New(unix.ENOSYS)
	ENOTCONN    = New(unix.ENOTCONN)
	ENOTDIR     = New(unix.ENOTDIR)
	ENOTTY      = New(unix.ENOTTY)
	ENXIO       = New(unix.ENXIO)
	EOWNERDEAD  = New(unix.EOWNERDEAD)
	EPERM       = New(unix.EPERM)
	EPIPE       = New(unix.EPIPE)
	ESRCH       = New(unix.ESRCH)
	ETIMEDOUT   = New(unix.ETIMEDOUT)
	E2BIG       = New(unix.E2BIG)
	ECHILD      = New(unix.ECHILD)
	EISCONN     = New(unix.EISCONN)
	ELOOP       = New(unix.ELOOP)
	EACCES      = New(unix.EACCES)
	EOPNOTSUPP  = New(unix.EOPNOTSUPP)
	ECONNREFUSED = New(unix.ECONNREFUSED)
	ECONNRESET  = New(unix.ECONNRESET)
	EADDRINUSE  = New(unix.EADDRINUSE)
	EHOSTUNREACH = New(unix.EHOSTUNREACH)
)
