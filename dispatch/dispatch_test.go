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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/gokernel/core/futex"
	"github.com/gokernel/core/poll"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vm"
)

type discardWriter struct{}

func (discardWriter) WriteOutput(buf []byte) (int, error) { return len(buf), nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *proc.Thread) {
	t.Helper()
	d := New("test-build", discardWriter{})
	aspace := vm.New(0x1000, 0x7f00_0000_0000, 0x0040_0000)
	_, th := d.Registry.Bootstrap(aspace, "/bin/init", []string{"init"})
	th.SetMemoryOps(&aspaceMemOps{aspace: aspace})
	return d, th
}

func TestMmapAnonWriteReadRoundtrip(t *testing.T) {
	d, cur := newTestDispatcher(t)
	addr, err := d.Mmap(cur, 0, 4096, vm.ProtRead|vm.ProtWrite, vm.FlagPrivate|vm.FlagAnonymous)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	aspace := cur.Process().AddressSpace()
	if err := aspace.CopyOut(addr, []byte("hello")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	buf := make([]byte, 5)
	if err := aspace.CopyIn(buf, addr); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}

	if err := d.Munmap(cur, addr, 4096); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
	if err := aspace.CopyIn(buf, addr); err == nil {
		t.Fatal("expected EFAULT reading unmapped region")
	}
}

func TestCopyInStringStopsAtNUL(t *testing.T) {
	d, cur := newTestDispatcher(t)
	addr, err := d.Mmap(cur, 0, 4096, vm.ProtRead|vm.ProtWrite, vm.FlagPrivate|vm.FlagAnonymous)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	aspace := cur.Process().AddressSpace()
	if err := aspace.CopyOut(addr, []byte("argv0\x00trailing")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	s, err := aspace.CopyInString(addr, 64)
	if err != nil {
		t.Fatalf("CopyInString: %v", err)
	}
	if s != "argv0" {
		t.Fatalf("got %q, want argv0", s)
	}
}

func TestPipe2ReadWrite(t *testing.T) {
	d, cur := newTestDispatcher(t)
	rfd, wfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}

	aspace := cur.Process().AddressSpace()
	addr, err := d.Mmap(cur, 0, 4096, vm.ProtRead|vm.ProtWrite, vm.FlagPrivate|vm.FlagAnonymous)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := aspace.CopyOut(addr, []byte("ping")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	n, err := d.Write(cur, wfd, addr, 4)
	if err != nil || n != 4 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	n, err = d.Read(cur, rfd, addr+4096/2, 4)
	if err != nil || n != 4 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	buf := make([]byte, 4)
	if err := aspace.CopyIn(buf, addr+4096/2); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestEpollReportsWritablePipe(t *testing.T) {
	d, cur := newTestDispatcher(t)
	_, wfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	epfd, err := d.EpollCreate1(cur, 0)
	if err != nil {
		t.Fatalf("EpollCreate1: %v", err)
	}
	if err := d.EpollCtl(cur, epfd, EpollCtlAdd, wfd, poll.Out, 42, 0); err != nil {
		t.Fatalf("EpollCtl: %v", err)
	}
	events, err := d.EpollWait(cur, epfd, 8)
	if err != nil {
		t.Fatalf("EpollWait: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one ready event for a writable pipe")
	}
}

func TestFcntlCloexecRoundtrip(t *testing.T) {
	d, cur := newTestDispatcher(t)
	rfd, _, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	if _, err := d.Fcntl(cur, rfd, FSetfd, FDCloexec); err != nil {
		t.Fatalf("Fcntl FSetfd: %v", err)
	}
	flags, err := d.Fcntl(cur, rfd, FGetfd, 0)
	if err != nil {
		t.Fatalf("Fcntl FGetfd: %v", err)
	}
	if flags != FDCloexec {
		t.Fatalf("got %d, want FD_CLOEXEC", flags)
	}
}

func TestFutexWakeWithNoWaiters(t *testing.T) {
	d, cur := newTestDispatcher(t)
	addr, err := d.Mmap(cur, 0, 4096, vm.ProtRead|vm.ProtWrite, vm.FlagPrivate|vm.FlagAnonymous)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if n := d.FutexWake(cur, addr, true, 1, futex.AnyBitset); n != 0 {
		t.Fatalf("got %d woken, want 0", n)
	}
}

func TestGetppidOfBootstrapProcessIsZero(t *testing.T) {
	_, cur := newTestDispatcher(t)
	if got := cur.Process().ParentPid(); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestKillSelfEnqueuesSignal(t *testing.T) {
	d, cur := newTestDispatcher(t)
	if err := d.Kill(cur, cur.Pid(), 1); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !cur.Process().SignalState().Pending().Has(1) {
		t.Fatal("expected signal 1 pending after self-kill")
	}
}

func TestPollReportsWritablePipeImmediately(t *testing.T) {
	d, cur := newTestDispatcher(t)
	_, wfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := d.Poll(ctx, cur, []PollItem{{Fd: wfd, Interested: poll.Out}}, time.Time{})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ev[0]&poll.Out == 0 {
		t.Fatal("expected pipe write end to be immediately writable")
	}
}

func TestCloseWriteEndSignalsEOFToReader(t *testing.T) {
	d, cur := newTestDispatcher(t)
	rfd, wfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	if err := d.Close(cur, wfd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := d.Poll(ctx, cur, []PollItem{{Fd: rfd, Interested: poll.In | poll.Hup}}, time.Time{})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ev[0]&poll.Hup == 0 {
		t.Fatal("expected reader to observe HUP once the write end is closed")
	}
}

func TestDup2ClosesDisplacedPipeEnd(t *testing.T) {
	d, cur := newTestDispatcher(t)
	_, wfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	victimRfd, victimWfd, err := d.Pipe2(cur, 0)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}

	if _, err := d.Dup2(cur, wfd, victimWfd); err != nil {
		t.Fatalf("Dup2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := d.Poll(ctx, cur, []PollItem{{Fd: victimRfd, Interested: poll.In | poll.Hup}}, time.Time{})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ev[0]&poll.Hup == 0 {
		t.Fatal("expected the victim pipe's read end to observe HUP once dup2 closed its write end")
	}
}

func TestGetpidBindsCurrentForTheDurationOfTheCallOnly(t *testing.T) {
	d, cur := newTestDispatcher(t)

	if _, ok := d.Registry.Self(); ok {
		t.Fatal("expected no bound current thread before any syscall handler ran")
	}
	if got := d.Getpid(cur); got != cur.Pid() {
		t.Fatalf("Getpid: got %d, want %d", got, cur.Pid())
	}
	if _, ok := d.Registry.Self(); ok {
		t.Fatal("expected bindCurrent's deferred unbind to clear the binding once Getpid returned")
	}
}
