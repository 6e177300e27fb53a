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

// Package socket implements the Socket FileLike variant (spec.md §3:
// "delegates to an underlying TCP or UDP engine; carries nonblocking
// flag"). Grounded on original_source/api/src/file/net.rs's Udp/Tcp
// enum-of-engines shape, but since the TCP/UDP protocol engine itself
// is an out-of-scope external collaborator (spec.md §1), the delegate
// here is the standard library's net package rather than a reimplemented
// wire stack — exactly the role axnet played for original_source.
package socket

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vfs"
)

// Kind distinguishes the two engines Socket can delegate to, mirroring
// net.rs's Socket::Udp/Socket::Tcp split.
type Kind int

const (
	TCP Kind = iota
	UDP
)

// Socket is the FileLike variant every socket(2) fd resolves to. It
// wraps whichever concrete net.Conn/net.PacketConn the connect/accept/
// bind path produced; Read/Write/Stat/poll are the only methods dispatch
// needs generically, with bind/connect/listen/accept reached through the
// richer methods below (dispatch's net family type-asserts as needed).
type Socket struct {
	vfs.Base
	kind Kind

	mu       sync.Mutex
	conn     net.Conn       // set once connected (TCP) or always (UDP after Connect)
	listener net.Listener   // set once Listen succeeds (TCP only)
	packet   net.PacketConn // set for a bound, unconnected UDP socket

	localAddr string // captured at Bind time for a not-yet-connected UDP socket
}

// New creates an unbound/unconnected socket of the given kind, as
// socket(2) does before any bind/connect/listen call.
func New(kind Kind) *Socket {
	return &Socket{Base: vfs.NewBase(), kind: kind}
}

// Bind implements bind(2): for UDP, opens the local endpoint
// immediately since UDP has no separate listen step; for TCP, just
// records the address for a subsequent Listen.
func (s *Socket) Bind(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == UDP {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return errno.Op("socket.Bind", errnoFromDial(err))
		}
		s.packet = pc
		return nil
	}
	s.localAddr = addr
	return nil
}

// Listen implements listen(2); only meaningful for TCP, as UDP has no
// connection backlog (matches net.rs returning EOPNOTSUPP for UDP).
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != TCP {
		return errno.EOPNOTSUPP
	}
	l, err := net.Listen("tcp", s.localAddr)
	if err != nil {
		return errno.Op("socket.Listen", errnoFromDial(err))
	}
	s.listener = l
	return nil
}

// Accept implements accept(2)/accept4(2); only meaningful for TCP.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if s.kind != TCP || l == nil {
		return nil, errno.EOPNOTSUPP
	}
	conn, err := l.Accept()
	if err != nil {
		return nil, errno.Op("socket.Accept", errnoFromDial(err))
	}
	accepted := New(TCP)
	accepted.conn = conn
	return accepted, nil
}

// Connect implements connect(2). For UDP this only records the peer
// (matching a connected-UDP socket's semantics); for TCP it dials.
func (s *Socket) Connect(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	network := "tcp"
	if s.kind == UDP {
		network = "udp"
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return errno.Op("socket.Connect", errnoFromDial(err))
	}
	s.conn = conn
	return nil
}

// Shutdown implements shutdown(2): half- or full-close depending on
// how; this kernel core only models full shutdown (both directions),
// matching the TCP socket's own Shutdown in net.rs's impl_socket! set.
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	if s.packet != nil {
		return s.packet.Close()
	}
	return nil
}

func (s *Socket) Read(buf []byte) (int, error) {
	return s.Recv(buf)
}

func (s *Socket) Write(buf []byte) (int, error) {
	return s.Send(buf)
}

// Recv implements recv(2)/recvfrom(2)'s connected path.
func (s *Socket) Recv(buf []byte) (int, error) {
	s.mu.Lock()
	conn, packet, nonblock := s.conn, s.packet, s.Nonblocking()
	s.mu.Unlock()
	if conn != nil {
		if nonblock {
			conn.SetReadDeadline(time.Now())
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		n, err := conn.Read(buf)
		return n, translateTimeout(err)
	}
	if packet != nil {
		if nonblock {
			packet.SetReadDeadline(time.Now())
		} else {
			packet.SetReadDeadline(time.Time{})
		}
		n, _, err := packet.ReadFrom(buf)
		return n, translateTimeout(err)
	}
	return 0, errno.ENOTCONN
}

// Send implements send(2)'s connected path.
func (s *Socket) Send(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, errno.ENOTCONN
	}
	n, err := conn.Write(buf)
	if err != nil {
		return n, errno.Op("socket.Send", errnoFromDial(err))
	}
	return n, nil
}

// SendTo implements sendto(2) on an unconnected UDP socket; a UDP
// socket not yet bound is bound to an ephemeral local port first,
// matching net.rs's "must bind before sendto" comment.
func (s *Socket) SendTo(buf []byte, addr string) (int, error) {
	s.mu.Lock()
	if s.kind != UDP {
		s.mu.Unlock()
		return 0, errno.EISCONN
	}
	if s.packet == nil {
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			s.mu.Unlock()
			return 0, errno.Op("socket.SendTo", errnoFromDial(err))
		}
		s.packet = pc
	}
	packet := s.packet
	s.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, errno.EINVAL
	}
	n, err := packet.WriteTo(buf, raddr)
	if err != nil {
		return n, errno.Op("socket.SendTo", errnoFromDial(err))
	}
	return n, nil
}

// RecvFrom implements recvfrom(2).
func (s *Socket) RecvFrom(buf []byte) (int, string, error) {
	s.mu.Lock()
	packet, conn := s.packet, s.conn
	s.mu.Unlock()
	if packet != nil {
		n, addr, err := packet.ReadFrom(buf)
		if err != nil {
			return n, "", translateTimeout(err)
		}
		return n, addr.String(), nil
	}
	if conn != nil {
		n, err := conn.Read(buf)
		return n, conn.RemoteAddr().String(), translateTimeout(err)
	}
	return 0, "", errno.ENOTCONN
}

func (s *Socket) LocalAddr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr().String(), nil
	case s.listener != nil:
		return s.listener.Addr().String(), nil
	case s.packet != nil:
		return s.packet.LocalAddr().String(), nil
	default:
		return "", errno.EINVAL
	}
}

func (s *Socket) PeerAddr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return "", errno.ENOTCONN
	}
	return s.conn.RemoteAddr().String(), nil
}

const sIFSOCK = 0o140000

// Stat reports the fixed, not-really-implemented socket stat block
// spec.md's Socket variant calls for ("carries nonblocking flag"),
// matching net.rs's Kstat literal verbatim in spirit.
func (s *Socket) Stat() (vfs.Kstat, error) {
	k := vfs.DefaultKstat()
	k.Mode = sIFSOCK | 0o777
	return k, nil
}

func (s *Socket) Path() string { return "socket:[0]" }

var _ vfs.FileLike = (*Socket)(nil)

// translateTimeout maps a net.Conn/net.PacketConn deadline-exceeded
// error (how this package implements nonblocking reads) to EAGAIN, and
// anything else through the same table errnoFromDial uses.
func translateTimeout(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errno.EAGAIN
	}
	return errno.Op("socket.io", errnoFromDial(err))
}

// errnoFromDial maps a Go net package error onto the closest Linux
// errno, walking the wrapped syscall.Errno when one is present and
// falling back to ECONNREFUSED for generic dial/connect failures,
// since that is what a failed TCP connect most often surfaces as.
func errnoFromDial(err error) unix.Errno {
	var se syscall.Errno
	if errors.As(err, &se) {
		return unix.Errno(se)
	}
	if errors.Is(err, net.ErrClosed) {
		return unix.EBADF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return unix.EAGAIN
	}
	return unix.ECONNREFUSED
}
