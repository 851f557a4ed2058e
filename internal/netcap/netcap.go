// Package netcap is the "platform networking module" collaborator named by
// spec.md §6: bind/connect/accept/recv/send/close plus a non-blocking-mode
// toggle and a timed recv variant. The SOCKET/ACCEPT/SET_BLOCK opcodes need
// raw fd-level control (timed recv via poll, O_NONBLOCK toggling, and the
// UDP "accept" fd-swap convention) that the stdlib net package doesn't
// expose, so the concrete implementation reaches into golang.org/x/sys/unix
// the same way the rest of this retrieval pack's low-level Linux I/O code
// does.
package netcap

import (
	"time"
)

// Proto selects the socket's transport protocol.
type Proto int

const (
	TCP Proto = iota
	UDP
)

// Mode is the blocking-mode argument to SetBlocking.
type Mode int

const (
	Block Mode = iota
	Nonblock
)

// TimeoutInfinite is the RECV opcode's sentinel timeout value requesting
// the blocking recv variant instead of a timed one.
const TimeoutInfinite = ^uint32(0)

// Capability is the networking surface the dispatcher depends on. The
// production implementation is Host (host_linux.go); tests substitute a fake.
type Capability interface {
	// Bind creates, binds, and (for TCP) listens on host:port. Returns a
	// new fd.
	Bind(proto Proto, host, port string) (fd int, err error)
	// Connect creates and connects a socket to host:port. Returns a new
	// fd.
	Connect(proto Proto, host, port string) (fd int, err error)
	// Accept accepts a connection on a bound TCP fd, or for UDP performs
	// the repo's fd-swap convention: it returns a freshly bound fd to
	// replace bindFD (since UDP has no separate "accepted" socket) and
	// the original bindFD reinterpreted as the client fd. See Open
	// Question (b): preserved verbatim for target compatibility.
	Accept(bindFD int, proto Proto) (newBindFD, clientFD int, peer string, err error)
	// SetBlocking toggles O_NONBLOCK on fd.
	SetBlocking(fd int, mode Mode) error
	// Recv reads up to len(buf) bytes, blocking indefinitely.
	Recv(fd int, buf []byte) (int, error)
	// RecvTimeout reads up to len(buf) bytes, returning a timeout error
	// if none arrive within timeout.
	RecvTimeout(fd int, buf []byte, timeout time.Duration) (int, error)
	// Send writes data, returning the number of bytes actually sent.
	Send(fd int, data []byte) (int, error)
	// Close releases the socket.
	Close(fd int) error
}
