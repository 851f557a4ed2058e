package netcap

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Host is the concrete Capability implementation backed by raw Linux
// sockets.
type Host struct{}

var _ Capability = Host{}

func sockType(proto Proto) int {
	if proto == UDP {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

func resolveSockaddr(host, port string) (unix.Sockaddr, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("netcap: bad port %q: %w", port, err)
	}
	ips, err := lookupIPv4(host)
	if err != nil {
		return nil, err
	}
	var addr [4]byte
	copy(addr[:], ips)
	return &unix.SockaddrInet4{Port: p, Addr: addr}, nil
}

func (Host) Bind(proto Proto, host, port string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, sockType(proto), 0)
	if err != nil {
		return 0, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa, err := resolveSockaddr(host, port)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if proto == TCP {
		if err := unix.Listen(fd, 16); err != nil {
			unix.Close(fd)
			return 0, err
		}
	}
	return fd, nil
}

func (Host) Connect(proto Proto, host, port string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, sockType(proto), 0)
	if err != nil {
		return 0, err
	}
	sa, err := resolveSockaddr(host, port)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// Accept implements the repo's UDP accept-swap convention (Open Question
// (b)): for TCP it is a normal accept(2); for UDP there is no separate
// "accepted" socket, so the original bound fd becomes the client fd and a
// fresh socket is bound in its place as the new listener.
func (h Host) Accept(bindFD int, proto Proto) (newBindFD, clientFD int, peer string, err error) {
	if proto == UDP {
		// The bound socket already receives datagrams from any peer;
		// hand it to the caller as the "client" fd and rebind a new
		// socket to the same local address to keep listening.
		lsa, lerr := unix.Getsockname(bindFD)
		if lerr != nil {
			return 0, 0, "", lerr
		}
		inet4, ok := lsa.(*unix.SockaddrInet4)
		if !ok {
			return 0, 0, "", fmt.Errorf("netcap: unexpected local sockaddr type")
		}
		newFD, nerr := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if nerr != nil {
			return 0, 0, "", nerr
		}
		_ = unix.SetsockoptInt(newFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if berr := unix.Bind(newFD, inet4); berr != nil {
			unix.Close(newFD)
			return 0, 0, "", berr
		}
		return newFD, bindFD, "", nil
	}

	connFD, sa, aerr := unix.Accept(bindFD)
	if aerr != nil {
		return 0, 0, "", aerr
	}
	peer = sockaddrIP(sa)
	return bindFD, connFD, peer, nil
}

func (Host) SetBlocking(fd int, mode Mode) error {
	return unix.SetNonblock(fd, mode == Nonblock)
}

func (Host) Recv(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func (Host) RecvTimeout(fd int, buf []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("netcap: recv timeout")
	}
	return unix.Read(fd, buf)
}

func (Host) Send(fd int, data []byte) (int, error) {
	return unix.Write(fd, data)
}

func (Host) Close(fd int) error {
	return unix.Close(fd)
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
	default:
		return ""
	}
}
