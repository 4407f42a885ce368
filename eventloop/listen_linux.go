//go:build linux

package eventloop

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a listening stream socket bound to addr and returns
// its descriptor and the bound address (the port resolved when addr
// asked for 0). Setup is synchronous; only accepts go through the
// driver.
func ListenTCP(addr netip.AddrPort) (int, netip.AddrPort, error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return InvalidFd, netip.AddrPort{}, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if addr.Addr().Is6() {
		sa = &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	} else {
		sa = &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return InvalidFd, netip.AddrPort{}, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return InvalidFd, netip.AddrPort{}, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return InvalidFd, netip.AddrPort{}, err
	}
	switch b := bound.(type) {
	case *unix.SockaddrInet4:
		return fd, netip.AddrPortFrom(netip.AddrFrom4(b.Addr), uint16(b.Port)), nil
	case *unix.SockaddrInet6:
		return fd, netip.AddrPortFrom(netip.AddrFrom16(b.Addr), uint16(b.Port)), nil
	}
	return fd, addr, nil
}

// CloseFd releases a descriptor outside the driver.
func CloseFd(fd int) error { return unix.Close(fd) }

// ShutdownFd shuts both directions down, which completes a pending
// in-kernel accept or recv on the descriptor; plain close does not.
func ShutdownFd(fd int) error { return unix.Shutdown(fd, unix.SHUT_RDWR) }
