//go:build windows

package eventloop

import (
	"net/netip"

	"golang.org/x/sys/windows"
)

// ListenTCP creates a listening overlapped stream socket bound to addr
// and returns its descriptor and the bound address. Setup is
// synchronous; only accepts go through the driver.
func ListenTCP(addr netip.AddrPort) (int, netip.AddrPort, error) {
	domain := int32(windows.AF_INET)
	if addr.Addr().Is6() {
		domain = windows.AF_INET6
	}
	s, err := windows.WSASocket(domain, windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return InvalidFd, netip.AddrPort{}, err
	}
	_ = windows.SetsockoptInt(s, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)

	var sa windows.Sockaddr
	if addr.Addr().Is6() {
		sa = &windows.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	} else {
		sa = &windows.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	if err := windows.Bind(s, sa); err != nil {
		_ = windows.Closesocket(s)
		return InvalidFd, netip.AddrPort{}, err
	}
	if err := windows.Listen(s, windows.SOMAXCONN); err != nil {
		_ = windows.Closesocket(s)
		return InvalidFd, netip.AddrPort{}, err
	}
	bound, err := windows.Getsockname(s)
	if err != nil {
		_ = windows.Closesocket(s)
		return InvalidFd, netip.AddrPort{}, err
	}
	switch b := bound.(type) {
	case *windows.SockaddrInet4:
		return int(s), netip.AddrPortFrom(netip.AddrFrom4(b.Addr), uint16(b.Port)), nil
	case *windows.SockaddrInet6:
		return int(s), netip.AddrPortFrom(netip.AddrFrom16(b.Addr), uint16(b.Port)), nil
	}
	return int(s), addr, nil
}

// CloseFd releases a descriptor outside the driver.
func CloseFd(fd int) error { return windows.Closesocket(windows.Handle(fd)) }

// ShutdownFd shuts both directions down, which completes a pending
// in-kernel accept or recv on the descriptor; plain close does not.
func ShutdownFd(fd int) error { return windows.Shutdown(windows.Handle(fd), windows.SHUT_RDWR) }
