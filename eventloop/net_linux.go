//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// Socket constants re-exported so protocol layers stay platform-free.
const (
	AFInet     = unix.AF_INET
	AFInet6    = unix.AF_INET6
	SockStream = unix.SOCK_STREAM
)
