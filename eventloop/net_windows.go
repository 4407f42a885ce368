//go:build windows

package eventloop

import "golang.org/x/sys/windows"

// Socket constants re-exported so protocol layers stay platform-free.
const (
	AFInet     = windows.AF_INET
	AFInet6    = windows.AF_INET6
	SockStream = windows.SOCK_STREAM
)
