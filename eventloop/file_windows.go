//go:build windows

package eventloop

import "syscall"

// AtCwd anchors relative paths at the working directory. Windows opens
// are always cwd-relative; the value is a placeholder.
const AtCwd = 0

func openModeFlags(m OpenMode) int {
	switch m {
	case OpenWrite:
		return syscall.O_WRONLY | syscall.O_CREAT | syscall.O_TRUNC
	case OpenReadWrite:
		return syscall.O_RDWR | syscall.O_CREAT
	case OpenAppend:
		return syscall.O_WRONLY | syscall.O_CREAT | syscall.O_APPEND
	case OpenDirectory:
		return syscall.O_RDONLY
	default:
		return syscall.O_RDONLY
	}
}
