//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// AtCwd anchors relative paths at the working directory.
const AtCwd = unix.AT_FDCWD

func openModeFlags(m OpenMode) int {
	switch m {
	case OpenWrite:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case OpenReadWrite:
		return unix.O_RDWR | unix.O_CREAT
	case OpenAppend:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	case OpenDirectory:
		return unix.O_RDONLY | unix.O_DIRECTORY
	default:
		return unix.O_RDONLY
	}
}
