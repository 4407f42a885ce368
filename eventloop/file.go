package eventloop

import (
	"context"
	"errors"
)

// OpenMode selects how [File.Open] opens its path.
type OpenMode uint8

const (
	// OpenRead opens read-only; the file must exist.
	OpenRead OpenMode = iota
	// OpenWrite opens write-only, creating and truncating.
	OpenWrite
	// OpenReadWrite opens read-write, creating when absent.
	OpenReadWrite
	// OpenAppend opens write-only with writes forced to the tail.
	OpenAppend
	// OpenDirectory opens a directory handle.
	OpenDirectory
)

// ErrFileNotOpen is returned by File operations before a successful Open.
var ErrFileNotOpen = errors.New("eventloop: file not open")

// File is an asynchronous file handle driven by the loop's event driver.
// Reads and writes carry an explicit offset, advanced by the File.
type File struct {
	io     IO
	offset uint64
}

// NewFile returns an unopened file bound to loop.
func NewFile(loop *Loop) *File {
	return &File{io: IO{fd: InvalidFd, loop: loop}}
}

// Open opens path with the given mode. dirfd anchors relative paths; use
// [AtCwd] for the working directory.
func (f *File) Open(ctx context.Context, path string, mode OpenMode, dirfd int, perm uint32) error {
	fd, err := Await(ctx, f.io.loop.Prepare().PrepOpenat(dirfd, path, openModeFlags(mode), perm))
	if err != nil {
		return err
	}
	f.io.fd = fd
	f.offset = 0
	return nil
}

// Read reads at most len(buf) bytes from the current offset.
func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	if f.io.fd == InvalidFd {
		return 0, ErrFileNotOpen
	}
	n, err := Await(ctx, f.io.loop.Prepare().PrepRead(f.io.fd, buf, f.offset))
	if err != nil {
		return 0, err
	}
	f.offset += uint64(n)
	return n, nil
}

// ReadN reads at most size bytes.
func (f *File) ReadN(ctx context.Context, buf []byte, size int) (int, error) {
	return f.Read(ctx, buf[:size])
}

// Write writes all of buf at the current offset.
func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	if f.io.fd == InvalidFd {
		return 0, ErrFileNotOpen
	}
	total := 0
	for len(buf) > 0 {
		n, err := Await(ctx, f.io.loop.Prepare().PrepWrite(f.io.fd, buf, f.offset))
		if err != nil {
			return total, err
		}
		f.offset += uint64(n)
		total += n
		buf = buf[n:]
	}
	return total, nil
}

// SetOffset repositions the file cursor.
func (f *File) SetOffset(n uint64) { f.offset = n }

// Close closes the handle. Closing an unopened file is a no-op.
func (f *File) Close(ctx context.Context) error {
	return f.io.Close(ctx)
}
