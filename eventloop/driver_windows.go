//go:build windows

package eventloop

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const defaultBatchEntries = 256

// opSys holds the Windows-only parts of an Op. The OVERLAPPED lives here
// for the whole life of the submission; the op stays pinned in the
// driver's table until its completion is consumed.
type opSys struct {
	ov         windows.Overlapped
	wsabuf     windows.WSABuf
	recvFlags  uint32
	bytes      uint32
	acceptSock windows.Handle
	acceptBuf  [2 * (16 + 16)]byte
	timer      *TimerEntry
}

// iocpDriver emulates the uniform completion surface on an I/O
// completion port. Synchronous ops (socket, open, close) settle at flush
// time; overlapped ops settle when their packet is dequeued. Timeouts
// are user-space timers that cancel the target handle; the handle is
// poisoned afterwards and further ops on it fail eagerly.
type iocpDriver struct {
	loop       *Loop
	port       windows.Handle
	ops        map[uintptr]*Op // keyed by OVERLAPPED address
	registered map[windows.Handle]struct{}
	poisoned   map[windows.Handle]struct{}
	staged     []*Op
	entries    []windows.OVERLAPPED_ENTRY
}

func newDriver(l *Loop, opts Options) (driver, error) {
	n := opts.Entries
	if n == 0 {
		n = defaultBatchEntries
	}
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, err
	}
	return &iocpDriver{
		loop:       l,
		port:       port,
		ops:        make(map[uintptr]*Op),
		registered: make(map[windows.Handle]struct{}),
		poisoned:   make(map[windows.Handle]struct{}),
		entries:    make([]windows.OVERLAPPED_ENTRY, n),
	}, nil
}

func (d *iocpDriver) close() error {
	return windows.CloseHandle(d.port)
}

func (d *iocpDriver) stage(o *Op) {
	d.staged = append(d.staged, o)
}

func (d *iocpDriver) cancel(o *Op) {
	if _, inflight := d.ops[uintptr(unsafe.Pointer(&o.sys.ov))]; inflight {
		_ = windows.CancelIoEx(windows.Handle(o.fd), &o.sys.ov)
	}
}

func (d *iocpDriver) linkTimeout(o *Op, dur time.Duration) Value[LinkResult] {
	l := d.loop
	fut := NewFuture[Unit](l)
	tmo := &timerAwaiter{fut: fut, loop: l}
	tmo.entry = l.timers.insert(time.Now().Add(dur), func() {
		tmo.entry = nil
		// Cancellation is emulated by sacrificing the handle: the
		// pending op completes with a failure the dispatcher filters,
		// and the fd is poisoned against reuse.
		o.cancelled = true
		h := windows.Handle(o.fd)
		_ = windows.CancelIoEx(h, &o.sys.ov)
		_ = windows.Closesocket(h)
		delete(d.registered, h)
		d.poisoned[h] = struct{}{}
		fut.Settle(Unit{})
	})
	return newLinkAwaiter(l, o, tmo, true)
}

func (d *iocpDriver) pending() bool {
	return len(d.staged) > 0 || len(d.ops) > 0
}

// associate binds h to the completion port exactly once.
func (d *iocpDriver) associate(h windows.Handle) error {
	if _, ok := d.registered[h]; ok {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(h, d.port, 0, 0); err != nil {
		return err
	}
	d.registered[h] = struct{}{}
	return nil
}

func (d *iocpDriver) flush() {
	for _, o := range d.staged {
		d.issue(o)
	}
	d.staged = d.staged[:0]
}

func (d *iocpDriver) issue(o *Op) {
	h := windows.Handle(o.fd)
	if _, bad := d.poisoned[h]; bad && o.kind != opSocket && o.kind != opOpenat && o.kind != opLinkTimeout {
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: syscall.EBADF})
		return
	}
	switch o.kind {
	case opSocket:
		s, err := windows.WSASocket(int32(o.domain), int32(o.typ), int32(o.proto),
			nil, 0, windows.WSA_FLAG_OVERLAPPED)
		d.settleSync(o, int(s), err)
	case opOpenat:
		d.issueOpen(o)
	case opClose:
		delete(d.registered, h)
		delete(d.poisoned, h)
		err := windows.Closesocket(h)
		if err != nil {
			err = windows.CloseHandle(h)
		}
		d.settleSync(o, 0, err)
	case opAccept:
		d.issueAccept(o)
	case opConnect:
		d.issueConnect(o)
	case opRecv:
		d.issueOverlapped(o, func() error {
			o.sys.wsabuf = windows.WSABuf{Len: uint32(len(o.buf)), Buf: &o.buf[0]}
			o.sys.recvFlags = o.flags
			return windows.WSARecv(h, &o.sys.wsabuf, 1, &o.sys.bytes, &o.sys.recvFlags, &o.sys.ov, nil)
		})
	case opSend:
		d.issueOverlapped(o, func() error {
			o.sys.wsabuf = windows.WSABuf{Len: uint32(len(o.buf)), Buf: &o.buf[0]}
			return windows.WSASend(h, &o.sys.wsabuf, 1, &o.sys.bytes, o.flags, &o.sys.ov, nil)
		})
	case opRead:
		o.sys.ov.Offset = uint32(o.off)
		o.sys.ov.OffsetHigh = uint32(o.off >> 32)
		d.issueOverlapped(o, func() error {
			return windows.ReadFile(h, o.buf, &o.sys.bytes, &o.sys.ov)
		})
	case opWrite:
		o.sys.ov.Offset = uint32(o.off)
		o.sys.ov.OffsetHigh = uint32(o.off >> 32)
		d.issueOverlapped(o, func() error {
			return windows.WriteFile(h, o.buf, &o.sys.bytes, &o.sys.ov)
		})
	case opLinkTimeout:
		// Standalone pseudo-timeout: a plain loop timer.
		o.sys.timer = d.loop.timers.insert(time.Now().Add(o.dur), func() {
			o.sys.timer = nil
			o.fut.Settle(0)
		})
	default:
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: syscall.ENOSYS})
	}
}

func (d *iocpDriver) issueOpen(o *Op) {
	path := windows.StringToUTF16Ptr(string(o.pathB[:len(o.pathB)-1]))
	access, creation := openFlagsToWin(o.flags)
	hf, err := windows.CreateFile(path, access,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, creation,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_OVERLAPPED, 0)
	d.settleSync(o, int(hf), err)
}

func (d *iocpDriver) issueAccept(o *Op) {
	ls := windows.Handle(o.fd)
	if err := d.associate(ls); err != nil {
		o.fut.SettleErr(&KernelError{Op: "accept", Errno: errnoOf(err)})
		return
	}
	// AcceptEx requires a caller-allocated accept socket.
	as, err := windows.WSASocket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		o.fut.SettleErr(&KernelError{Op: "accept", Errno: errnoOf(err)})
		return
	}
	o.sys.acceptSock = as
	err = windows.AcceptEx(ls, as, &o.sys.acceptBuf[0], 0, 16+16, 16+16, &o.sys.bytes, &o.sys.ov)
	d.track(o, err)
}

func (d *iocpDriver) issueConnect(o *Op) {
	h := windows.Handle(o.fd)
	// ConnectEx demands a bound socket.
	if err := windows.Bind(h, &windows.SockaddrInet4{}); err != nil && errnoOf(err) != windows.WSAEINVAL {
		o.fut.SettleErr(&KernelError{Op: "connect", Errno: errnoOf(err)})
		return
	}
	if err := d.associate(h); err != nil {
		o.fut.SettleErr(&KernelError{Op: "connect", Errno: errnoOf(err)})
		return
	}
	var sa windows.Sockaddr
	if o.addr.Addr().Is4() {
		sa = &windows.SockaddrInet4{Port: int(o.addr.Port()), Addr: o.addr.Addr().As4()}
	} else {
		sa = &windows.SockaddrInet6{Port: int(o.addr.Port()), Addr: o.addr.Addr().As16()}
	}
	err := windows.ConnectEx(h, sa, nil, 0, &o.sys.bytes, &o.sys.ov)
	d.track(o, err)
}

func (d *iocpDriver) issueOverlapped(o *Op, start func() error) {
	if err := d.associate(windows.Handle(o.fd)); err != nil {
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: errnoOf(err)})
		return
	}
	d.track(o, start())
}

// track records an overlapped submission, distinguishing "in flight"
// from an immediate failure.
func (d *iocpDriver) track(o *Op, err error) {
	if err != nil && err != windows.ERROR_IO_PENDING {
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: errnoOf(err)})
		return
	}
	// Success or pending: the completion packet arrives either way
	// because the port association predates the call.
	d.ops[uintptr(unsafe.Pointer(&o.sys.ov))] = o
}

func (d *iocpDriver) settleSync(o *Op, val int, err error) {
	if err != nil {
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: errnoOf(err)})
		return
	}
	o.fut.Settle(val)
}

func (d *iocpDriver) wait(timeout time.Duration) error {
	d.flush()
	ms := uint32(windows.INFINITE)
	if len(d.loop.ready) > 0 {
		// A synchronous op settled during flush; only poll.
		ms = 0
	} else if timeout >= 0 {
		ms = uint32(timeout.Milliseconds())
	}
	if len(d.ops) == 0 && ms != 0 {
		// Nothing in flight; a bounded sleep stands in for the kernel
		// wait so timers still fire.
		if ms != uint32(windows.INFINITE) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
		return nil
	}
	var n uint32
	err := windows.GetQueuedCompletionStatusEx(d.port, d.entries, &n, ms, false)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		return err
	}
	// Extract the whole batch, then settle, matching the Linux backend's
	// ordering guarantee.
	completed := make([]*Op, 0, n)
	results := make([]windows.OVERLAPPED_ENTRY, 0, n)
	for _, e := range d.entries[:n] {
		key := uintptr(unsafe.Pointer(e.Overlapped))
		o, ok := d.ops[key]
		if !ok {
			continue
		}
		delete(d.ops, key)
		if o.cancelled {
			// The racing side already resumed the continuation.
			continue
		}
		completed = append(completed, o)
		results = append(results, e)
	}
	for i, o := range completed {
		d.settleEntry(o, results[i])
	}
	return nil
}

func (d *iocpDriver) settleEntry(o *Op, e windows.OVERLAPPED_ENTRY) {
	if e.Internal != 0 {
		o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: syscall.Errno(windows.RtlNtStatusToDosErrorNoTeb(windows.NTStatus(e.Internal)))})
		return
	}
	switch o.kind {
	case opAccept:
		_ = windows.Setsockopt(o.sys.acceptSock, windows.SOL_SOCKET,
			windows.SO_UPDATE_ACCEPT_CONTEXT,
			(*byte)(unsafe.Pointer(&o.fd)), int32(unsafe.Sizeof(o.fd)))
		o.fut.Settle(int(o.sys.acceptSock))
	case opConnect:
		_ = windows.Setsockopt(windows.Handle(o.fd), windows.SOL_SOCKET,
			windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0)
		o.fut.Settle(0)
	default:
		o.fut.Settle(int(e.NumberOfBytesTransferred))
	}
}

func errnoOf(err error) syscall.Errno {
	if no, ok := err.(syscall.Errno); ok {
		return no
	}
	return syscall.EINVAL
}

func openFlagsToWin(flags uint32) (access uint32, creation uint32) {
	switch flags & 0x3 {
	case syscall.O_RDONLY:
		access = windows.GENERIC_READ
	case syscall.O_WRONLY:
		access = windows.GENERIC_WRITE
	default:
		access = windows.GENERIC_READ | windows.GENERIC_WRITE
	}
	creation = windows.OPEN_EXISTING
	if flags&syscall.O_CREAT != 0 {
		creation = windows.OPEN_ALWAYS
	}
	if flags&syscall.O_TRUNC != 0 {
		creation = windows.CREATE_ALWAYS
	}
	return access, creation
}
