//go:build linux

package eventloop

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

const defaultRingEntries = 1024

// opSys holds the Linux-only parts of an Op: memory the kernel reads
// after submission, pinned here until the completion arrives.
type opSys struct {
	ts   syscall.Timespec
	rsa  unix.RawSockaddrInet6
	len  uint32
	link bool
}

// uringDriver owns the io_uring instance. Submissions are staged by the
// prep methods and flushed in one syscall on the next wait.
type uringDriver struct {
	loop    *Loop
	ring    *giouring.Ring
	ops     map[uint64]*Op
	staged  []*Op
	cancels []uint64
	batch   [256]*giouring.CompletionQueueEvent
}

func newDriver(l *Loop, opts Options) (driver, error) {
	entries := opts.Entries
	if entries == 0 {
		entries = defaultRingEntries
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}
	return &uringDriver{
		loop: l,
		ring: ring,
		ops:  make(map[uint64]*Op),
	}, nil
}

func (d *uringDriver) close() error {
	d.ring.QueueExit()
	return nil
}

func (d *uringDriver) stage(o *Op) {
	d.staged = append(d.staged, o)
}

func (d *uringDriver) cancel(o *Op) {
	if _, inflight := d.ops[o.id]; inflight {
		d.cancels = append(d.cancels, o.id)
	}
}

func (d *uringDriver) linkTimeout(o *Op, dur time.Duration) Value[LinkResult] {
	// o is the most recently staged entry; the timeout op is staged
	// directly behind it and the kernel resolves the race: whichever
	// completes first cancels the other with -ECANCELED.
	o.sys.link = true
	tmo := d.loop.Prepare()
	tmo.kind = opLinkTimeout
	tmo.dur = dur
	d.stage(tmo)
	return newLinkAwaiter(d.loop, o, tmo, false)
}

func (d *uringDriver) pending() bool {
	return len(d.staged) > 0 || len(d.ops) > 0 || len(d.cancels) > 0
}

// getSQE acquires a submission slot, draining the ring when full. The
// submit-and-wait fallback cannot deadlock: a full ring implies at least
// one in-flight entry to wait for.
func (d *uringDriver) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := d.ring.GetSQE()
	for sqe == nil {
		if _, err := d.ring.SubmitAndWait(1); err != nil && err != syscall.EINTR {
			return nil, err
		}
		sqe = d.ring.GetSQE()
	}
	return sqe, nil
}

func (d *uringDriver) flush() error {
	for _, o := range d.staged {
		sqe, err := d.getSQE()
		if err != nil {
			return err
		}
		d.prepSQE(sqe, o)
		sqe.UserData = o.id
		if o.sys.link {
			sqe.Flags |= giouring.SqeIOLink
		}
		d.ops[o.id] = o
	}
	d.staged = d.staged[:0]
	for _, id := range d.cancels {
		sqe, err := d.getSQE()
		if err != nil {
			return err
		}
		sqe.PrepareCancel(uintptr(id), 0)
		sqe.UserData = 0 // completion is of no interest
	}
	d.cancels = d.cancels[:0]
	return nil
}

func (d *uringDriver) prepSQE(sqe *giouring.SubmissionQueueEntry, o *Op) {
	switch o.kind {
	case opOpenat:
		sqe.PrepareOpenat(o.fd, uintptr(unsafe.Pointer(&o.pathB[0])), int(o.flags)|unix.O_LARGEFILE|unix.O_CLOEXEC, o.mode)
	case opSocket:
		sqe.PrepareSocket(o.domain, o.typ, o.proto, 0)
	case opAccept:
		sqe.PrepareAccept(o.fd, 0, 0, 0)
	case opConnect:
		fillSockaddr(&o.sys, o)
		sqe.PrepareConnect(o.fd, uintptr(unsafe.Pointer(&o.sys.rsa)), uint64(o.sys.len))
	case opRead:
		sqe.PrepareRead(o.fd, uintptr(unsafe.Pointer(&o.buf[0])), uint32(len(o.buf)), o.off)
	case opWrite:
		sqe.PrepareWrite(o.fd, uintptr(unsafe.Pointer(&o.buf[0])), uint32(len(o.buf)), o.off)
	case opRecv:
		sqe.PrepareRecv(o.fd, uintptr(unsafe.Pointer(&o.buf[0])), uint32(len(o.buf)), int(o.flags))
	case opSend:
		sqe.PrepareSend(o.fd, uintptr(unsafe.Pointer(&o.buf[0])), uint32(len(o.buf)), int(o.flags))
	case opClose:
		sqe.PrepareClose(o.fd)
	case opPollAdd:
		sqe.PreparePollAdd(o.fd, o.flags)
	case opLinkTimeout:
		o.sys.ts = syscall.NsecToTimespec(o.dur.Nanoseconds())
		sqe.PrepareLinkTimeout(&o.sys.ts, 0)
	default:
		sqe.PrepareNop()
	}
}

// fillSockaddr encodes o.addr into the op's pinned sockaddr storage,
// port in network byte order.
func fillSockaddr(sys *opSys, o *Op) {
	if o.addr.Addr().Is4() {
		rsa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&sys.rsa))
		rsa.Family = unix.AF_INET
		rsa.Addr = o.addr.Addr().As4()
		binPort(&rsa.Port, o.addr.Port())
		sys.len = uint32(unsafe.Sizeof(*rsa))
		return
	}
	sys.rsa.Family = unix.AF_INET6
	sys.rsa.Addr = o.addr.Addr().As16()
	binPort(&sys.rsa.Port, o.addr.Port())
	sys.len = uint32(unsafe.Sizeof(sys.rsa))
}

func (d *uringDriver) wait(timeout time.Duration) error {
	if err := d.flush(); err != nil {
		return err
	}
	if timeout < 0 {
		if _, err := d.ring.SubmitAndWait(1); err != nil && err != syscall.EINTR {
			return err
		}
	} else {
		if _, err := d.ring.SubmitAndWait(0); err != nil && err != syscall.EINTR {
			return err
		}
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		if _, err := d.ring.WaitCQEs(1, &ts, nil); err != nil &&
			err != syscall.ETIME && err != syscall.EINTR {
			return err
		}
	}
	return d.resolve()
}

// resolve extracts the whole completion batch first and only then
// settles the affected ops, so resumed coroutines can submit without
// touching entries of the same batch.
func (d *uringDriver) resolve() error {
	type done struct {
		op  *Op
		res int32
	}
	var completed []done
	for {
		n := d.ring.PeekBatchCQE(d.batch[:])
		if n == 0 {
			break
		}
		for _, cqe := range d.batch[:n] {
			if cqe.UserData == 0 {
				continue // cancel housekeeping
			}
			o, ok := d.ops[cqe.UserData]
			if !ok {
				continue
			}
			delete(d.ops, cqe.UserData)
			if cqe.Res == -int32(unix.ECANCELED) || o.cancelled {
				// The racing side already resumed the continuation.
				continue
			}
			completed = append(completed, done{op: o, res: cqe.Res})
		}
		d.ring.CQAdvance(n)
		if int(n) < len(d.batch) {
			break
		}
	}
	for _, c := range completed {
		d.settle(c.op, c.res)
	}
	return nil
}

func (d *uringDriver) settle(o *Op, res int32) {
	if res >= 0 {
		o.fut.Settle(int(res))
		return
	}
	if o.kind == opLinkTimeout && res == -int32(unix.ETIME) {
		// The timeout branch fired first; that is its success case.
		o.fut.Settle(0)
		return
	}
	o.fut.SettleErr(&KernelError{Op: o.kind.String(), Errno: syscall.Errno(-res)})
}

// binPort stores port into the raw sockaddr's in_port_t field, which
// the kernel reads as big-endian.
func binPort(dst *uint16, port uint16) {
	p := (*[2]byte)(unsafe.Pointer(dst))
	p[0] = byte(port >> 8)
	p[1] = byte(port)
}
