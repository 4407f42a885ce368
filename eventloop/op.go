package eventloop

import (
	"context"
	"fmt"
	"net/netip"
	"syscall"
	"time"
)

// KernelError carries a negative kernel result surfaced at an await
// site. Cancelled completions never produce one; they are filtered by
// the driver.
type KernelError struct {
	Op    string
	Errno syscall.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("eventloop: %s: %v", e.Op, e.Errno)
}

func (e *KernelError) Unwrap() error { return e.Errno }

type opKind uint8

const (
	opNop opKind = iota
	opOpenat
	opSocket
	opAccept
	opConnect
	opRead
	opWrite
	opRecv
	opSend
	opClose
	opPollAdd
	opLinkTimeout
)

func (k opKind) String() string {
	switch k {
	case opOpenat:
		return "openat"
	case opSocket:
		return "socket"
	case opAccept:
		return "accept"
	case opConnect:
		return "connect"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opRecv:
		return "recv"
	case opSend:
		return "send"
	case opClose:
		return "close"
	case opPollAdd:
		return "poll_add"
	case opLinkTimeout:
		return "link_timeout"
	}
	return "nop"
}

// Op is a one-shot handle bound to a single kernel submission. Prep
// methods stage the submission; the staged entry reaches the kernel on
// the loop's next wait. The kernel-side token is the op's id, so the
// handle itself may live anywhere the GC pleases.
//
// An Op must be awaited on the loop that prepared it, and at most once.
type Op struct {
	loop *Loop
	fut  *Future[int]
	id   uint64
	kind opKind

	fd    int
	buf   []byte
	off   uint64
	flags uint32

	domain, typ, proto int
	addr               netip.AddrPort
	pathB              []byte
	mode               uint32

	dur time.Duration

	// cancelled marks the entry for silent completion disposal; set by
	// whenAny losers and the Windows timeout emulation.
	cancelled bool

	sys opSys
}

// Prepare acquires a fresh Op bound to l. The id, not the address, is
// what the kernel hands back on completion.
func (l *Loop) Prepare() *Op {
	l.nextOpID++
	return &Op{loop: l, fut: NewFuture[int](l), id: l.nextOpID}
}

func (o *Op) settled() bool      { return o.fut.settled() }
func (o *Op) onSettle(fn func()) { o.fut.onSettle(fn) }

func (o *Op) abandon() {
	o.cancelled = true
	o.loop.driver.cancel(o)
	o.fut.abandon()
}

// Result returns the operation's integer result (fd, byte count, or 0)
// or its error.
func (o *Op) Result() (int, error) { return o.fut.Result() }

func (o *Op) stage() *Op {
	o.loop.driver.stage(o)
	return o
}

// PrepOpenat stages an open of path relative to dirfd.
// The result is a non-negative file descriptor.
func (o *Op) PrepOpenat(dirfd int, path string, flags int, mode uint32) *Op {
	o.kind = opOpenat
	o.fd = dirfd
	o.pathB = append(append(make([]byte, 0, len(path)+1), path...), 0)
	o.flags = uint32(flags)
	o.mode = mode
	return o.stage()
}

// PrepSocket stages creation of a socket. The result is the descriptor.
func (o *Op) PrepSocket(domain, typ, proto int) *Op {
	o.kind = opSocket
	o.domain, o.typ, o.proto = domain, typ, proto
	return o.stage()
}

// PrepAccept stages accepting one connection on the listening fd. The
// result is the client descriptor.
func (o *Op) PrepAccept(fd int) *Op {
	o.kind = opAccept
	o.fd = fd
	return o.stage()
}

// PrepConnect stages connecting fd to addr. The result is 0.
func (o *Op) PrepConnect(fd int, addr netip.AddrPort) *Op {
	o.kind = opConnect
	o.fd = fd
	o.addr = addr
	return o.stage()
}

// PrepRead stages a positioned read of at most len(buf) bytes.
func (o *Op) PrepRead(fd int, buf []byte, off uint64) *Op {
	o.kind = opRead
	o.fd = fd
	o.buf = buf
	o.off = off
	return o.stage()
}

// PrepWrite stages a positioned write of len(buf) bytes.
func (o *Op) PrepWrite(fd int, buf []byte, off uint64) *Op {
	o.kind = opWrite
	o.fd = fd
	o.buf = buf
	o.off = off
	return o.stage()
}

// PrepRecv stages a stream receive. A zero result means the peer closed.
func (o *Op) PrepRecv(fd int, buf []byte, flags uint32) *Op {
	o.kind = opRecv
	o.fd = fd
	o.buf = buf
	o.flags = flags
	return o.stage()
}

// PrepSend stages a stream send. The result is the byte count accepted.
func (o *Op) PrepSend(fd int, buf []byte, flags uint32) *Op {
	o.kind = opSend
	o.fd = fd
	o.buf = buf
	o.flags = flags
	return o.stage()
}

// PrepClose stages closing fd. The result is 0.
func (o *Op) PrepClose(fd int) *Op {
	o.kind = opClose
	o.fd = fd
	return o.stage()
}

// PrepPollAdd stages a readiness poll on fd for the given event mask.
func (o *Op) PrepPollAdd(fd int, events uint32) *Op {
	o.kind = opPollAdd
	o.fd = fd
	o.flags = events
	return o.stage()
}

// LinkResult is the outcome of racing an operation against a deadline.
type LinkResult struct {
	N        int
	TimedOut bool
}

// LinkTimeout races op against d: whichever finishes first cancels the
// other. On Linux the race is resolved inside the kernel; on Windows it
// is emulated by a loop timer that cancels the handle. The loser's
// completion is disposed of silently.
//
// The op must have been staged by a Prep method and not yet awaited.
func LinkTimeout(ctx context.Context, op *Op, d time.Duration) (int, bool, error) {
	l := FromContext(ctx)
	res, err := Await(ctx, l.driver.linkTimeout(op, d))
	if err != nil {
		return 0, false, err
	}
	return res.N, res.TimedOut, nil
}

// linkAwaiter joins an op future with its timeout branch. Exactly one of
// the two settles under kernel linking; first-settle wins regardless.
type linkAwaiter struct {
	fut *Future[LinkResult]
	op  *Op
	tmo Awaitable
}

func (a *linkAwaiter) settled() bool      { return a.fut.settled() }
func (a *linkAwaiter) onSettle(fn func()) { a.fut.onSettle(fn) }

func (a *linkAwaiter) abandon() {
	a.op.abandon()
	if a.tmo != nil {
		a.tmo.abandon()
	}
	a.fut.abandon()
}

func (a *linkAwaiter) Result() (LinkResult, error) { return a.fut.Result() }

// newLinkAwaiter joins op with its timeout branch. cancelTmo is set when
// the timeout side is a user-space emulation that must be torn down once
// the primary op wins; kernel-linked timeouts are cancelled by the
// kernel itself.
func newLinkAwaiter(l *Loop, op *Op, tmo Awaitable, cancelTmo bool) *linkAwaiter {
	a := &linkAwaiter{fut: NewFuture[LinkResult](l), op: op, tmo: tmo}
	op.onSettle(func() {
		if cancelTmo {
			tmo.abandon()
		}
		n, err := op.Result()
		if err != nil {
			a.fut.SettleErr(err)
			return
		}
		a.fut.Settle(LinkResult{N: n})
	})
	tmo.onSettle(func() {
		if a.fut.settled() {
			return
		}
		a.op.cancelled = true
		a.fut.Settle(LinkResult{TimedOut: true})
	})
	return a
}
