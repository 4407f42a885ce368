// Package eventloop provides a single-threaded asynchronous I/O runtime:
// pull-iterator coroutine tasks, one-shot futures, a cancellable timer
// queue, and a uniform completion-based event driver backed by io_uring
// on Linux and I/O completion ports on Windows.
//
// # Architecture
//
// A [Loop] owns exactly one event driver and one timer queue. User code
// enters via [Run] (drive a coroutine to completion on the calling
// goroutine) or [Loop.Start] (fire-and-forget). Every suspension in a
// coroutine goes through [Await], which hands the pending awaitable to
// the loop and resumes the coroutine when it settles. Continuations are
// stepped from the loop's ready queue, never recursively, so deeply
// nested awaits cannot grow the stack.
//
// Each loop iteration fires due timers, drains ready continuations, and
// only then blocks in the kernel for completions, using the duration to
// the next timer deadline as the wait bound. Completions are resolved in
// kernel-reported order, strictly after the whole batch has been
// extracted, so a resumed coroutine may submit again without stepping on
// in-flight entries of the same batch.
//
// # Operations
//
// [Loop.Prepare] acquires an [Op], a one-shot handle bound to a single
// kernel submission. Prep methods (PrepRecv, PrepSend, PrepAccept, ...)
// stage the submission; awaiting the op flushes it to the kernel. The
// kernel token is the op's id, never its address.
//
// # Cancellation
//
// The only cancellation primitive is the link-timeout: [IO.RecvLinkTimeout]
// and friends race an operation against a deadline. On Linux the race is
// resolved in the kernel (IOSQE_IO_LINK + LINK_TIMEOUT); on Windows it is
// emulated by a loop timer that closes the target handle, after which the
// handle is poisoned and further operations on it fail eagerly.
// Completions carrying the cancelled sentinel are filtered by the driver
// and never reach an awaiter.
//
// # Thread safety
//
// The loop is single-threaded and cooperative. Tasks, timers, and ops
// created against one loop must not be awaited from another. The sole
// cross-thread surface is [FutureResult], which lets goroutines outside
// the loop wait on a coroutine result.
package eventloop
