package eventloop

import "time"

// driver is the uniform surface over the platform completion backend.
// Exactly one driver exists per loop, created by newDriver.
type driver interface {
	// stage records o for submission on the next wait.
	stage(o *Op)
	// cancel requests best-effort cancellation of an in-flight op whose
	// continuation has already been consumed.
	cancel(o *Op)
	// linkTimeout races o against d, kernel-linked where the platform
	// allows it.
	linkTimeout(o *Op, d time.Duration) Value[LinkResult]
	// pending reports whether any submission is staged or in flight.
	pending() bool
	// wait blocks for up to timeout (negative means indefinitely) or
	// until at least one completion arrives, then resolves the batch.
	wait(timeout time.Duration) error
	close() error
}
