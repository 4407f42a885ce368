package eventloop

import "context"

// WhenAny suspends until the first of aws settles and returns its index.
// Every other awaitable is abandoned: timers leave the queue, in-flight
// kernel ops are cancelled, and a loser that completes anyway at the
// kernel level is disposed of without ever resuming a continuation.
//
// When two awaitables settle in the same driver batch, the winner is the
// one whose completion was extracted first.
//
// The winner's typed result is read from the awaitable itself:
//
//	idx, err := eventloop.WhenAny(ctx, recvOp, timer)
//	if idx == 0 {
//	    n, _ := recvOp.Result()
//	    ...
//	}
func WhenAny(ctx context.Context, aws ...Awaitable) (int, error) {
	l := FromContext(ctx)
	winner := NewFuture[int](l)
	for i, aw := range aws {
		i := i
		aw.onSettle(func() {
			winner.Settle(i)
		})
	}
	idx, err := Await(ctx, winner)
	if err != nil {
		for _, aw := range aws {
			aw.abandon()
		}
		return 0, err
	}
	for i, aw := range aws {
		if i != idx {
			aw.abandon()
		}
	}
	return idx, nil
}
