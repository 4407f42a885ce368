package eventloop

import "context"

// Awaitable is anything a coroutine can suspend on: a [Future], an [Op],
// or a timer. Implementations are provided by this package only.
type Awaitable interface {
	// settled reports whether the result is available.
	settled() bool
	// onSettle registers fn to be scheduled on the loop's ready queue
	// when the awaitable settles. If already settled, fn is scheduled
	// immediately. Each registered fn runs exactly once.
	onSettle(fn func())
	// abandon tells the awaitable its continuation has been consumed by
	// another path (a whenAny loser). It must release any registry slot
	// it holds (timer entry, kernel submission) and must never schedule
	// callbacks registered after the call.
	abandon()
}

// Value is an [Awaitable] carrying a typed result.
type Value[T any] interface {
	Awaitable
	// Result returns the settled value or error. Only meaningful once
	// the awaitable has settled.
	Result() (T, error)
}

// Future is a loop-confined one-shot result cell.
//
// Settling an already-settled future is a no-op, which is what makes
// racing completions (whenAny, link-timeout) safe to express as "first
// settle wins".
type Future[T any] struct {
	loop *Loop
	res  Try[T]
	cbs  []func()
	dead bool
}

// NewFuture returns a pending future bound to l.
func NewFuture[T any](l *Loop) *Future[T] {
	return &Future[T]{loop: l}
}

func (f *Future[T]) settled() bool { return !f.res.Empty() }

func (f *Future[T]) onSettle(fn func()) {
	if f.dead {
		return
	}
	if f.settled() {
		f.loop.schedule(fn)
		return
	}
	f.cbs = append(f.cbs, fn)
}

func (f *Future[T]) abandon() {
	f.dead = true
	f.cbs = nil
}

// Settle resolves the future with val.
func (f *Future[T]) Settle(val T) {
	if f.settled() {
		return
	}
	f.res.Set(val)
	f.fire()
}

// SettleErr rejects the future with err.
func (f *Future[T]) SettleErr(err error) {
	if f.settled() {
		return
	}
	f.res.SetErr(err)
	f.fire()
}

func (f *Future[T]) fire() {
	cbs := f.cbs
	f.cbs = nil
	for _, fn := range cbs {
		f.loop.schedule(fn)
	}
}

// Done reports whether the future has settled.
func (f *Future[T]) Done() bool { return f.settled() }

// Result returns the settled value or error.
func (f *Future[T]) Result() (T, error) { return f.res.Unwrap() }

// Await suspends the calling coroutine until v settles, then returns its
// result. It must be called on the loop goroutine, from inside a task.
func Await[T any](ctx context.Context, v Value[T]) (T, error) {
	l := FromContext(ctx)
	if err := l.yield(ctx, v); err != nil {
		var zero T
		v.abandon()
		return zero, err
	}
	return v.Result()
}

// AwaitDiscard is Await for callers that only care about the error.
func AwaitDiscard[T any](ctx context.Context, v Value[T]) error {
	_, err := Await(ctx, v)
	return err
}
