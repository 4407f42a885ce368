package eventloop

import (
	"context"
	"errors"
	"iter"
)

// ErrTaskStopped is returned from a suspension point when the task's
// iterator was torn down before the awaited operation settled.
var ErrTaskStopped = errors.New("eventloop: task stopped while suspended")

// Task is a handle to a coroutine spawned on a loop. The coroutine is a
// plain function taking a context and returning a value or error; every
// [Await] inside it yields control back to the loop.
//
// Tasks start lazily: the first step runs from the loop's ready queue,
// not inline in Spawn. A task may be awaited at most once.
type Task[T any] struct {
	loop     *Loop
	fut      *Future[T]
	next     func() (Awaitable, bool)
	stop     func()
	yieldFn  func(Awaitable) bool
	pending  Awaitable
	detached bool
}

// tasker is the loop-facing face of a task of any result type.
type tasker interface {
	// yield suspends the running coroutine on aw, returning once the
	// loop resumes it. A nil aw reschedules without waiting.
	yield(ctx context.Context, aw Awaitable) error
}

// Spawn schedules coro as a new task on the loop carried by ctx.
//
// The returned task's future settles when coro returns. Panics inside
// coro are not recovered; a coroutine that must not unwind the loop
// should recover on its own.
func Spawn[T any](ctx context.Context, coro func(context.Context) (T, error)) *Task[T] {
	l := FromContext(ctx)
	t := &Task[T]{loop: l, fut: NewFuture[T](l)}

	// The generator body runs lazily, on the first next(); yieldFn is
	// assigned before coro can possibly suspend.
	t.next, t.stop = iter.Pull(func(yield func(Awaitable) bool) {
		t.yieldFn = yield
		v, err := coro(ctx)
		if err != nil {
			t.fut.SettleErr(err)
		} else {
			t.fut.Settle(v)
		}
	})

	l.schedule(func() {
		if err := ctx.Err(); err != nil {
			t.fut.SettleErr(err)
			t.stop()
			return
		}
		t.step()
	})
	return t
}

// SpawnDetached schedules coro as a fire-and-forget root task. Its frame
// is released as soon as the coroutine finishes; an error return is
// logged and swallowed.
func SpawnDetached(ctx context.Context, coro func(context.Context) error) {
	t := Spawn(ctx, func(ctx context.Context) (Unit, error) {
		return Unit{}, coro(ctx)
	})
	t.detached = true
}

// step advances the coroutine until its next suspension point.
func (t *Task[T]) step() {
	var ok bool
	t.loop.withTask(t, func() {
		t.pending, ok = t.next()
	})
	if !ok {
		// Coroutine finished; its future settled inside the generator.
		t.pending = nil
		t.stop()
		if t.detached {
			if _, err := t.fut.Result(); err != nil {
				t.loop.log().Err().Err(err).Log("detached task failed")
			}
		}
		return
	}
	if t.pending != nil {
		t.pending.onSettle(t.step)
	} else {
		t.loop.schedule(t.step)
	}
}

func (t *Task[T]) yield(ctx context.Context, aw Awaitable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.yieldFn(aw) {
		return ErrTaskStopped
	}
	return ctx.Err()
}

// Future returns the task's result future, for combinator use.
func (t *Task[T]) Future() *Future[T] { return t.fut }

// Done reports whether the coroutine has finished.
func (t *Task[T]) Done() bool { return t.fut.Done() }

// Result returns the coroutine's value or error once Done.
func (t *Task[T]) Result() (T, error) { return t.fut.Result() }

func (t *Task[T]) settled() bool      { return t.fut.settled() }
func (t *Task[T]) onSettle(fn func()) { t.fut.onSettle(fn) }
func (t *Task[T]) abandon()           { t.fut.abandon() }
