package eventloop

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrNoLoop is returned when a suspension point runs outside a loop.
	ErrNoLoop = errors.New("eventloop: context does not carry a running loop")

	// ErrNotInTask is returned when Await is called on the loop goroutine
	// but outside any coroutine.
	ErrNotInTask = errors.New("eventloop: await outside a task")
)

// Options configures a [Loop].
type Options struct {
	// Entries sizes the kernel submission ring (Linux) or the completion
	// batch buffer (Windows). Zero means a reasonable default.
	Entries uint32

	// Logger receives structured diagnostics. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Loop is a single-threaded cooperative scheduler bound to one kernel
// completion queue and one timer queue.
//
// A Loop must only be used from the goroutine that drives it via [Run]
// or [Loop.Sync]; see the package documentation.
type Loop struct {
	driver driver
	timers timerQueue

	// ready holds continuations runnable this iteration. Settling a
	// future appends here; the loop drains iteratively (the trampoline
	// that stands in for symmetric transfer).
	ready []func()

	// tasks is the stack of coroutines currently being stepped.
	tasks []tasker

	nextOpID uint64

	logger *logiface.Logger[logiface.Event]
}

// New creates a loop and its platform event driver.
func New(opts Options) (*Loop, error) {
	l := &Loop{logger: opts.Logger}
	d, err := newDriver(l, opts)
	if err != nil {
		return nil, err
	}
	l.driver = d
	return l, nil
}

// Close releases the kernel resources owned by the loop's driver.
func (l *Loop) Close() error {
	return l.driver.close()
}

func (l *Loop) log() *logiface.Logger[logiface.Event] { return l.logger }

// schedule appends fn to the ready queue.
func (l *Loop) schedule(fn func()) {
	l.ready = append(l.ready, fn)
}

func (l *Loop) withTask(t tasker, step func()) {
	l.tasks = append(l.tasks, t)
	step()
	l.tasks = l.tasks[:len(l.tasks)-1]
}

// yield suspends the innermost running task on aw.
func (l *Loop) yield(ctx context.Context, aw Awaitable) error {
	if len(l.tasks) == 0 {
		return ErrNotInTask
	}
	return l.tasks[len(l.tasks)-1].yield(ctx, aw)
}

// drainReady runs ready continuations until the queue is empty. Entries
// appended while draining are run in the same pass, in FIFO order.
func (l *Loop) drainReady() {
	for i := 0; i < len(l.ready); i++ {
		l.ready[i]()
	}
	l.ready = l.ready[:0]
}

// run drives the loop until stop reports true and no ready work remains.
func (l *Loop) run(stop func() bool) error {
	for {
		l.drainReady()
		next, hasTimer := l.timers.tick(time.Now())
		if len(l.ready) > 0 {
			continue
		}
		if stop() {
			return nil
		}
		if !l.driver.pending() && !hasTimer {
			// Nothing can ever wake us again.
			return nil
		}
		var timeout time.Duration = -1
		if hasTimer {
			timeout = next
		}
		if err := l.driver.wait(timeout); err != nil {
			return err
		}
	}
}

// Pending reports whether anything can still make progress: staged or
// in-flight kernel submissions, armed timers, or ready continuations.
func (l *Loop) Pending() bool {
	return l.driver.pending() || !l.timers.empty() || len(l.ready) > 0
}

// Start schedules coro as a detached root task. The task only makes
// progress while the loop is being driven (by [Run], [Loop.Sync], or an
// enclosing drive of the same loop).
func (l *Loop) Start(coro func(context.Context) error) {
	SpawnDetached(l.Context(context.Background()), coro)
}

// Context returns a child of parent carrying the loop, for [Spawn] and
// [Await] inside coroutines started by other means.
func (l *Loop) Context(parent context.Context) context.Context {
	return context.WithValue(parent, loopKey{}, l)
}

type loopKey struct{}

// FromContext returns the loop carried by ctx. It panics when ctx does
// not descend from a loop context; suspension points cannot recover from
// that misuse meaningfully.
func FromContext(ctx context.Context) *Loop {
	l, ok := ctx.Value(loopKey{}).(*Loop)
	if !ok {
		panic(ErrNoLoop)
	}
	return l
}

// Run drives coro to completion on the calling goroutine and returns its
// result. It is the blocking entry point used by clients and tests.
func Run[T any](l *Loop, parent context.Context, coro func(context.Context) (T, error)) (T, error) {
	ctx := l.Context(parent)
	t := Spawn(ctx, coro)
	if err := l.run(t.Done); err != nil {
		var zero T
		return zero, err
	}
	if !t.Done() {
		// The driver went idle with the task still suspended; only
		// possible when an awaited op was abandoned without settling.
		var zero T
		return zero, ErrTaskStopped
	}
	return t.Result()
}

// Sync drives coro to completion, discarding its value.
func (l *Loop) Sync(parent context.Context, coro func(context.Context) error) error {
	_, err := Run(l, parent, func(ctx context.Context) (Unit, error) {
		return Unit{}, coro(ctx)
	})
	return err
}
