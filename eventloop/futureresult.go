package eventloop

import "sync"

// FutureResult is the cross-thread counterpart of [Future]: shared state
// guarded by a mutex and condition variable, so goroutines outside the
// loop can wait on a coroutine result. The promise side is single-use.
//
// This is the only lock in the runtime; it guards exactly the
// {ready, result} pair.
type FutureResult[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	res   Try[T]
	ready bool
}

// NewFutureResult returns an unresolved FutureResult.
func NewFutureResult[T any]() *FutureResult[T] {
	f := &FutureResult[T]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set resolves the shared state with val. Later calls are ignored.
func (f *FutureResult[T]) Set(val T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready {
		return
	}
	f.res.Set(val)
	f.ready = true
	f.cond.Broadcast()
}

// SetErr resolves the shared state with err. Later calls are ignored.
func (f *FutureResult[T]) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready {
		return
	}
	f.res.SetErr(err)
	f.ready = true
	f.cond.Broadcast()
}

// Get blocks until the result is available and returns it, rethrowing a
// stored error. It must not be called from the loop goroutine that is
// expected to produce the result.
func (f *FutureResult[T]) Get() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.ready {
		f.cond.Wait()
	}
	return f.res.Unwrap()
}

// TryGet returns the result without blocking; ok is false while pending.
func (f *FutureResult[T]) TryGet() (val T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return val, nil, false
	}
	val, err = f.res.Unwrap()
	return val, err, true
}

// Wait blocks until the result is available, discarding the value.
func (f *FutureResult[T]) Wait() error {
	_, err := f.Get()
	return err
}
