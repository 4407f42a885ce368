package eventloop

import (
	"container/heap"
	"context"
	"time"
)

// TimerEntry is one deadline→continuation pair in the loop's timer
// queue. The entry doubles as its own cancellation slot: remove is a
// no-op once the entry has fired (or was already removed).
type TimerEntry struct {
	deadline time.Time
	fire     func()
	index    int // heap slot, -1 once popped or removed
}

// timerQueue is a min-heap ordered by deadline. Insert and remove are
// O(log N); tick pops every due entry.
type timerQueue struct {
	entries []*TimerEntry
}

func (q *timerQueue) Len() int { return len(q.entries) }

func (q *timerQueue) Less(i, j int) bool {
	return q.entries[i].deadline.Before(q.entries[j].deadline)
}

func (q *timerQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*TimerEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *timerQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.entries = old[:n-1]
	return e
}

func (q *timerQueue) insert(deadline time.Time, fire func()) *TimerEntry {
	e := &TimerEntry{deadline: deadline, fire: fire}
	heap.Push(q, e)
	return e
}

// remove cancels e if it has not fired yet.
func (q *timerQueue) remove(e *TimerEntry) {
	if e == nil || e.index < 0 {
		return
	}
	heap.Remove(q, e.index)
}

func (q *timerQueue) empty() bool { return len(q.entries) == 0 }

// tick fires every entry with deadline <= now and returns the duration
// until the next entry, if any remains.
func (q *timerQueue) tick(now time.Time) (time.Duration, bool) {
	for len(q.entries) > 0 && !q.entries[0].deadline.After(now) {
		e := heap.Pop(q).(*TimerEntry)
		e.fire()
	}
	if len(q.entries) == 0 {
		return 0, false
	}
	return q.entries[0].deadline.Sub(now), true
}

// timerAwaiter is the suspension produced by [Sleep]. Abandoning it
// erases the queue entry, so a whenAny loser leaves nothing behind.
type timerAwaiter struct {
	fut   *Future[Unit]
	loop  *Loop
	entry *TimerEntry
}

func (t *timerAwaiter) settled() bool      { return t.fut.settled() }
func (t *timerAwaiter) onSettle(fn func()) { t.fut.onSettle(fn) }

func (t *timerAwaiter) abandon() {
	t.loop.timers.remove(t.entry)
	t.entry = nil
	t.fut.abandon()
}

func (t *timerAwaiter) Result() (Unit, error) { return t.fut.Result() }

// After returns an awaitable that settles once d has elapsed on the loop
// carried by ctx.
func After(ctx context.Context, d time.Duration) Value[Unit] {
	l := FromContext(ctx)
	a := &timerAwaiter{fut: NewFuture[Unit](l), loop: l}
	a.entry = l.timers.insert(time.Now().Add(d), func() {
		a.entry = nil
		a.fut.Settle(Unit{})
	})
	return a
}

// Sleep suspends the calling coroutine for d.
func Sleep(ctx context.Context, d time.Duration) error {
	return AwaitDiscard(ctx, After(ctx, d))
}
