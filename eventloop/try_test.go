package eventloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testNow() time.Time { return time.Unix(1000, 0) }

func TestTry_ZeroValueIsEmpty(t *testing.T) {
	var tr Try[int]
	assert.True(t, tr.Empty())
	assert.False(t, tr.HasVal())
	assert.False(t, tr.HasErr())
	assert.Equal(t, "", tr.What())
}

func TestTry_SetAndMove(t *testing.T) {
	var tr Try[string]
	tr.Set("loli")
	assert.True(t, tr.HasVal())
	assert.Equal(t, "loli", tr.Get())

	moved := tr.Move()
	assert.Equal(t, "loli", moved)
	assert.True(t, tr.Empty())
}

func TestTry_ErrorReplacesValue(t *testing.T) {
	tr := TryValue(42)
	errBoom := errors.New("boom")
	tr.SetErr(errBoom)
	assert.True(t, tr.HasErr())
	assert.Equal(t, 0, tr.Get())
	assert.Equal(t, "boom", tr.What())

	v, err := tr.Unwrap()
	assert.Equal(t, 0, v)
	assert.ErrorIs(t, err, errBoom)
}

func TestTry_Reset(t *testing.T) {
	tr := TryError[int](errors.New("x"))
	tr.Reset()
	assert.True(t, tr.Empty())
	assert.NoError(t, tr.Err())
}

func TestFutureResult_CrossGoroutine(t *testing.T) {
	fut := NewFutureResult[int]()
	go fut.Set(7)
	v, err := fut.Get()
	assert.NoError(t, err)
	assert.Equal(t, 7, v)

	// Later resolutions are ignored.
	fut.SetErr(errors.New("late"))
	v, err, ok := fut.TryGet()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureResult_Error(t *testing.T) {
	fut := NewFutureResult[Unit]()
	errBoom := errors.New("boom")
	go fut.SetErr(errBoom)
	assert.ErrorIs(t, fut.Wait(), errBoom)
}

func TestTimerQueue_OrderAndRemove(t *testing.T) {
	var q timerQueue
	var fired []int
	now := testNow()

	e1 := q.insert(now.Add(10), func() { fired = append(fired, 1) })
	e2 := q.insert(now.Add(5), func() { fired = append(fired, 2) })
	e3 := q.insert(now.Add(1), func() { fired = append(fired, 3) })
	_ = e1

	q.remove(e2)
	// Double remove is a no-op.
	q.remove(e2)

	next, has := q.tick(now.Add(2))
	assert.Equal(t, []int{3}, fired)
	assert.True(t, has)
	assert.Equal(t, int64(8), next.Nanoseconds())

	_, has = q.tick(now.Add(20))
	assert.Equal(t, []int{3, 1}, fired)
	assert.False(t, has)
	assert.True(t, q.empty())

	// Removing an already-fired entry is a no-op.
	q.remove(e3)
}
