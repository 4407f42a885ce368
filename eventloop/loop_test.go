//go:build linux

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRun_ReturnsValue(t *testing.T) {
	l := newTestLoop(t)
	v, err := Run(l, context.Background(), func(ctx context.Context) (int, error) {
		return 41 + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRun_PropagatesError(t *testing.T) {
	l := newTestLoop(t)
	errBoom := errors.New("boom")
	_, err := Run(l, context.Background(), func(ctx context.Context) (int, error) {
		return 0, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestSleep_Waits(t *testing.T) {
	l := newTestLoop(t)
	start := time.Now()
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		return Sleep(ctx, 20*time.Millisecond)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAwait_TaskChaining(t *testing.T) {
	l := newTestLoop(t)
	v, err := Run(l, context.Background(), func(ctx context.Context) (string, error) {
		child := Spawn(ctx, func(ctx context.Context) (string, error) {
			if err := Sleep(ctx, time.Millisecond); err != nil {
				return "", err
			}
			return "child", nil
		})
		got, err := Await(ctx, child)
		if err != nil {
			return "", err
		}
		return got + "/parent", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "child/parent", v)
}

func TestAwait_DeepChainDoesNotRecurse(t *testing.T) {
	// Ten thousand sequential awaits through the ready queue; recursion
	// through settle callbacks would blow the stack long before.
	l := newTestLoop(t)
	v, err := Run(l, context.Background(), func(ctx context.Context) (int, error) {
		total := 0
		for i := 0; i < 10_000; i++ {
			child := Spawn(ctx, func(ctx context.Context) (int, error) { return 1, nil })
			n, err := Await(ctx, child)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10_000, v)
}

func TestWhenAny_EarliestTimerWins(t *testing.T) {
	l := newTestLoop(t)
	start := time.Now()
	idx := -1
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		t1 := After(ctx, 10*time.Millisecond)
		t2 := After(ctx, 50*time.Millisecond)
		var err error
		idx, err = WhenAny(ctx, t1, t2)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	// The 50ms loser must have been erased, not waited for.
	assert.Less(t, elapsed, 45*time.Millisecond)
}

func TestWhenAny_LoserTaskNeverResumes(t *testing.T) {
	l := newTestLoop(t)
	loserRan := false
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		fast := After(ctx, time.Millisecond)
		slow := After(ctx, 30*time.Millisecond)
		idx, err := WhenAny(ctx, fast, slow)
		if err != nil {
			return err
		}
		if idx != 0 {
			return fmt.Errorf("want index 0, got %d", idx)
		}
		slow.onSettle(func() { loserRan = true })
		// Give the loser every chance to fire were it still queued.
		return Sleep(ctx, 50*time.Millisecond)
	})
	require.NoError(t, err)
	assert.False(t, loserRan)
}

func TestSpawnDetached_ErrorIsSwallowed(t *testing.T) {
	l := newTestLoop(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		SpawnDetached(ctx, func(ctx context.Context) error {
			return errors.New("detached failure")
		})
		return Sleep(ctx, 5*time.Millisecond)
	})
	assert.NoError(t, err)
}

func TestStart_RunsWhenDriven(t *testing.T) {
	l := newTestLoop(t)
	ran := false
	l.Start(func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, l.Sync(context.Background(), func(ctx context.Context) error {
		return Sleep(ctx, time.Millisecond)
	}))
	assert.True(t, ran)
}

func TestAwait_OutsideTask(t *testing.T) {
	l := newTestLoop(t)
	fut := NewFuture[int](l)
	_, err := Await(l.Context(context.Background()), fut)
	assert.ErrorIs(t, err, ErrNotInTask)
}
