package emitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyed struct{ id string }

func byID(id string) Predicate {
	return func(ev Event) bool { return ev.(keyed).id == id }
}

func TestEmit_RunsListenersInRegistrationOrder(t *testing.T) {
	t.Parallel()

	e := New()
	var mu sync.Mutex
	var order []int
	for i := range 3 {
		_, err := e.On("request", func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	assert.True(t, e.Emit(context.Background(), "request", keyed{"a"}))
	require.NoError(t, e.UntilIdle(context.Background(), "request", nil))
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, e.Pending("request"))
}

func TestEmit_NoListeners(t *testing.T) {
	t.Parallel()

	e := New()
	assert.False(t, e.Emit(context.Background(), "request", keyed{"a"}))
	require.NoError(t, e.UntilIdle(context.Background(), "request", nil))
}

func TestNotify_IsNotTracked(t *testing.T) {
	t.Parallel()

	e := New()
	assert.False(t, e.Notify(context.Background(), "response", keyed{"a"}))

	done := make(chan struct{})
	_, err := e.On("response", func(context.Context, Event) error {
		defer close(done)
		return errors.New("boom")
	})
	require.NoError(t, err)

	assert.True(t, e.Notify(context.Background(), "response", keyed{"a"}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
	assert.Zero(t, e.Pending("response"))
	require.NoError(t, e.UntilIdle(context.Background(), "response", nil))
}

func TestEmit_StopsAtFirstError(t *testing.T) {
	t.Parallel()

	e := New()
	boom := errors.New("boom")
	var third atomic.Bool
	_, _ = e.On("request", func(context.Context, Event) error { return nil })
	_, _ = e.On("request", func(context.Context, Event) error { return boom })
	_, _ = e.On("request", func(context.Context, Event) error { third.Store(true); return nil })

	e.Emit(context.Background(), "request", keyed{"a"})
	err := e.UntilIdle(context.Background(), "request", nil)

	require.ErrorIs(t, err, boom)
	var le *ListenerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.Index)
	assert.Equal(t, "request", le.Event)
	assert.False(t, third.Load())

	// Collected exactly once.
	assert.Zero(t, e.Pending("request"))
	require.NoError(t, e.UntilIdle(context.Background(), "request", nil))
}

func TestEmit_RecoversPanic(t *testing.T) {
	t.Parallel()

	e := New()
	_, _ = e.On("request", func(context.Context, Event) error { panic("kaput") })

	e.Emit(context.Background(), "request", keyed{"a"})
	err := e.UntilIdle(context.Background(), "request", nil)

	var le *ListenerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "kaput", le.Panic)
	assert.Contains(t, le.Error(), "panicked")
	assert.NotEmpty(t, le.Stack)
}

func TestUntilIdle_WaitsForSlowListener(t *testing.T) {
	t.Parallel()

	e := New()
	release := make(chan struct{})
	var done atomic.Bool
	_, _ = e.On("request", func(context.Context, Event) error {
		<-release
		done.Store(true)
		return nil
	})

	e.Emit(context.Background(), "request", keyed{"a"})

	idle := make(chan error, 1)
	go func() { idle <- e.UntilIdle(context.Background(), "request", nil) }()

	select {
	case <-idle:
		t.Fatal("UntilIdle returned before the listener finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-idle)
	assert.True(t, done.Load())
}

func TestUntilIdle_PredicateIsolatesDispatches(t *testing.T) {
	t.Parallel()

	e := New()
	block := make(chan struct{})
	defer close(block)
	_, _ = e.On("request", func(_ context.Context, ev Event) error {
		if ev.(keyed).id == "slow" {
			<-block
		}
		return nil
	})

	e.Emit(context.Background(), "request", keyed{"slow"})
	e.Emit(context.Background(), "request", keyed{"fast"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.UntilIdle(ctx, "request", byID("fast")))
	assert.Equal(t, 1, e.Pending("request"))
}

func TestUntilIdle_ContextCancelled(t *testing.T) {
	t.Parallel()

	e := New()
	block := make(chan struct{})
	defer close(block)
	_, _ = e.On("request", func(context.Context, Event) error { <-block; return nil })
	e.Emit(context.Background(), "request", keyed{"a"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.UntilIdle(ctx, "request", nil), context.DeadlineExceeded)
}

func TestOnce_FiresOnce(t *testing.T) {
	t.Parallel()

	e := New()
	var calls atomic.Int32
	_, err := e.Once("response", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.EmitSync(context.Background(), "response", nil))
	require.NoError(t, e.EmitSync(context.Background(), "response", nil))

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, e.ListenerCount("response"))
}

func TestOff(t *testing.T) {
	t.Parallel()

	e := New()
	var calls atomic.Int32
	sub, _ := e.On("data", func(context.Context, Event) error { calls.Add(1); return nil })
	_, _ = e.On("data", func(context.Context, Event) error { return nil })

	assert.True(t, e.Off(sub))
	assert.False(t, e.Off(sub))
	assert.Equal(t, 1, e.ListenerCount("data"))

	require.NoError(t, e.EmitSync(context.Background(), "data", nil))
	assert.Zero(t, calls.Load())
}

func TestRemoveAllListeners(t *testing.T) {
	t.Parallel()

	e := New()
	noop := func(context.Context, Event) error { return nil }
	_, _ = e.On("a", noop)
	_, _ = e.On("b", noop)
	_, _ = e.On("c", noop)

	e.RemoveAllListeners("a")
	assert.Zero(t, e.ListenerCount("a"))
	assert.Equal(t, 1, e.ListenerCount("b"))

	e.RemoveAllListeners()
	assert.Zero(t, e.ListenerCount("b"))
	assert.Zero(t, e.ListenerCount("c"))
}

func TestEmitSync_ReturnsListenerError(t *testing.T) {
	t.Parallel()

	e := New()
	boom := errors.New("boom")
	_, _ = e.On("error", func(context.Context, Event) error { return boom })

	err := e.EmitSync(context.Background(), "error", nil)
	assert.ErrorIs(t, err, boom)
}

func TestClose(t *testing.T) {
	t.Parallel()

	e := New()
	var calls atomic.Int32
	_, _ = e.On("request", func(context.Context, Event) error { calls.Add(1); return nil })

	e.Close()
	assert.True(t, e.Closed())

	_, err := e.On("request", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrClosed)

	assert.False(t, e.Emit(context.Background(), "request", keyed{"a"}))
	require.NoError(t, e.UntilIdle(context.Background(), "request", nil))
	assert.Zero(t, calls.Load())
}

func TestOn_NilListener(t *testing.T) {
	t.Parallel()

	_, err := New().On("request", nil)
	assert.Error(t, err)
}
