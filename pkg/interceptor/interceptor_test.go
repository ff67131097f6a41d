package interceptor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/interceptors/pkg/emitter"
)

type fakeSetup struct {
	available bool
	setupErr  error
	setups    atomic.Int32
	undo      []func() error
	onSetup   func(i *Interceptor)
}

func (f *fakeSetup) CheckEnvironment() bool { return f.available }

func (f *fakeSetup) Setup(i *Interceptor) error {
	f.setups.Add(1)
	if f.onSetup != nil {
		f.onSetup(i)
	}
	for _, u := range f.undo {
		i.Subscribe(u)
	}
	return f.setupErr
}

func newInterceptor(t *testing.T, r *Registry, setup *fakeSetup, opts ...Option) *Interceptor {
	t.Helper()
	i, err := New("client-request", setup, append([]Option{WithRegistry(r)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Dispose() })
	return i
}

func emitAndWait(t *testing.T, i *Interceptor, ev emitter.Event) {
	t.Helper()
	i.Emit(context.Background(), "request", ev)
	require.NoError(t, i.Emitter().UntilIdle(context.Background(), "request", nil))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New("", &fakeSetup{})
	assert.ErrorIs(t, err, ErrEmptySymbol)

	_, err = New("x", nil)
	assert.ErrorIs(t, err, ErrNilSetup)
}

func TestApply_RegistersActiveInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	setup := &fakeSetup{available: true}
	i := newInterceptor(t, r, setup)

	require.NoError(t, i.Apply())
	require.NoError(t, i.Apply())

	assert.Equal(t, StateApplied, i.State())
	assert.Equal(t, int32(1), setup.setups.Load())
	active, ok := r.Lookup("client-request")
	require.True(t, ok)
	assert.Same(t, i, active)
	assert.Equal(t, []string{"client-request"}, r.Keys())
}

func TestApply_CapabilityMissingStaysInert(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	setup := &fakeSetup{available: false}
	i := newInterceptor(t, r, setup)

	require.NoError(t, i.Apply())
	assert.Equal(t, StateInactive, i.State())
	assert.Zero(t, setup.setups.Load())
	_, ok := r.Lookup("client-request")
	assert.False(t, ok)
}

func TestApply_SetupFailureRollsBack(t *testing.T) {
	t.Parallel()

	var undone atomic.Bool
	setup := &fakeSetup{
		available: true,
		setupErr:  errors.New("cannot patch"),
		undo:      []func() error{func() error { undone.Store(true); return nil }},
	}
	r := NewRegistry()
	i := newInterceptor(t, r, setup)

	err := i.Apply()
	require.ErrorContains(t, err, "cannot patch")
	assert.True(t, undone.Load())
	assert.Equal(t, StateInactive, i.State())
	_, ok := r.Lookup("client-request")
	assert.False(t, ok)
}

func TestApply_SecondInstanceProxiesListeners(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	setupA := &fakeSetup{available: true}
	setupB := &fakeSetup{available: true}
	a := newInterceptor(t, r, setupA)
	b := newInterceptor(t, r, setupB)

	require.NoError(t, a.Apply())

	var early, late atomic.Int32
	_, err := b.On("request", func(context.Context, emitter.Event) error { early.Add(1); return nil })
	require.NoError(t, err)

	require.NoError(t, b.Apply())
	assert.Zero(t, setupB.setups.Load(), "proxy must not patch again")
	assert.Same(t, a, b.Proxy())
	assert.Equal(t, StateApplied, b.State())

	_, err = b.On("request", func(context.Context, emitter.Event) error { late.Add(1); return nil })
	require.NoError(t, err)

	emitAndWait(t, a, "r1")
	assert.Equal(t, int32(1), early.Load())
	assert.Equal(t, int32(1), late.Load())

	// Disposing the proxy detaches only its listeners.
	var own atomic.Int32
	_, err = a.On("request", func(context.Context, emitter.Event) error { own.Add(1); return nil })
	require.NoError(t, err)

	require.NoError(t, b.Dispose())
	emitAndWait(t, a, "r2")
	assert.Equal(t, int32(1), early.Load())
	assert.Equal(t, int32(1), late.Load())
	assert.Equal(t, int32(1), own.Load())

	active, _ := r.Lookup("client-request")
	assert.Same(t, a, active)
}

func TestApply_DistinctKeysPatchIndependently(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	setupA := &fakeSetup{available: true}
	setupB := &fakeSetup{available: true}
	a := newInterceptor(t, r, setupA, WithKey("client-request:t1"))
	b := newInterceptor(t, r, setupB, WithKey("client-request:t2"))

	require.NoError(t, a.Apply())
	require.NoError(t, b.Apply())

	assert.Equal(t, int32(1), setupA.setups.Load())
	assert.Equal(t, int32(1), setupB.setups.Load())
	assert.Nil(t, b.Proxy())
	assert.Equal(t, "client-request", b.Symbol())
	assert.Equal(t, "client-request:t2", b.Key())
	assert.ElementsMatch(t, []string{"client-request:t1", "client-request:t2"}, r.Keys())

	active, ok := r.Lookup("client-request:t2")
	require.True(t, ok)
	assert.Same(t, b, active)
}

func TestApply_SetupMayUseRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var (
		during      *Interceptor
		afterFailed atomic.Bool
	)
	setup := &fakeSetup{
		available: true,
		setupErr:  errors.New("cannot patch"),
		onSetup: func(*Interceptor) {
			during, _ = r.Lookup("client-request")
		},
		undo: []func() error{func() error {
			_, ok := r.Lookup("client-request")
			afterFailed.Store(!ok)
			return nil
		}},
	}
	i := newInterceptor(t, r, setup)

	require.ErrorContains(t, i.Apply(), "cannot patch")
	assert.Same(t, i, during)
	assert.True(t, afterFailed.Load(), "undo steps run after the registry entry is released")
}

func TestOff_RemovesForwardedListener(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newInterceptor(t, r, &fakeSetup{available: true})
	b := newInterceptor(t, r, &fakeSetup{available: true})
	require.NoError(t, a.Apply())
	require.NoError(t, b.Apply())

	var calls atomic.Int32
	sub, err := b.On("request", func(context.Context, emitter.Event) error { calls.Add(1); return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, a.ListenerCount("request"))

	assert.True(t, b.Off(sub))
	assert.Zero(t, a.ListenerCount("request"))
	assert.Zero(t, b.ListenerCount("request"))

	emitAndWait(t, a, "r")
	assert.Zero(t, calls.Load())
}

func TestRemoveAllListeners_Proxy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newInterceptor(t, r, &fakeSetup{available: true})
	b := newInterceptor(t, r, &fakeSetup{available: true})
	require.NoError(t, a.Apply())
	require.NoError(t, b.Apply())

	noop := func(context.Context, emitter.Event) error { return nil }
	_, _ = b.On("request", noop)
	_, _ = b.On("response", noop)
	_, _ = a.On("request", noop)

	b.RemoveAllListeners("request")
	assert.Equal(t, 1, a.ListenerCount("request"))
	assert.Equal(t, 1, a.ListenerCount("response"))

	b.RemoveAllListeners()
	assert.Zero(t, a.ListenerCount("response"))
	assert.Equal(t, 1, a.ListenerCount("request"))
}

func TestDispose(t *testing.T) {
	t.Parallel()

	var order []string
	setup := &fakeSetup{
		available: true,
		undo: []func() error{
			func() error { order = append(order, "first"); return errors.New("first failed") },
			func() error { order = append(order, "second"); return errors.New("second failed") },
		},
	}
	r := NewRegistry()
	i := newInterceptor(t, r, setup)
	require.NoError(t, i.Apply())

	err := i.Dispose()
	require.ErrorContains(t, err, "first failed")
	require.ErrorContains(t, err, "second failed")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, StateDisposed, i.State())

	_, ok := r.Lookup("client-request")
	assert.False(t, ok)

	// Idempotent.
	assert.NoError(t, i.Dispose())
	assert.Len(t, order, 2)
}

func TestDispose_ThenOnIsRejected(t *testing.T) {
	t.Parallel()

	i := newInterceptor(t, NewRegistry(), &fakeSetup{available: true})
	require.NoError(t, i.Apply())
	require.NoError(t, i.Dispose())

	_, err := i.On("request", func(context.Context, emitter.Event) error { return nil })
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, i.Apply(), ErrDisposed)
	assert.False(t, i.Emit(context.Background(), "request", nil))
}

func TestDispose_AllowsReapplyOfNewInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newInterceptor(t, r, &fakeSetup{available: true})
	require.NoError(t, a.Apply())
	require.NoError(t, a.Dispose())

	setupB := &fakeSetup{available: true}
	b := newInterceptor(t, r, setupB)
	require.NoError(t, b.Apply())
	assert.Equal(t, int32(1), setupB.setups.Load())
	assert.Nil(t, b.Proxy())
}

func TestDispose_ClearsRegistryBeforeTeardown(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	setupB := &fakeSetup{available: true}
	b := newInterceptor(t, r, setupB)

	var (
		seen     bool
		applyErr error
	)
	setupA := &fakeSetup{available: true}
	setupA.undo = []func() error{func() error {
		_, seen = r.Lookup("client-request")
		applyErr = b.Apply()
		return nil
	}}
	a := newInterceptor(t, r, setupA)
	require.NoError(t, a.Apply())

	require.NoError(t, a.Dispose())
	assert.False(t, seen)
	require.NoError(t, applyErr)
	assert.Equal(t, int32(1), setupB.setups.Load())
	assert.Nil(t, b.Proxy())

	active, ok := r.Lookup("client-request")
	require.True(t, ok)
	assert.Same(t, b, active)
}

func TestDispose_StepPanicIsReported(t *testing.T) {
	t.Parallel()

	setup := &fakeSetup{available: true, undo: []func() error{func() error { panic("boom") }}}
	i := newInterceptor(t, NewRegistry(), setup)
	require.NoError(t, i.Apply())
	assert.ErrorContains(t, i.Dispose(), "panicked")
}

func TestTypedListeners(t *testing.T) {
	t.Parallel()

	i := newInterceptor(t, NewRegistry(), &fakeSetup{available: true})
	require.NoError(t, i.Apply())

	var gotID string
	_, err := i.OnRequest(func(_ context.Context, ev *RequestEvent) error {
		gotID = ev.ID
		return nil
	})
	require.NoError(t, err)

	emitAndWait(t, i, &RequestEvent{ID: "req-1"})
	assert.Equal(t, "req-1", gotID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "applied", StateApplied.String())
	assert.Equal(t, "State(42)", State(42).String())
}
