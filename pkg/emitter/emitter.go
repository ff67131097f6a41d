package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/getmockd/interceptors/pkg/logging"
)

// ErrClosed is returned when adding a listener to a closed emitter.
var ErrClosed = errors.New("emitter is closed")

// Event is the payload handed to listeners.
type Event = any

// Listener handles one event. A returned error (or a panic) stops the remaining
// listeners of that dispatch and is reported by UntilIdle.
type Listener func(ctx context.Context, ev Event) error

// Predicate selects the dispatches an idle barrier waits on.
type Predicate func(ev Event) bool

// Subscription identifies a registered listener for Off.
type Subscription struct {
	Event string
	id    uint64
}

// ListenerError wraps an error returned or panicked by a listener.
type ListenerError struct {
	Event string
	// Index is the listener's position in the dispatch snapshot.
	Index int
	Err   error
	// Panic holds the recovered value when the listener panicked.
	Panic any
	Stack []byte
}

func (e *ListenerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("listener %d for %q panicked: %v", e.Index, e.Event, e.Panic)
	}
	return fmt.Sprintf("listener %d for %q: %v", e.Index, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

type entry struct {
	id    uint64
	fn    Listener
	once  bool
	fired atomic.Bool
}

// dispatch is one tracked Emit.
type dispatch struct {
	seq  uint64
	ev   Event
	done chan struct{}
	err  error
}

// Emitter is a multi-listener event bus with an idle barrier.
// It is safe for concurrent use.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	nextSeq   uint64
	listeners map[string][]*entry
	inflight  map[string]map[*dispatch]struct{}
	closed    bool
	log       *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.log = logging.Component(l, "emitter") }
}

// New creates an empty Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		listeners: make(map[string][]*entry),
		inflight:  make(map[string]map[*dispatch]struct{}),
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On appends a listener for the event.
func (e *Emitter) On(name string, fn Listener) (Subscription, error) {
	return e.add(name, fn, false)
}

// Once appends a listener that unregisters itself before its first invocation.
func (e *Emitter) Once(name string, fn Listener) (Subscription, error) {
	return e.add(name, fn, true)
}

func (e *Emitter) add(name string, fn Listener, once bool) (Subscription, error) {
	if fn == nil {
		return Subscription{}, errors.New("listener cannot be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Subscription{}, fmt.Errorf("%w: cannot add %q listener", ErrClosed, name)
	}

	e.nextID++
	e.listeners[name] = append(e.listeners[name], &entry{id: e.nextID, fn: fn, once: once})
	return Subscription{Event: name, id: e.nextID}, nil
}

// Off removes the listener behind sub. It reports whether anything was removed.
// Dispatches already running keep their snapshot.
func (e *Emitter) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(sub.Event, sub.id)
}

func (e *Emitter) removeLocked(name string, id uint64) bool {
	list := e.listeners[name]
	for i, ent := range list {
		if ent.id != id {
			continue
		}
		next := make([]*entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, name)
		} else {
			e.listeners[name] = next
		}
		return true
	}
	return false
}

// RemoveAllListeners removes every listener of the named events, or of all
// events when no name is given.
func (e *Emitter) RemoveAllListeners(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(names) == 0 {
		e.listeners = make(map[string][]*entry)
		return
	}
	for _, n := range names {
		delete(e.listeners, n)
	}
}

// ListenerCount returns the number of listeners registered for the event.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

// Close removes all listeners and refuses new ones. Emissions after Close reach
// no listener. Dispatches already in flight run to completion.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.listeners = make(map[string][]*entry)
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Emitter) snapshot(name string) []*entry {
	if e.closed {
		return nil
	}
	list := e.listeners[name]
	out := make([]*entry, len(list))
	copy(out, list)
	return out
}

// Emit starts a tracked dispatch of ev to the current listeners of name and
// returns immediately. It reports whether any listener was registered.
func (e *Emitter) Emit(ctx context.Context, name string, ev Event) bool {
	e.mu.Lock()
	listeners := e.snapshot(name)
	e.nextSeq++
	d := &dispatch{seq: e.nextSeq, ev: ev, done: make(chan struct{})}
	if e.inflight[name] == nil {
		e.inflight[name] = make(map[*dispatch]struct{})
	}
	e.inflight[name][d] = struct{}{}
	e.mu.Unlock()

	go func() {
		d.err = e.run(ctx, name, listeners, ev)
		if d.err != nil {
			e.log.Debug("listener failed", "event", name, "error", d.err)
		}

		// Settled dispatches without an error have nothing left to report.
		// Failed ones stay until an idle barrier collects their error.
		e.mu.Lock()
		if d.err == nil {
			delete(e.inflight[name], d)
		}
		e.mu.Unlock()
		close(d.done)
	}()

	return len(listeners) > 0
}

// Notify dispatches ev to the current listeners of name on a new goroutine
// without tracking it: UntilIdle never waits on it and a listener error is
// only logged. It reports whether any listener was registered.
func (e *Emitter) Notify(ctx context.Context, name string, ev Event) bool {
	e.mu.Lock()
	listeners := e.snapshot(name)
	e.mu.Unlock()
	if len(listeners) == 0 {
		return false
	}

	go func() {
		if err := e.run(ctx, name, listeners, ev); err != nil {
			e.log.Warn("listener failed", "event", name, "error", err)
		}
	}()
	return true
}

// EmitSync runs the current listeners of name inline, in registration order,
// and returns the first listener error.
func (e *Emitter) EmitSync(ctx context.Context, name string, ev Event) error {
	e.mu.Lock()
	listeners := e.snapshot(name)
	e.mu.Unlock()
	return e.run(ctx, name, listeners, ev)
}

func (e *Emitter) run(ctx context.Context, name string, listeners []*entry, ev Event) error {
	for i, ent := range listeners {
		if ent.once {
			if !ent.fired.CompareAndSwap(false, true) {
				continue
			}
			e.mu.Lock()
			e.removeLocked(name, ent.id)
			e.mu.Unlock()
		}
		if err := invoke(ctx, name, i, ent.fn, ev); err != nil {
			return err
		}
	}
	return nil
}

func invoke(ctx context.Context, name string, index int, fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			le := &ListenerError{Event: name, Index: index, Panic: r, Stack: debug.Stack()}
			if rerr, ok := r.(error); ok {
				le.Err = rerr
			} else {
				le.Err = fmt.Errorf("%v", r)
			}
			err = le
		}
	}()

	if lerr := fn(ctx, ev); lerr != nil {
		return &ListenerError{Event: name, Index: index, Err: lerr}
	}
	return nil
}

// UntilIdle blocks until every dispatch of name that is tracked at the time of
// the call, and matches pred (nil matches all), has settled. The collected
// dispatches are then forgotten, whatever their outcome, and the error of the
// earliest failed one is returned.
func (e *Emitter) UntilIdle(ctx context.Context, name string, pred Predicate) error {
	e.mu.Lock()
	var waiting []*dispatch
	for d := range e.inflight[name] {
		if pred == nil || pred(d.ev) {
			waiting = append(waiting, d)
		}
	}
	e.mu.Unlock()

	for _, d := range waiting {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	for _, d := range waiting {
		delete(e.inflight[name], d)
	}
	if len(e.inflight[name]) == 0 {
		delete(e.inflight, name)
	}
	e.mu.Unlock()

	var first *dispatch
	for _, d := range waiting {
		if d.err != nil && (first == nil || d.seq < first.seq) {
			first = d
		}
	}
	if first != nil {
		return first.err
	}
	return nil
}

// Pending returns the number of tracked dispatches of name, running or failed
// and not yet collected.
func (e *Emitter) Pending(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight[name])
}
