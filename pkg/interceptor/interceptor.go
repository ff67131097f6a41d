package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/logging"
)

// State is the lifecycle position of an Interceptor.
type State int

const (
	StateInactive State = iota
	StateApplying
	StateApplied
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateApplying:
		return "applying"
	case StateApplied:
		return "applied"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Setup installs and removes the patch behind an interceptor.
type Setup interface {
	// CheckEnvironment reports whether the capability the interceptor
	// patches is present. When it is not the interceptor stays inert.
	CheckEnvironment() bool
	// Setup installs the patch. Undo steps are registered with Subscribe.
	Setup(i *Interceptor) error
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithRegistry sets the registry the interceptor is applied against.
func WithRegistry(r *Registry) Option {
	return func(i *Interceptor) { i.registry = r }
}

// WithKey sets the registry key. Instances sharing a key share one patch.
// Defaults to the symbol.
func WithKey(key string) Option {
	return func(i *Interceptor) { i.key = key }
}

// WithLogger sets the interceptor logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

type listener struct {
	event string
	fn    emitter.Listener
	once  bool
	sub   emitter.Subscription
}

// forward is a listener attached to the active instance on a proxy's behalf.
type forward struct {
	own    emitter.Subscription
	remote emitter.Subscription
	owner  *Interceptor
}

// Interceptor is one interception instance.
type Interceptor struct {
	symbol   string
	key      string
	setup    Setup
	registry *Registry
	logger   *slog.Logger
	log      *slog.Logger
	events   *emitter.Emitter

	mu        sync.Mutex
	state     State
	listeners []listener
	forwards  []forward
	proxyOf   *Interceptor
	disposers []func() error
}

// New creates an inactive interceptor for the capability key symbol.
func New(symbol string, setup Setup, opts ...Option) (*Interceptor, error) {
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	if setup == nil {
		return nil, ErrNilSetup
	}

	i := &Interceptor{symbol: symbol, key: symbol, setup: setup, registry: DefaultRegistry}
	for _, opt := range opts {
		opt(i)
	}
	if i.key == "" {
		i.key = symbol
	}
	i.log = logging.Component(i.logger, "interceptor").With("symbol", symbol)
	i.events = emitter.New(emitter.WithLogger(i.logger))
	return i, nil
}

// Symbol returns the capability key.
func (i *Interceptor) Symbol() string { return i.symbol }

// Key returns the registry key.
func (i *Interceptor) Key() string { return i.key }

// Registry returns the registry the interceptor applies against.
func (i *Interceptor) Registry() *Registry { return i.registry }

// Logger returns the logger passed with WithLogger, or a no-op logger.
func (i *Interceptor) Logger() *slog.Logger { return logging.OrNop(i.logger) }

// Emitter returns the bus this instance publishes on. Listeners of proxies
// are attached to the active instance's bus, not this one.
func (i *Interceptor) Emitter() *emitter.Emitter { return i.events }

// State returns the lifecycle state.
func (i *Interceptor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Proxy returns the active instance this one forwards listeners to, or nil.
func (i *Interceptor) Proxy() *Interceptor {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proxyOf
}

// Apply installs the interceptor. It is a no-op when already applied and
// leaves the interceptor inactive when the environment lacks the capability.
func (i *Interceptor) Apply() error {
	i.mu.Lock()
	switch i.state {
	case StateApplying, StateApplied:
		i.mu.Unlock()
		return nil
	case StateDisposing, StateDisposed:
		i.mu.Unlock()
		return ErrDisposed
	}
	i.state = StateApplying
	i.mu.Unlock()

	if !i.setup.CheckEnvironment() {
		i.log.Debug("capability not available, interceptor stays inactive")
		i.setState(StateInactive)
		return nil
	}

	r := i.registry
	r.mu.Lock()
	if active, ok := r.active[i.key]; ok && active != i {
		r.mu.Unlock()
		i.becomeProxy(active)
		i.log.Debug("interceptor already active, proxying listeners", "key", i.key)
		return nil
	}
	// Reserve the key; Setup runs without the registry lock.
	r.active[i.key] = i
	r.mu.Unlock()

	if err := i.setup.Setup(i); err != nil {
		r.remove(i.key, i)
		undoErr := i.runDisposers()
		i.setState(StateInactive)
		return errors.Join(fmt.Errorf("apply %s: %w", i.symbol, err), undoErr)
	}

	i.setState(StateApplied)
	i.log.Debug("interceptor applied")
	return nil
}

func (i *Interceptor) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// becomeProxy attaches the listeners held so far to active.
func (i *Interceptor) becomeProxy(active *Interceptor) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.proxyOf = active
	for _, l := range i.listeners {
		i.forwardLocked(l)
	}
	i.disposers = append(i.disposers, func() error {
		i.mu.Lock()
		defer i.mu.Unlock()
		for _, f := range i.forwards {
			f.owner.events.Off(f.remote)
		}
		i.forwards = nil
		return nil
	})
	i.state = StateApplied
}

func (i *Interceptor) forwardLocked(l listener) {
	target := i.proxyOf.events
	var (
		sub emitter.Subscription
		err error
	)
	if l.once {
		sub, err = target.Once(l.event, l.fn)
	} else {
		sub, err = target.On(l.event, l.fn)
	}
	if err != nil {
		i.log.Warn("could not forward listener to active interceptor", "event", l.event, "error", err)
		return
	}
	i.forwards = append(i.forwards, forward{own: l.sub, remote: sub, owner: i.proxyOf})
}

// Subscribe registers a disposal step. Steps run in reverse order on Dispose.
func (i *Interceptor) Subscribe(fn func() error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposers = append(i.disposers, fn)
}

// On adds a listener for the event.
func (i *Interceptor) On(event string, fn emitter.Listener) (emitter.Subscription, error) {
	return i.add(event, fn, false)
}

// Once adds a listener that runs at most once.
func (i *Interceptor) Once(event string, fn emitter.Listener) (emitter.Subscription, error) {
	return i.add(event, fn, true)
}

func (i *Interceptor) add(event string, fn emitter.Listener, once bool) (emitter.Subscription, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state >= StateDisposing {
		return emitter.Subscription{}, fmt.Errorf("%w: cannot add %q listener to %s", ErrDisposed, event, i.symbol)
	}

	var (
		sub emitter.Subscription
		err error
	)
	if once {
		sub, err = i.events.Once(event, fn)
	} else {
		sub, err = i.events.On(event, fn)
	}
	if err != nil {
		return emitter.Subscription{}, err
	}

	l := listener{event: event, fn: fn, once: once, sub: sub}
	i.listeners = append(i.listeners, l)
	if i.proxyOf != nil && i.state == StateApplied {
		i.forwardLocked(l)
	}
	return sub, nil
}

// Off removes a listener added with On or Once.
func (i *Interceptor) Off(sub emitter.Subscription) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.listeners = slices.DeleteFunc(i.listeners, func(l listener) bool { return l.sub == sub })
	i.forwards = slices.DeleteFunc(i.forwards, func(f forward) bool {
		if f.own != sub {
			return false
		}
		f.owner.events.Off(f.remote)
		return true
	})
	return i.events.Off(sub)
}

// RemoveAllListeners removes the listeners of the named events, or all
// listeners when no name is given.
func (i *Interceptor) RemoveAllListeners(events ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	match := func(name string) bool { return len(events) == 0 || slices.Contains(events, name) }

	i.listeners = slices.DeleteFunc(i.listeners, func(l listener) bool {
		if !match(l.event) {
			return false
		}
		i.forwards = slices.DeleteFunc(i.forwards, func(f forward) bool {
			if f.own != l.sub {
				return false
			}
			f.owner.events.Off(f.remote)
			return true
		})
		return true
	})
	i.events.RemoveAllListeners(events...)
}

// ListenerCount returns the number of listeners this instance holds for event.
func (i *Interceptor) ListenerCount(event string) int {
	return i.events.ListenerCount(event)
}

// Emit starts a tracked dispatch on this instance's bus.
func (i *Interceptor) Emit(ctx context.Context, event string, ev emitter.Event) bool {
	return i.events.Emit(ctx, event, ev)
}

// Notify starts an untracked dispatch on this instance's bus.
func (i *Interceptor) Notify(ctx context.Context, event string, ev emitter.Event) bool {
	return i.events.Notify(ctx, event, ev)
}

// Dispose removes the interceptor. The registry entry is cleared first, then
// disposal steps run newest first; every step runs even when an earlier one
// fails, and their errors are returned joined. Dispose is idempotent.
func (i *Interceptor) Dispose() error {
	i.mu.Lock()
	if i.state >= StateDisposing {
		i.mu.Unlock()
		return nil
	}
	i.state = StateDisposing
	i.mu.Unlock()

	i.registry.remove(i.key, i)
	err := i.runDisposers()
	i.events.Close()

	i.mu.Lock()
	i.state = StateDisposed
	i.listeners = nil
	i.proxyOf = nil
	i.mu.Unlock()

	if err != nil {
		i.log.Warn("interceptor disposed with errors", "error", err)
	} else {
		i.log.Debug("interceptor disposed")
	}
	return err
}

func (i *Interceptor) runDisposers() error {
	i.mu.Lock()
	steps := i.disposers
	i.disposers = nil
	i.mu.Unlock()

	var errs []error
	for k := len(steps) - 1; k >= 0; k-- {
		if err := runStep(steps[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runStep(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disposal step panicked: %v", r)
		}
	}()
	return fn()
}
