package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyHandled is wrapped by MisuseError when a decision is supplied twice.
	ErrAlreadyHandled = errors.New("request has already been handled")

	// ErrAborted is returned by Wait after the caller tore the connection down.
	ErrAborted = errors.New("request was aborted")
)

// Kind identifies the outcome chosen for a request.
type Kind int

const (
	// KindPassthrough performs the real request.
	KindPassthrough Kind = iota
	// KindRespond writes a synthetic response.
	KindRespond
	// KindError fails the request with a network error.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRespond:
		return "respond"
	case KindError:
		return "error"
	default:
		return "passthrough"
	}
}

// Decision is the settled outcome of a controller.
type Decision struct {
	Kind     Kind
	Response *http.Response
	Err      error
	// Auto is true when nobody decided and the controller fell back to passthrough.
	Auto bool
}

// MisuseError reports a second decision on the same request.
type MisuseError struct {
	Op     string
	Method string
	URL    string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("cannot call %s on %s %s: %v", e.Op, e.Method, e.URL, ErrAlreadyHandled)
}

func (e *MisuseError) Unwrap() error { return ErrAlreadyHandled }

const (
	statePending int32 = iota
	stateDecided
	stateAborted
)

// Controller collects the decision for one request. Its methods are safe for
// concurrent use; the first decision wins.
type Controller struct {
	req      *http.Request
	state    atomic.Int32
	decision Decision
	settled  chan struct{}
	arm      sync.Once
}

// New creates a pending controller for req.
func New(req *http.Request) *Controller {
	return &Controller{req: req, settled: make(chan struct{})}
}

// Request returns the request this controller decides.
func (c *Controller) Request() *http.Request { return c.req }

// RespondWith supplies a synthetic response.
func (c *Controller) RespondWith(resp *http.Response) error {
	if resp == nil {
		return errors.New("response cannot be nil")
	}
	return c.decide("RespondWith", Decision{Kind: KindRespond, Response: resp})
}

// ErrorWith fails the request with err as if the network had failed.
func (c *Controller) ErrorWith(err error) error {
	if err == nil {
		err = errors.New("network error")
	}
	return c.decide("ErrorWith", Decision{Kind: KindError, Err: err})
}

// Passthrough lets the request reach the real destination.
func (c *Controller) Passthrough() error {
	return c.decide("Passthrough", Decision{Kind: KindPassthrough})
}

func (c *Controller) decide(op string, d Decision) error {
	if c.state.CompareAndSwap(statePending, stateDecided) {
		c.decision = d
		close(c.settled)
		return nil
	}
	if c.state.Load() == stateAborted {
		return nil
	}

	me := &MisuseError{Op: op}
	if c.req != nil {
		me.Method = c.req.Method
		if c.req.URL != nil {
			me.URL = c.req.URL.String()
		}
	}
	return me
}

// ResolveDefault settles a pending controller to passthrough. It reports whether
// it made the decision.
func (c *Controller) ResolveDefault() bool {
	if !c.state.CompareAndSwap(statePending, stateDecided) {
		return false
	}
	c.decision = Decision{Kind: KindPassthrough, Auto: true}
	close(c.settled)
	return true
}

// Abort marks the request as torn down. Later decisions are ignored.
func (c *Controller) Abort() {
	if c.state.CompareAndSwap(statePending, stateAborted) {
		close(c.settled)
	}
}

// Handled reports whether a decision has been made.
func (c *Controller) Handled() bool { return c.state.Load() == stateDecided }

// Aborted reports whether Abort won over any decision.
func (c *Controller) Aborted() bool { return c.state.Load() == stateAborted }

// Done is closed once the controller is decided or aborted.
func (c *Controller) Done() <-chan struct{} { return c.settled }

// Wait returns the decision. The first call schedules a zero-delay
// auto-resolution to passthrough, so a decision already supplied, or supplied
// before the timer runs, takes priority.
func (c *Controller) Wait(ctx context.Context) (Decision, error) {
	c.arm.Do(func() {
		time.AfterFunc(0, func() { c.ResolveDefault() })
	})

	select {
	case <-c.settled:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	if c.state.Load() == stateAborted {
		return Decision{}, ErrAborted
	}
	return c.decision, nil
}
