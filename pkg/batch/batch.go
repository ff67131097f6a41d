package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/interceptor"
)

// Batch applies several interceptors together. Listeners added through the
// batch are added to every member.
type Batch struct {
	name    string
	members []*interceptor.Interceptor
}

// New creates a batch. Members must have distinct registry keys.
func New(name string, members ...*interceptor.Interceptor) (*Batch, error) {
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m == nil {
			return nil, errors.New("batch member cannot be nil")
		}
		if seen[m.Key()] {
			return nil, fmt.Errorf("batch %q: duplicate interceptor %q", name, m.Key())
		}
		seen[m.Key()] = true
	}
	return &Batch{name: name, members: members}, nil
}

// Name returns the batch name.
func (b *Batch) Name() string { return b.name }

// Members returns the interceptors in the batch.
func (b *Batch) Members() []*interceptor.Interceptor {
	out := make([]*interceptor.Interceptor, len(b.members))
	copy(out, b.members)
	return out
}

// Apply applies every member in order. If one fails, the members applied
// before it are disposed again.
func (b *Batch) Apply() error {
	for k, m := range b.members {
		if err := m.Apply(); err != nil {
			var undo []error
			for j := k - 1; j >= 0; j-- {
				undo = append(undo, b.members[j].Dispose())
			}
			return errors.Join(fmt.Errorf("batch %q: %w", b.name, err), errors.Join(undo...))
		}
	}
	return nil
}

// Subscription identifies a listener added through the batch.
type Subscription struct {
	subs []emitter.Subscription
}

// On adds fn to every member.
func (b *Batch) On(event string, fn emitter.Listener) (Subscription, error) {
	return b.add(event, fn, false)
}

// Once adds fn to every member; it runs at most once per member.
func (b *Batch) Once(event string, fn emitter.Listener) (Subscription, error) {
	return b.add(event, fn, true)
}

func (b *Batch) add(event string, fn emitter.Listener, once bool) (Subscription, error) {
	var sub Subscription
	for _, m := range b.members {
		var (
			s   emitter.Subscription
			err error
		)
		if once {
			s, err = m.Once(event, fn)
		} else {
			s, err = m.On(event, fn)
		}
		if err != nil {
			b.Off(sub)
			return Subscription{}, err
		}
		sub.subs = append(sub.subs, s)
	}
	return sub, nil
}

// OnRequest adds a typed request listener to every member.
func (b *Batch) OnRequest(fn interceptor.RequestListener) (Subscription, error) {
	return b.On(interceptor.EventRequest, func(ctx context.Context, ev emitter.Event) error {
		return fn(ctx, ev.(*interceptor.RequestEvent))
	})
}

// OnResponse adds a typed response listener to every member.
func (b *Batch) OnResponse(fn interceptor.ResponseListener) (Subscription, error) {
	return b.On(interceptor.EventResponse, func(ctx context.Context, ev emitter.Event) error {
		return fn(ctx, ev.(*interceptor.ResponseEvent))
	})
}

// Off removes a listener added through the batch.
func (b *Batch) Off(sub Subscription) {
	for k, s := range sub.subs {
		b.members[k].Off(s)
	}
}

// RemoveAllListeners removes listeners for the given events from every
// member, or all listeners when none are given.
func (b *Batch) RemoveAllListeners(events ...string) {
	for _, m := range b.members {
		m.RemoveAllListeners(events...)
	}
}

// Dispose disposes every member, newest first, and joins their errors.
func (b *Batch) Dispose() error {
	var errs []error
	for k := len(b.members) - 1; k >= 0; k-- {
		if err := b.members[k].Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.members[k].Symbol(), err))
		}
	}
	return errors.Join(errs...)
}
