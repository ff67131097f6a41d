// Package emitter provides the event bus interceptors publish on.
//
// An Emitter keeps an ordered listener list per event name. Emit starts one
// tracked dispatch that runs the listeners in registration order on its own
// goroutine and returns without waiting for them; UntilIdle is the barrier that
// waits for tracked dispatches to settle and reports the first listener error.
//
//	bus := emitter.New()
//	_, _ = bus.On("request", func(ctx context.Context, ev emitter.Event) error {
//	    req := ev.(*interceptor.RequestEvent)
//	    return req.Controller.RespondWith(resp)
//	})
//
//	bus.Emit(ctx, "request", ev)
//	err := bus.UntilIdle(ctx, "request", func(ev emitter.Event) bool {
//	    return ev.(*interceptor.RequestEvent).ID == id
//	})
//
// A predicate scopes the barrier to matching dispatches, so concurrent requests
// sharing the "request" event resolve independently.
//
// Notify is the untracked form for events nothing waits on, such as responses:
// a failed listener is logged and the event is released.
//
// EmitSync runs listeners inline instead. Sockets use it for their event surface,
// where the order between successive emissions is part of the contract.
package emitter
