// Package interceptor manages the lifecycle of interceptors and the listener
// API consumers use to observe and decide outgoing requests.
//
// An Interceptor is identified by a capability symbol and a registry key.
// The key defaults to the symbol; interceptors that patch a specific object
// use WithKey so that instances patching different objects are applied
// independently. Applying an interceptor installs its patch through Setup
// and registers it as the active instance for its key. Applying a second
// instance with the same key against the same Registry does not patch twice:
// the second instance becomes a proxy whose listeners are attached to the
// active instance, and disposing it detaches exactly those listeners.
//
// Basic usage:
//
//	ic, err := clientrequest.New(clientrequest.Options{Transport: t})
//	if err != nil {
//		return err
//	}
//	ic.OnRequest(func(ctx context.Context, ev *interceptor.RequestEvent) error {
//		return ev.Controller.RespondWith(resp)
//	})
//	if err := ic.Apply(); err != nil {
//		return err
//	}
//	defer ic.Dispose()
package interceptor
