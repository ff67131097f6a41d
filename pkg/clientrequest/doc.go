// Package clientrequest intercepts HTTP/1.x requests at the connection level.
//
// The interceptor patches the dial hooks of an *http.Transport so every
// connection the transport opens is a socket shim (see package socket). The
// shim reports a healthy connection to the transport, reconstructs each
// request written to it and hands it to the request listeners. What the
// listeners decide is then played back on the connection: a mocked response,
// a connection error, or a real connection to the destination.
//
// Basic usage:
//
//	ic, err := clientrequest.New(clientrequest.Options{Transport: transport})
//	if err != nil {
//		return err
//	}
//	ic.OnRequest(func(ctx context.Context, ev *interceptor.RequestEvent) error {
//		if ev.Request.URL.Host == "api.example.com" {
//			return ev.Controller.RespondWith(&http.Response{
//				StatusCode: http.StatusOK,
//				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
//			})
//		}
//		return nil
//	})
//	if err := ic.Apply(); err != nil {
//		return err
//	}
//	defer ic.Dispose()
//
// Requests no listener decides are passed through to the real destination.
// Apply the interceptor before the transport is used: the dial hooks are plain
// struct fields and are not safe to swap while requests are in flight.
package clientrequest
