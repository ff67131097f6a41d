package interceptor

import (
	"context"
	"net/http"

	"github.com/getmockd/interceptors/pkg/controller"
	"github.com/getmockd/interceptors/pkg/emitter"
)

// Event names published by interceptors.
const (
	EventRequest            = "request"
	EventResponse           = "response"
	EventUnhandledException = "unhandledException"
)

// CredentialsSameOrigin is the credentials mode of requests made below the
// browser layer.
const CredentialsSameOrigin = "same-origin"

// RequestEvent announces an outgoing request. Listeners decide it through
// Controller and must not modify Request.
type RequestEvent struct {
	ID          string
	Request     *http.Request
	Controller  *controller.Controller
	Credentials string
}

// ResponseEvent describes the response a request received, mocked or real.
type ResponseEvent struct {
	ID       string
	Request  *http.Request
	Response *http.Response
	IsMocked bool
}

// UnhandledExceptionEvent reports a request listener failure. A listener for
// this event may still decide the request through Controller.
type UnhandledExceptionEvent struct {
	ID         string
	Request    *http.Request
	Err        error
	Controller *controller.Controller
}

// RequestListener is the typed form of a request listener.
type RequestListener func(ctx context.Context, ev *RequestEvent) error

// ResponseListener is the typed form of a response listener.
type ResponseListener func(ctx context.Context, ev *ResponseEvent) error

// UnhandledExceptionListener is the typed form of an unhandledException listener.
type UnhandledExceptionListener func(ctx context.Context, ev *UnhandledExceptionEvent) error

// OnRequest registers a typed request listener.
func (i *Interceptor) OnRequest(fn RequestListener) (emitter.Subscription, error) {
	return i.On(EventRequest, func(ctx context.Context, ev emitter.Event) error {
		return fn(ctx, ev.(*RequestEvent))
	})
}

// OnResponse registers a typed response listener.
func (i *Interceptor) OnResponse(fn ResponseListener) (emitter.Subscription, error) {
	return i.On(EventResponse, func(ctx context.Context, ev emitter.Event) error {
		return fn(ctx, ev.(*ResponseEvent))
	})
}

// OnUnhandledException registers a typed unhandledException listener.
func (i *Interceptor) OnUnhandledException(fn UnhandledExceptionListener) (emitter.Subscription, error) {
	return i.On(EventUnhandledException, func(ctx context.Context, ev emitter.Event) error {
		return fn(ctx, ev.(*UnhandledExceptionEvent))
	})
}
