package resolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/getmockd/interceptors/internal/id"
	"github.com/getmockd/interceptors/pkg/controller"
	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/metrics"
)

// Sink carries out the decision for one request.
type Sink interface {
	RespondWith(resp *http.Response) error
	ErrorWith(err error) error
	Passthrough() error
}

// Coordinator resolves requests against the listeners of an emitter.
type Coordinator struct {
	Emitter *emitter.Emitter
	// Symbol labels metrics with the interceptor kind.
	Symbol string
	Logger *slog.Logger
}

// Result describes how a request was resolved.
type Result struct {
	ID       string
	Decision controller.Decision
	// Exception is the listener error that led to the decision, if any.
	Exception error
}

func (c *Coordinator) logger() *slog.Logger {
	return logging.Component(c.Logger, "resolution")
}

// Handle resolves req and applies the decision to sink. It returns once the
// decision was applied and all request listeners for req have settled.
func (c *Coordinator) Handle(ctx context.Context, req *http.Request, sink Sink) (Result, error) {
	return c.HandleEvent(ctx, &interceptor.RequestEvent{
		ID:          id.Request(),
		Request:     req,
		Controller:  controller.New(req),
		Credentials: interceptor.CredentialsSameOrigin,
	}, sink)
}

// HandleEvent is Handle for a caller-built event.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *interceptor.RequestEvent, sink Sink) (Result, error) {
	start := time.Now()
	log := c.logger().With("request_id", ev.ID, "method", ev.Request.Method, "url", ev.Request.URL.String())
	ctrl := ev.Controller
	res := Result{ID: ev.ID}

	sameRequest := func(e emitter.Event) bool {
		re, ok := e.(*interceptor.RequestEvent)
		return ok && re.ID == ev.ID
	}

	c.Emitter.Emit(ctx, interceptor.EventRequest, ev)

	// The barrier outlives ctx: once a decision is applied the listeners are
	// still awaited, and an aborted request leaves it to collect their errors.
	post := context.WithoutCancel(ctx)
	idle := make(chan error, 1)
	go func() { idle <- c.Emitter.UntilIdle(post, interceptor.EventRequest, sameRequest) }()

	settled := false
	select {
	case <-ctrl.Done():
	case err := <-idle:
		settled = true
		if err != nil {
			res.Exception = c.handleListenerError(ctx, ev, err, log)
		}
		// Nobody decided once every listener settled.
		ctrl.ResolveDefault()
	case <-ctx.Done():
		ctrl.Abort()
	}

	decision, err := ctrl.Wait(ctx)
	if err != nil {
		log.Debug("request aborted before a decision was applied", "error", err)
		return res, err
	}
	res.Decision = decision

	label := decision.Kind.String()
	if res.Exception != nil && decision.Kind == controller.KindRespond {
		label = "exception"
	}
	c.record(label, start)

	var event *interceptor.ResponseEvent
	var applyErr error
	switch decision.Kind {
	case controller.KindRespond:
		observed := c.Emitter.ListenerCount(interceptor.EventResponse) > 0
		sinkResp, eventResp, cerr := cloneResponse(decision.Response, ev.Request, observed)
		if cerr != nil {
			applyErr = sink.ErrorWith(cerr)
			break
		}
		log.Debug("responding with mocked response", "status", sinkResp.StatusCode)
		applyErr = sink.RespondWith(sinkResp)
		if observed {
			event = &interceptor.ResponseEvent{ID: ev.ID, Request: ev.Request, Response: eventResp, IsMocked: true}
		}
	case controller.KindError:
		log.Debug("failing request", "error", decision.Err)
		applyErr = sink.ErrorWith(decision.Err)
	default:
		log.Debug("passing request through", "auto", decision.Auto)
		applyErr = sink.Passthrough()
	}

	if !settled {
		if err := <-idle; err != nil {
			metricListenerError()
			log.Warn("request listener failed after the request was handled", "error", err)
		}
	}

	if event != nil && applyErr == nil {
		c.Emitter.Notify(post, interceptor.EventResponse, event)
	}
	return res, applyErr
}

func (c *Coordinator) record(decision string, start time.Time) {
	if metrics.RequestsTotal != nil {
		if vec, err := metrics.RequestsTotal.WithLabels(c.Symbol, decision); err == nil {
			_ = vec.Inc()
		}
	}
	if metrics.ResolutionDuration != nil {
		if vec, err := metrics.ResolutionDuration.WithLabels(c.Symbol); err == nil {
			vec.Observe(time.Since(start).Seconds())
		}
	}
}

func metricListenerError() {
	if metrics.ListenerErrorsTotal != nil {
		if vec, err := metrics.ListenerErrorsTotal.WithLabels(interceptor.EventRequest); err == nil {
			_ = vec.Inc()
		}
	}
}

// handleListenerError routes a failed request listener and returns the
// underlying error.
func (c *Coordinator) handleListenerError(ctx context.Context, ev *interceptor.RequestEvent, err error, log *slog.Logger) error {
	metricListenerError()
	cause := err
	var le *emitter.ListenerError
	if errors.As(err, &le) && le.Err != nil {
		cause = le.Err
	}

	if ev.Controller.Handled() {
		log.Warn("request listener failed after the request was handled", "error", cause)
		return nil
	}

	if IsNetworkError(cause) {
		log.Debug("request listener raised a network error", "error", cause)
		_ = ev.Controller.ErrorWith(cause)
		return nil
	}

	log.Warn("unhandled exception in request listener", "error", cause)
	exc := &interceptor.UnhandledExceptionEvent{
		ID:         ev.ID,
		Request:    ev.Request,
		Err:        cause,
		Controller: ev.Controller,
	}
	if c.Emitter.Emit(ctx, interceptor.EventUnhandledException, exc) {
		sameRequest := func(e emitter.Event) bool {
			x, ok := e.(*interceptor.UnhandledExceptionEvent)
			return ok && x.ID == ev.ID
		}
		if xerr := c.Emitter.UntilIdle(ctx, interceptor.EventUnhandledException, sameRequest); xerr != nil {
			log.Warn("unhandledException listener failed", "error", xerr)
		}
	}

	if ev.Controller.Handled() {
		return cause
	}
	_ = ev.Controller.RespondWith(InternalErrorResponse(cause))
	return cause
}

// IsNetworkError reports whether err looks like a connection failure.
func IsNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

// ErrorName returns the name reported for err in exception responses: the
// result of a Name() string method when err has one, "Error" otherwise.
func ErrorName(err error) string {
	var named interface{ Name() string }
	if errors.As(err, &named) {
		if n := named.Name(); n != "" {
			return n
		}
	}
	return "Error"
}

// InternalErrorResponse builds the response sent when a request listener
// fails and nothing else decided the request.
func InternalErrorResponse(err error) *http.Response {
	body, _ := json.Marshal(map[string]string{
		"name":    ErrorName(err),
		"message": err.Error(),
	})
	return &http.Response{
		Status:        "500 Unhandled Exception",
		StatusCode:    http.StatusInternalServerError,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// cloneResponse normalizes a mocked response for the sink. When the response
// is also observed by listeners its body is buffered and a second copy is
// returned for them; otherwise the body streams to the sink untouched.
func cloneResponse(resp *http.Response, req *http.Request, observed bool) (*http.Response, *http.Response, error) {
	mk := func(body io.ReadCloser) *http.Response {
		out := *resp
		out.Header = resp.Header.Clone()
		if out.Header == nil {
			out.Header = http.Header{}
		}
		if out.StatusCode == 0 {
			out.StatusCode = http.StatusOK
		}
		if out.Status == "" {
			out.Status = strconv.Itoa(out.StatusCode) + " " + http.StatusText(out.StatusCode)
		}
		if out.Proto == "" {
			out.Proto, out.ProtoMajor, out.ProtoMinor = "HTTP/1.1", 1, 1
		}
		out.Request = req
		out.Body = body
		return &out
	}

	if !observed || resp.Body == nil || resp.Body == http.NoBody {
		body := resp.Body
		if body == nil {
			body = http.NoBody
		}
		return mk(body), mk(http.NoBody), nil
	}

	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("reading mocked response body: %w", err)
	}
	return mk(io.NopCloser(bytes.NewReader(b))), mk(io.NopCloser(bytes.NewReader(b))), nil
}
