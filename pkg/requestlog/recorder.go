package requestlog

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/interceptor"
)

// Recorder writes interceptor events to a Store.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the store entries are written to.
func (r *Recorder) Store() Store { return r.store }

// Attach subscribes the recorder to the request, response and
// unhandledException events of ic.
func (r *Recorder) Attach(ic *interceptor.Interceptor) error {
	symbol := ic.Symbol()
	subs := make([]emitter.Subscription, 0, 3)

	add := func(sub emitter.Subscription, err error) error {
		if err != nil {
			for _, s := range subs {
				ic.Off(s)
			}
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := add(ic.OnRequest(func(_ context.Context, ev *interceptor.RequestEvent) error {
		r.recordRequest(symbol, ev)
		return nil
	})); err != nil {
		return err
	}
	if err := add(ic.OnResponse(func(_ context.Context, ev *interceptor.ResponseEvent) error {
		r.recordResponse(ev)
		return nil
	})); err != nil {
		return err
	}
	return add(ic.OnUnhandledException(func(_ context.Context, ev *interceptor.UnhandledExceptionEvent) error {
		msg := "unhandled exception"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		r.store.Update(ev.ID, func(e *Entry) { e.Error = msg })
		return nil
	}))
}

func (r *Recorder) recordRequest(symbol string, ev *interceptor.RequestEvent) {
	req := ev.Request
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	r.store.Log(&Entry{
		ID:          ev.ID,
		Timestamp:   time.Now(),
		Interceptor: symbol,
		Method:      req.Method,
		URL:         req.URL.String(),
		Host:        host,
		Path:        req.URL.Path,
		QueryString: req.URL.RawQuery,
		Headers:     req.Header.Clone(),
		BodySize:    req.ContentLength,
	})
}

func (r *Recorder) recordResponse(ev *interceptor.ResponseEvent) {
	resp := ev.Response
	var body string
	if resp.Body != nil {
		b, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
		if err != nil && !errors.Is(err, io.EOF) {
			b = nil
		}
		body = string(b)
	}

	r.store.Update(ev.ID, func(e *Entry) {
		e.Completed = true
		e.Mocked = ev.IsMocked
		e.ResponseStatus = resp.StatusCode
		e.ResponseHeaders = resp.Header.Clone()
		e.ResponseBody = body
		e.DurationMs = int(time.Since(e.Timestamp).Milliseconds())
	})
}
