package roundtrip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/getmockd/interceptors/internal/id"
	"github.com/getmockd/interceptors/pkg/controller"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/resolution"
)

// Symbol is the capability key of round-tripper interceptors.
const Symbol = "round-tripper"

// Options configures a round-tripper interceptor.
type Options struct {
	// Client is the client whose Transport is wrapped. Defaults to
	// http.DefaultClient.
	Client   *http.Client
	Registry *interceptor.Registry
	Logger   *slog.Logger
}

// New creates an interceptor for opts.Client. It does nothing until Apply is
// called.
func New(opts Options) (*interceptor.Interceptor, error) {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	iopts := []interceptor.Option{
		interceptor.WithLogger(opts.Logger),
		interceptor.WithKey(fmt.Sprintf("%s:%p", Symbol, opts.Client)),
	}
	if opts.Registry != nil {
		iopts = append(iopts, interceptor.WithRegistry(opts.Registry))
	}
	return interceptor.New(Symbol, &patch{client: opts.Client}, iopts...)
}

type patch struct {
	client *http.Client
}

func (p *patch) CheckEnvironment() bool { return p.client != nil }

func (p *patch) Setup(i *interceptor.Interceptor) error {
	orig := p.client.Transport
	base := orig
	if base == nil {
		base = http.DefaultTransport
	}

	p.client.Transport = &Transport{
		Base:        base,
		Interceptor: i,
		coord: &resolution.Coordinator{
			Emitter: i.Emitter(),
			Symbol:  Symbol,
			Logger:  i.Logger(),
		},
		log: logging.Component(i.Logger(), Symbol),
	}
	i.Subscribe(func() error {
		p.client.Transport = orig
		return nil
	})
	return nil
}

// Transport is the RoundTripper installed by an applied interceptor.
type Transport struct {
	Base        http.RoundTripper
	Interceptor *interceptor.Interceptor

	coord *resolution.Coordinator
	log   *slog.Logger
}

// RoundTrip resolves req through the interceptor's listeners.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, view, err := splitRequest(req)
	if err != nil {
		return nil, err
	}

	sink := &exchange{req: out, base: t.Base, observed: t.Interceptor.ListenerCount(interceptor.EventResponse) > 0}
	ev := &interceptor.RequestEvent{
		ID:          id.Request(),
		Request:     view,
		Controller:  controller.New(view),
		Credentials: interceptor.CredentialsSameOrigin,
	}
	res, err := t.coord.HandleEvent(req.Context(), ev, sink)
	if err != nil {
		t.log.Debug("round trip not completed", "request_id", ev.ID, "error", err)
		sink.closeRequest()
		return nil, err
	}
	if sink.err != nil {
		return nil, sink.err
	}

	if res.Decision.Kind == controller.KindPassthrough && sink.observed {
		t.Interceptor.Notify(context.WithoutCancel(req.Context()), interceptor.EventResponse, &interceptor.ResponseEvent{
			ID:       ev.ID,
			Request:  view,
			Response: sink.view,
			IsMocked: false,
		})
	}
	return sink.resp, nil
}

// splitRequest returns the request sent on passthrough and the copy handed
// to listeners. Both can read the body.
func splitRequest(req *http.Request) (*http.Request, *http.Request, error) {
	out := req.Clone(req.Context())
	view := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, view, nil
	}

	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, nil, fmt.Errorf("copy request body: %w", err)
		}
		out.Body = req.Body
		view.Body = b
		return out, view, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read request body: %w", err)
	}
	getBody := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	out.Body, _ = getBody()
	out.GetBody = getBody
	view.Body, _ = getBody()
	view.GetBody = getBody
	return out, view, nil
}

// exchange applies a decision to one round trip.
type exchange struct {
	req      *http.Request
	base     http.RoundTripper
	observed bool

	resp *http.Response
	view *http.Response
	err  error
}

// closeRequest releases the request body when the base transport never
// received the request.
func (e *exchange) closeRequest() {
	if e.req.Body != nil {
		_ = e.req.Body.Close()
	}
}

func (e *exchange) RespondWith(resp *http.Response) error {
	e.closeRequest()
	resp.Request = e.req
	e.resp = resp
	return nil
}

func (e *exchange) ErrorWith(err error) error {
	e.closeRequest()
	e.err = err
	return nil
}

func (e *exchange) Passthrough() error {
	resp, err := e.base.RoundTrip(e.req)
	if err != nil {
		e.err = err
		return nil
	}
	e.resp = resp
	if !e.observed || resp.Body == nil || resp.Body == http.NoBody {
		view := *resp
		view.Body = http.NoBody
		e.view = &view
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		e.resp = nil
		e.err = fmt.Errorf("read response body: %w", err)
		return nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	view := *resp
	view.Body = io.NopCloser(bytes.NewReader(data))
	e.view = &view
	return nil
}
