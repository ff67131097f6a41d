package clientrequest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getmockd/interceptors/internal/id"
	"github.com/getmockd/interceptors/pkg/controller"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/resolution"
	"github.com/getmockd/interceptors/pkg/socket"
)

// Symbol is the capability key of connection-level interceptors.
const Symbol = "client-request"

// Options configures a client-request interceptor.
type Options struct {
	// Transport is the transport to patch. Defaults to http.DefaultTransport.
	// Any other RoundTripper leaves the interceptor inert.
	Transport http.RoundTripper

	// Lookup probes the destination host name when a connection opens.
	// Defaults to net.DefaultResolver.LookupHost.
	Lookup        socket.LookupFunc
	LookupTimeout time.Duration

	// Dial opens real connections on passthrough. Defaults to the dial hook
	// the transport had before patching, or a net.Dialer.
	Dial        socket.DialFunc
	DialTimeout time.Duration

	PipeCapacity int
	// ReplaySuppressed replays held-back lookup failures on passthrough
	// instead of dialing.
	ReplaySuppressed bool

	Registry *interceptor.Registry
	Logger   *slog.Logger
}

// New creates an interceptor for opts.Transport. It does nothing until
// Apply is called. Interceptors for the same transport share one patch;
// different transports are patched independently.
func New(opts Options) (*interceptor.Interceptor, error) {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	iopts := []interceptor.Option{interceptor.WithLogger(opts.Logger)}
	if t, ok := opts.Transport.(*http.Transport); ok {
		iopts = append(iopts, interceptor.WithKey(fmt.Sprintf("%s:%p", Symbol, t)))
	}
	if opts.Registry != nil {
		iopts = append(iopts, interceptor.WithRegistry(opts.Registry))
	}
	return interceptor.New(Symbol, &patch{opts: opts}, iopts...)
}

type patch struct {
	opts Options
}

func (p *patch) CheckEnvironment() bool {
	_, ok := p.opts.Transport.(*http.Transport)
	return ok
}

func (p *patch) Setup(i *interceptor.Interceptor) error {
	t := p.opts.Transport.(*http.Transport)
	origDial := t.DialContext
	origDialTLS := t.DialTLSContext

	dial := p.opts.Dial
	if dial == nil {
		dial = origDial
	}
	if dial == nil {
		timeout := p.opts.DialTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	}

	c := &connector{
		opts:      p.opts,
		dial:      dial,
		transport: t,
		events:    i,
		coord: &resolution.Coordinator{
			Emitter: i.Emitter(),
			Symbol:  Symbol,
			Logger:  i.Logger(),
		},
		log: logging.Component(i.Logger(), Symbol),
	}

	// Pooled connections were dialed before the patch and would bypass it.
	t.CloseIdleConnections()
	t.DialContext = c.dialPlain
	t.DialTLSContext = c.dialTLS

	i.Subscribe(func() error {
		t.DialContext = origDial
		t.DialTLSContext = origDialTLS
		t.CloseIdleConnections()
		return nil
	})
	return nil
}

// connector opens socket shims on behalf of the patched transport.
type connector struct {
	opts      Options
	dial      socket.DialFunc
	transport *http.Transport
	events    *interceptor.Interceptor
	coord     *resolution.Coordinator
	log       *slog.Logger
}

func (c *connector) dialPlain(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.open(ctx, network, addr, false)
}

func (c *connector) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.open(ctx, network, addr, true)
}

// exchange links a parsed message to its request event.
type exchange struct {
	id   string
	done chan struct{}
}

func (c *connector) open(ctx context.Context, network, addr string, secure bool) (net.Conn, error) {
	var (
		mu        sync.Mutex
		exchanges = make(map[*socket.Message]*exchange)
	)

	opts := socket.Options{
		Network:          network,
		Address:          addr,
		Secure:           secure,
		Lookup:           c.opts.Lookup,
		LookupTimeout:    c.opts.LookupTimeout,
		Dial:             c.dial,
		PipeCapacity:     c.opts.PipeCapacity,
		ReplaySuppressed: c.opts.ReplaySuppressed,
		Logger:           c.opts.Logger,
	}
	if secure && c.transport.TLSClientConfig != nil {
		opts.TLSConfig = c.transport.TLSClientConfig.Clone()
	}

	opts.OnRequest = func(m *socket.Message) {
		ex := &exchange{id: id.Request(), done: make(chan struct{})}
		mu.Lock()
		exchanges[m] = ex
		mu.Unlock()

		go func() {
			defer close(ex.done)
			ev := &interceptor.RequestEvent{
				ID:          ex.id,
				Request:     m.Request(),
				Controller:  controller.New(m.Request()),
				Credentials: interceptor.CredentialsSameOrigin,
			}
			res, err := c.coord.HandleEvent(m.Context(), ev, m)
			// Request listeners have settled.
			m.Release()
			if err != nil {
				c.log.Debug("request not completed", "request_id", ex.id, "error", err)
			}
			if err != nil || res.Decision.Kind != controller.KindPassthrough {
				mu.Lock()
				delete(exchanges, m)
				mu.Unlock()
			}
		}()
	}

	opts.OnResponse = func(m *socket.Message, resp *http.Response) {
		mu.Lock()
		ex := exchanges[m]
		delete(exchanges, m)
		mu.Unlock()
		if ex == nil {
			return
		}

		// The response event follows every request listener.
		go func() {
			<-ex.done
			c.events.Notify(context.WithoutCancel(m.Context()), interceptor.EventResponse, &interceptor.ResponseEvent{
				ID:       ex.id,
				Request:  m.Request(),
				Response: resp,
				IsMocked: false,
			})
		}()
	}

	s, err := socket.New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
