package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/interceptors/internal/id"
	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/httpparser"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/metrics"
)

// Event names published by a Socket.
const (
	EventLookup        = "lookup"
	EventConnect       = "connect"
	EventSecureConnect = "secureConnect"
	EventReady         = "ready"
	EventData          = "data"
	EventEnd           = "end"
	EventClose         = "close"
	EventError         = "error"
	EventTimeout       = "timeout"
)

// ErrClosed is returned by operations on a socket the caller closed.
var ErrClosed = net.ErrClosed

// Mode tells whether the destination resolved.
type Mode int

const (
	// ModeBypass is a socket whose destination resolved.
	ModeBypass Mode = iota
	// ModeMock is a socket whose lookup failed; its failure events are held back.
	ModeMock
)

func (m Mode) String() string {
	if m == ModeMock {
		return "mock"
	}
	return "bypass"
}

// Event is the payload of every socket event. Fields not relevant to the
// event type are zero.
type Event struct {
	Type     string
	Host     string
	Address  string
	Family   int
	Data     []byte
	Err      error
	HadError bool
}

// LookupFunc resolves a host name.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// DialFunc opens the real connection on passthrough.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Socket.
type Options struct {
	// Network is "tcp", "tcp4" or "tcp6".
	Network string
	// Address is the destination "host:port".
	Address string
	// Secure makes the socket stand in for a TLS connection.
	Secure    bool
	TLSConfig *tls.Config

	Lookup        LookupFunc
	LookupTimeout time.Duration
	Dial          DialFunc

	// OnRequest is called from the socket's parsing goroutine once a
	// request's headers are complete. It must not block.
	OnRequest func(*Message)
	// OnResponse is called from the relaying goroutine once the headers of a
	// real response arrive. It must not block.
	OnResponse func(m *Message, resp *http.Response)

	PipeCapacity int
	// ReplaySuppressed replays held-back lookup failure events on
	// passthrough instead of discarding them.
	ReplaySuppressed bool

	Logger *slog.Logger
}

// Socket is an in-memory net.Conn standing in for a client connection.
type Socket struct {
	opts   Options
	host   string
	port   int
	log    *slog.Logger
	events *emitter.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	in  *pipe // toward the caller
	out *pipe // from the caller

	mu         sync.Mutex
	mode       Mode
	suppressed []Event
	remote     net.Addr
	messages   []*Message
	awaiting   []*Message
	opened     bool
	closeSent  atomic.Bool
	destroyed  atomic.Bool
	counted    atomic.Bool // SocketsActive was incremented

	fwdMu    sync.Mutex
	real     net.Conn
	dialed   bool
	dialErr  error
	rawOnly  bool

	reqParser  httpparser.RequestParser
	respParser httpparser.ResponseParser
	respMsg    *Message

	pumpDone chan struct{}
}

// New creates a socket. Call Open before handing it to a client.
func New(opts Options) (*Socket, error) {
	host, portStr, err := net.SplitHostPort(opts.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid socket address %q: %w", opts.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid socket port %q: %w", portStr, err)
	}
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.Lookup == nil {
		opts.Lookup = net.DefaultResolver.LookupHost
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := logging.Component(opts.Logger, "socket").With("address", opts.Address, "conn", id.Short())
	s := &Socket{
		opts:     opts,
		host:     host,
		port:     port,
		log:      log,
		events:   emitter.New(emitter.WithLogger(opts.Logger)),
		ctx:      ctx,
		cancel:   cancel,
		in:       newPipe(opts.PipeCapacity),
		out:      newPipe(opts.PipeCapacity),
		pumpDone: make(chan struct{}),
	}

	scheme := "http"
	if opts.Secure {
		scheme = "https"
	}
	authority := opts.Address
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		authority = host
	}
	s.reqParser = httpparser.RequestParser{Scheme: scheme, Host: authority}
	s.respParser = httpparser.ResponseParser{OnResponse: s.onRealResponse}
	return s, nil
}

// Events returns the bus socket events are published on.
func (s *Socket) Events() *emitter.Emitter { return s.events }

// On subscribes to a socket event.
func (s *Socket) On(name string, fn func(Event)) (emitter.Subscription, error) {
	return s.events.On(name, func(_ context.Context, ev emitter.Event) error {
		fn(ev.(Event))
		return nil
	})
}

// Mode returns the socket's mode.
func (s *Socket) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Suppressed returns the held-back failure events.
func (s *Socket) Suppressed() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.suppressed))
	copy(out, s.suppressed)
	return out
}

func (s *Socket) emit(ev Event) {
	if err := s.events.EmitSync(s.ctx, ev.Type, ev); err != nil {
		s.log.Warn("socket event listener failed", "event", ev.Type, "error", err)
	}
}

func family(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// Open runs the connection sequence and starts parsing written bytes. Events
// are mirrored to any httptrace.ClientTrace carried by ctx.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	trace := httptrace.ContextClientTrace(ctx)
	if trace == nil {
		trace = &httptrace.ClientTrace{}
	}

	addr, err := s.lookup(ctx, trace)
	if err != nil {
		s.enterMockMode(err)
		addr = "127.0.0.1"
		if s.opts.Network == "tcp6" {
			addr = "::1"
		}
		if trace.DNSDone != nil {
			trace.DNSDone(httptrace.DNSDoneInfo{Addrs: []net.IPAddr{{IP: net.ParseIP(addr)}}})
		}
	}
	ip := net.ParseIP(addr)
	s.emit(Event{Type: EventLookup, Host: s.host, Address: addr, Family: family(ip)})

	remote := &net.TCPAddr{IP: ip, Port: s.port}
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()

	if trace.ConnectStart != nil {
		trace.ConnectStart(s.opts.Network, remote.String())
	}
	s.emit(Event{Type: EventConnect, Address: remote.String()})
	if trace.ConnectDone != nil {
		trace.ConnectDone(s.opts.Network, remote.String(), nil)
	}

	if s.opts.Secure {
		if trace.TLSHandshakeStart != nil {
			trace.TLSHandshakeStart()
		}
		s.emit(Event{Type: EventSecureConnect, Host: s.host})
		if trace.TLSHandshakeDone != nil {
			trace.TLSHandshakeDone(tls.ConnectionState{
				HandshakeComplete:  true,
				ServerName:         s.host,
				NegotiatedProtocol: "http/1.1",
				Version:            tls.VersionTLS13,
			}, nil)
		}
	}

	s.emit(Event{Type: EventReady})
	if g := metrics.SocketsActive; g != nil {
		_ = g.Inc()
		s.counted.Store(true)
		// Closed while opening.
		if s.closeSent.Load() {
			s.release()
		}
	}

	go s.pump()
	return nil
}

func (s *Socket) lookup(ctx context.Context, trace *httptrace.ClientTrace) (string, error) {
	if ip := net.ParseIP(s.host); ip != nil {
		return ip.String(), nil
	}
	if trace.DNSStart != nil {
		trace.DNSStart(httptrace.DNSStartInfo{Host: s.host})
	}

	lctx, cancel := context.WithTimeout(ctx, s.opts.LookupTimeout)
	defer cancel()
	addrs, err := s.opts.Lookup(lctx, s.host)
	if err == nil && len(addrs) == 0 {
		err = &net.DNSError{Err: "no such host", Name: s.host, IsNotFound: true}
	}
	if err != nil {
		return "", err
	}

	if trace.DNSDone != nil {
		info := httptrace.DNSDoneInfo{}
		for _, a := range addrs {
			info.Addrs = append(info.Addrs, net.IPAddr{IP: net.ParseIP(a)})
		}
		trace.DNSDone(info)
	}
	return addrs[0], nil
}

// enterMockMode holds back the events a failed connection would produce.
func (s *Socket) enterMockMode(err error) {
	s.log.Debug("lookup failed, socket enters mock mode", "error", err)
	s.mu.Lock()
	s.mode = ModeMock
	s.suppressed = []Event{
		{Type: EventLookup, Host: s.host, Err: err},
		{Type: EventError, Err: err},
		{Type: EventClose, HadError: true},
	}
	s.mu.Unlock()
	if metrics.SuppressedEvents != nil {
		metrics.SuppressedEvents.Add(3)
	}
}

// takeSuppressed empties the suppressed queue and returns its contents.
func (s *Socket) takeSuppressed() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.suppressed
	s.suppressed = nil
	return evs
}

// replay emits held-back events in order and applies their effect on the
// stream. It reports whether anything was replayed.
func (s *Socket) replay(evs []Event) bool {
	if len(evs) == 0 {
		return false
	}
	var failure error
	for _, ev := range evs {
		if ev.Type == EventError && failure == nil {
			failure = ev.Err
		}
		if ev.Type == EventClose {
			s.in.closeWrite(failure)
			if !s.closeSent.CompareAndSwap(false, true) {
				continue
			}
			s.release()
		}
		s.emit(ev)
	}
	return true
}

// release undoes the accounting done by Open, at most once.
func (s *Socket) release() {
	if !s.counted.CompareAndSwap(true, false) {
		return
	}
	if g := metrics.SocketsActive; g != nil {
		_ = g.Dec()
	}
}

// emitClose publishes the close event at most once.
func (s *Socket) emitClose(hadError bool) {
	if !s.closeSent.CompareAndSwap(false, true) {
		return
	}
	s.release()
	s.emit(Event{Type: EventClose, HadError: hadError})
}

// fail ends the caller's stream with err.
func (s *Socket) fail(err error) {
	s.in.closeWrite(err)
	s.emit(Event{Type: EventError, Err: err})
	s.emitClose(true)
}

// end finishes the caller's stream cleanly.
func (s *Socket) end() {
	s.in.closeWrite(nil)
	s.emit(Event{Type: EventEnd})
	s.emitClose(false)
}

// Push writes b to the caller side of the socket.
func (s *Socket) Push(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := s.in.write(b); err != nil {
		if errors.Is(err, errPipeTimeout) {
			return s.timeout("write")
		}
		return err
	}
	data := make([]byte, len(b))
	copy(data, b)
	s.emit(Event{Type: EventData, Data: data})
	return nil
}

// pushWriter adapts Push for the response serializer.
type pushWriter struct{ s *Socket }

func (w pushWriter) Write(b []byte) (int, error) {
	if err := w.s.Push(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *Socket) timeout(op string) error {
	s.emit(Event{Type: EventTimeout})
	return &net.OpError{Op: op, Net: s.opts.Network, Addr: s.RemoteAddr(), Err: os.ErrDeadlineExceeded}
}

// Read reads what the socket delivers to the caller.
func (s *Socket) Read(b []byte) (int, error) {
	n, err := s.in.read(b)
	if errors.Is(err, errPipeTimeout) {
		return n, s.timeout("read")
	}
	if errors.Is(err, io.ErrClosedPipe) && s.destroyed.Load() {
		return n, &net.OpError{Op: "read", Net: s.opts.Network, Addr: s.RemoteAddr(), Err: ErrClosed}
	}
	return n, err
}

// Write queues request bytes. It blocks while the socket has not consumed
// earlier writes.
func (s *Socket) Write(b []byte) (int, error) {
	n, err := s.out.write(b)
	switch {
	case errors.Is(err, errPipeTimeout):
		return n, s.timeout("write")
	case err != nil:
		return n, &net.OpError{Op: "write", Net: s.opts.Network, Addr: s.RemoteAddr(), Err: ErrClosed}
	}
	return n, nil
}

// Close tears the socket down from the caller side. Undecided messages are
// aborted and nothing is delivered afterwards.
func (s *Socket) Close() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	s.takeSuppressed()
	s.cancel()

	s.in.closeRead()
	s.out.closeWrite(nil)
	s.out.closeRead()

	s.fwdMu.Lock()
	if s.real != nil {
		_ = s.real.Close()
	}
	s.fwdMu.Unlock()

	s.mu.Lock()
	s.messages = nil
	s.awaiting = nil
	s.mu.Unlock()

	s.emitClose(false)
	return nil
}

// Closed reports whether the caller closed the socket.
func (s *Socket) Closed() bool { return s.destroyed.Load() }

// LocalAddr returns a loopback address.
func (s *Socket) LocalAddr() net.Addr {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	if s.real != nil {
		return s.real.LocalAddr()
	}
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// RemoteAddr returns the resolved (or synthetic) destination.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return &net.TCPAddr{Port: s.port}
	}
	return s.remote
}

// SetDeadline sets both deadlines.
func (s *Socket) SetDeadline(t time.Time) error {
	s.in.rdeadline.set(t)
	s.out.wdeadline.set(t)
	return nil
}

// SetReadDeadline bounds Read.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.in.rdeadline.set(t)
	return nil
}

// SetWriteDeadline bounds Write.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.out.wdeadline.set(t)
	return nil
}

var _ net.Conn = (*Socket)(nil)
