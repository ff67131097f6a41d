package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/interceptors/pkg/metrics"
)

const getRequest = "GET /users HTTP/1.1\r\nHost: api.test\r\n\r\n"

type recorder struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
	once   sync.Once
}

func record(t *testing.T, s *Socket) *recorder {
	t.Helper()
	r := &recorder{closed: make(chan struct{})}
	for _, name := range []string{EventLookup, EventConnect, EventSecureConnect, EventReady, EventData, EventEnd, EventClose, EventError, EventTimeout} {
		_, err := s.On(name, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			if ev.Type == EventClose {
				r.once.Do(func() { close(r.closed) })
			}
		})
		require.NoError(t, err)
	}
	return r
}

// types returns event names with consecutive data events collapsed.
func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == EventData && len(out) > 0 && out[len(out)-1] == EventData {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) find(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("socket never emitted close; events: %v", r.types())
	}
}

func resolves(context.Context, string) ([]string, error) { return []string{"10.0.0.7"}, nil }

func unresolvable(_ context.Context, host string) ([]string, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func newSocket(t *testing.T, opts Options) *Socket {
	t.Helper()
	if opts.Address == "" {
		opts.Address = "api.test:80"
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSocket_MockedExchange(t *testing.T) {
	t.Parallel()

	var got *http.Request
	s := newSocket(t, Options{
		Lookup: resolves,
		OnRequest: func(m *Message) {
			got = m.Request()
			go func() {
				_ = m.RespondWith(&http.Response{
					StatusCode:    http.StatusCreated,
					Header:        http.Header{"X-Mock": {"yes"}},
					Body:          io.NopCloser(strings.NewReader("hello")),
					ContentLength: 5,
				})
			}()
		},
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte(getRequest))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(s), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Mock"))
	assert.True(t, resp.Close)
	assert.Equal(t, "hello", string(body))

	rec.waitClosed(t)
	assert.Equal(t, []string{EventLookup, EventConnect, EventReady, EventData, EventEnd, EventClose}, rec.types())
	assert.False(t, rec.find(EventClose)[0].HadError)
	assert.Equal(t, "10.0.0.7", rec.find(EventLookup)[0].Address)

	require.NotNil(t, got)
	assert.Equal(t, "http://api.test/users", got.URL.String())
	assert.Equal(t, ModeBypass, s.Mode())
}

func TestSocket_SecureEvents(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{
		Address: "api.test:443",
		Secure:  true,
		Lookup:  resolves,
		OnRequest: func(m *Message) {
			assert.Equal(t, "https://api.test/users", m.Request().URL.String())
			go func() { _ = m.RespondWith(&http.Response{StatusCode: http.StatusNoContent}) }()
		},
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))
	rec.waitClosed(t)

	assert.Equal(t, []string{EventLookup, EventConnect, EventSecureConnect, EventReady, EventData, EventEnd, EventClose}, rec.types())
}

func TestSocket_ErrorWith(t *testing.T) {
	t.Parallel()

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	s := newSocket(t, Options{
		Lookup:    resolves,
		OnRequest: func(m *Message) { go func() { _ = m.ErrorWith(refused) }() },
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	_, err := io.ReadAll(s)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	rec.waitClosed(t)
	assert.Equal(t, []string{EventLookup, EventConnect, EventReady, EventError, EventClose}, rec.types())
	assert.True(t, rec.find(EventClose)[0].HadError)
}

func TestSocket_LookupFailure_MockedResponseHidesFailure(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{
		Lookup: unresolvable,
		OnRequest: func(m *Message) {
			go func() { _ = m.RespondWith(&http.Response{StatusCode: http.StatusOK}) }()
		},
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, ModeMock, s.Mode())
	assert.Len(t, s.Suppressed(), 3)

	_, _ = s.Write([]byte(getRequest))
	resp, err := http.ReadResponse(bufio.NewReader(s), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec.waitClosed(t)
	assert.Empty(t, rec.find(EventError))
	assert.Empty(t, s.Suppressed())
	assert.Equal(t, "127.0.0.1", rec.find(EventLookup)[0].Address)
	assert.Equal(t, 4, rec.find(EventLookup)[0].Family)
}

func TestSocket_LookupFailure_ErrorWithReplaysSuppressed(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{
		Lookup:    unresolvable,
		OnRequest: func(m *Message) { go func() { _ = m.ErrorWith(errors.New("ignored")) }() },
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	_, err := io.ReadAll(s)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.Equal(t, "api.test", dnsErr.Name)

	rec.waitClosed(t)
	assert.Equal(t, []string{
		EventLookup, EventConnect, EventReady,
		EventLookup, EventError, EventClose,
	}, rec.types())
	lookups := rec.find(EventLookup)
	assert.NoError(t, lookups[0].Err)
	assert.Error(t, lookups[1].Err)
	assert.True(t, rec.find(EventClose)[0].HadError)
	assert.Empty(t, s.Suppressed())
}

func TestSocket_LookupFailure_PassthroughReplayPolicy(t *testing.T) {
	t.Parallel()

	dialed := false
	s := newSocket(t, Options{
		Lookup:           unresolvable,
		ReplaySuppressed: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dialed = true
			return nil, errors.New("unexpected dial")
		},
		OnRequest: func(m *Message) { go func() { _ = m.Passthrough() }() },
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	_, err := io.ReadAll(s)
	var dnsErr *net.DNSError
	assert.ErrorAs(t, err, &dnsErr)
	rec.waitClosed(t)
	assert.False(t, dialed)
	assert.Equal(t, []string{EventLookup, EventConnect, EventReady, EventLookup, EventError, EventClose}, rec.types())
}

func TestSocket_LookupFailure_PassthroughDiscardsAndDials(t *testing.T) {
	t.Parallel()

	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "api.test"}}
	s := newSocket(t, Options{
		Lookup: unresolvable,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		},
		OnRequest: func(m *Message) { go func() { _ = m.Passthrough() }() },
	})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	_, err := io.ReadAll(s)
	assert.Same(t, dialErr, err)
	rec.waitClosed(t)

	// Only the real dial failure is reported.
	assert.Equal(t, []string{EventLookup, EventConnect, EventReady, EventError, EventClose}, rec.types())
}

func TestSocket_Passthrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Real", "true")
		_, _ = w.Write([]byte("echo:" + string(b)))
	}))
	t.Cleanup(srv.Close)

	var observed *http.Response
	var observedMu sync.Mutex
	s := newSocket(t, Options{
		Lookup: resolves,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
		OnRequest: func(m *Message) {
			// Decide after part of the body was buffered.
			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = m.Passthrough()
			}()
		},
		OnResponse: func(_ *Message, resp *http.Response) {
			observedMu.Lock()
			observed = resp
			observedMu.Unlock()
		},
	})

	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte("POST /echo HTTP/1.1\r\nHost: api.test\r\nContent-Length: 4\r\n\r\nab"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = s.Write([]byte("cd"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(s), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Real"))
	assert.Equal(t, "echo:abcd", string(body))

	observedMu.Lock()
	defer observedMu.Unlock()
	require.NotNil(t, observed)
	assert.Equal(t, http.StatusOK, observed.StatusCode)
	assert.Equal(t, http.MethodPost, observed.Request.Method)
}

func TestSocket_NoHandlerPassesThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("real"))
	}))
	t.Cleanup(srv.Close)

	s := newSocket(t, Options{
		Lookup: resolves,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
	})
	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	resp, err := http.ReadResponse(bufio.NewReader(s), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "real", string(body))
}

func TestSocket_PassthroughTLS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure " + r.Proto))
	}))
	t.Cleanup(srv.Close)

	s := newSocket(t, Options{
		Address:   "api.test:443",
		Secure:    true,
		TLSConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test server certificate
		Lookup:    resolves,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
		OnRequest: func(m *Message) { go func() { _ = m.Passthrough() }() },
	})
	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))

	resp, err := http.ReadResponse(bufio.NewReader(s), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secure HTTP/1.1", string(body))
}

func TestSocket_CloseAbortsPendingMessages(t *testing.T) {
	t.Parallel()

	msgs := make(chan *Message, 1)
	s := newSocket(t, Options{Lookup: resolves, OnRequest: func(m *Message) { msgs <- m }})
	rec := record(t, s)

	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))
	m := <-msgs
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("message context not cancelled")
	}
	assert.ErrorIs(t, m.RespondWith(&http.Response{StatusCode: http.StatusOK}), ErrClosed)
	assert.Zero(t, s.Pending())

	rec.waitClosed(t)
	closes := rec.find(EventClose)
	require.Len(t, closes, 1)
	assert.False(t, closes[0].HadError)

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestSocket_SecondDecisionRejected(t *testing.T) {
	t.Parallel()

	msgs := make(chan *Message, 1)
	s := newSocket(t, Options{Lookup: resolves, OnRequest: func(m *Message) { msgs <- m }})
	require.NoError(t, s.Open(context.Background()))
	_, _ = s.Write([]byte(getRequest))
	m := <-msgs

	go func() { _, _ = io.Copy(io.Discard, s) }()
	require.NoError(t, m.RespondWith(&http.Response{StatusCode: http.StatusOK}))
	assert.Error(t, m.ErrorWith(errors.New("late")))
	assert.Error(t, m.Passthrough())
}

func TestSocket_ReadDeadline(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{Lookup: resolves, OnRequest: func(*Message) {}})
	rec := record(t, s)
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := s.Read(make([]byte, 8))

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Len(t, rec.find(EventTimeout), 1)

	// Clearing the deadline makes reads block again.
	require.NoError(t, s.SetReadDeadline(time.Time{}))
	require.NoError(t, s.Push([]byte("x")))
	n, err := s.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSocket_WriteDeadlineWithBackpressure(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{Lookup: resolves, PipeCapacity: 4, OnRequest: func(*Message) {}})
	// Not opened: nothing drains the outbound pipe.
	require.NoError(t, s.SetWriteDeadline(time.Now().Add(10*time.Millisecond)))

	n, err := s.Write([]byte("0123456789"))
	assert.Equal(t, 4, n)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestSocket_MalformedRequest(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{Lookup: resolves, OnRequest: func(*Message) {}})
	rec := record(t, s)
	require.NoError(t, s.Open(context.Background()))

	_, _ = s.Write([]byte("NOT HTTP AT ALL\r\n\r\n"))
	_, err := io.ReadAll(s)
	assert.ErrorContains(t, err, "malformed request")
	rec.waitClosed(t)
	assert.True(t, rec.find(EventClose)[0].HadError)
}

func TestSocket_ClientTrace(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []string
	add := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}
	trace := &httptrace.ClientTrace{
		DNSStart:          func(httptrace.DNSStartInfo) { add("dns-start") },
		DNSDone:           func(httptrace.DNSDoneInfo) { add("dns-done") },
		ConnectStart:      func(string, string) { add("connect-start") },
		ConnectDone:       func(string, string, error) { add("connect-done") },
		TLSHandshakeStart: func() { add("tls-start") },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { add("tls-done") },
	}

	s := newSocket(t, Options{Address: "api.test:443", Secure: true, Lookup: resolves})
	require.NoError(t, s.Open(httptrace.WithClientTrace(context.Background(), trace)))

	assert.Equal(t, []string{"dns-start", "dns-done", "connect-start", "connect-done", "tls-start", "tls-done"}, calls)
}

func TestSocket_IPLiteralSkipsLookup(t *testing.T) {
	t.Parallel()

	s := newSocket(t, Options{
		Address: "127.0.0.1:9",
		Lookup: func(context.Context, string) ([]string, error) {
			t.Error("lookup should not run for an IP literal")
			return nil, nil
		},
	})
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, "127.0.0.1:9", s.RemoteAddr().String())
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Options{Address: "no-port"})
	assert.Error(t, err)
}

// Not parallel: the gauge is process-wide.
func TestSocket_ActiveGaugeBalanced(t *testing.T) {
	metrics.Init()
	gauge := metrics.SocketsActive
	base := gauge.Value()

	unopened := newSocket(t, Options{Lookup: resolves})
	require.NoError(t, unopened.Close())
	assert.Equal(t, base, gauge.Value(), "closing an unopened socket")

	s := newSocket(t, Options{Lookup: resolves})
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, base+1, gauge.Value())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, base, gauge.Value())
}
