package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/getmockd/interceptors/pkg/clientrequest"
	"github.com/getmockd/interceptors/pkg/handlers"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/requestlog"
	"github.com/getmockd/interceptors/pkg/socket"
)

// ErrUnmatched fails requests no mock matched when the harness is strict.
var ErrUnmatched = errors.New("no mock matched the request")

// Option configures a MockServer.
type Option func(*MockServer)

// Strict fails requests that no mock matches instead of sending them to the
// network.
func Strict() Option {
	return func(m *MockServer) { m.strict = true }
}

// WithTransport intercepts tr instead of a private transport.
func WithTransport(tr *http.Transport) Option {
	return func(m *MockServer) { m.transport = tr }
}

// WithLookup replaces the host lookup the interceptor probes with.
func WithLookup(fn socket.LookupFunc) Option {
	return func(m *MockServer) { m.lookup = fn }
}

// MockServer intercepts the requests of one transport and answers them
// with the mocks declared through Mock.
type MockServer struct {
	t         testing.TB
	transport *http.Transport
	client    *http.Client
	strict    bool
	lookup    socket.LookupFunc

	set      *handlers.Set
	store    *requestlog.MemoryStore
	ic       *interceptor.Interceptor
	started  bool
	requests []*RequestLog
	mu       sync.RWMutex
	seq      int
}

// New creates a harness. It is disposed when the test completes.
func New(t testing.TB, opts ...Option) *MockServer {
	t.Helper()

	m := &MockServer{t: t, store: requestlog.NewMemoryStore(0)}
	for _, opt := range opts {
		opt(m)
	}
	if m.transport == nil {
		m.transport = &http.Transport{}
	}
	m.client = &http.Client{Transport: m.transport}

	set, err := handlers.NewSet(nil, handlers.WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("creating handler set: %v", err)
	}
	m.set = set

	t.Cleanup(m.Stop)
	return m
}

// Start applies the interceptor and returns a client whose requests are
// intercepted. Mocks may be declared before or after Start.
func (m *MockServer) Start() *http.Client {
	m.t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return m.client
	}

	ic, err := clientrequest.New(clientrequest.Options{
		Transport: m.transport,
		Lookup:    m.lookup,
		Registry:  interceptor.NewRegistry(),
	})
	if err != nil {
		m.t.Fatalf("creating interceptor: %v", err)
	}
	if _, err := ic.OnRequest(m.handle); err != nil {
		m.t.Fatalf("adding request listener: %v", err)
	}
	if err := requestlog.NewRecorder(m.store).Attach(ic); err != nil {
		m.t.Fatalf("attaching request log: %v", err)
	}
	if err := ic.Apply(); err != nil {
		m.t.Fatalf("applying interceptor: %v", err)
	}

	m.ic = ic
	m.started = true
	return m.client
}

// handle records the request and lets the mocks decide it.
func (m *MockServer) handle(ctx context.Context, ev *interceptor.RequestEvent) error {
	req := ev.Request
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	rl := &RequestLog{
		ID:          ev.ID,
		Method:      req.Method,
		URL:         req.URL.String(),
		Path:        req.URL.Path,
		Headers:     make(map[string]string, len(req.Header)),
		Body:        string(body),
		QueryString: req.URL.RawQuery,
	}
	for k, v := range req.Header {
		rl.Headers[k] = strings.Join(v, ", ")
	}

	err := m.set.Handle(ctx, ev)
	rl.Matched = ev.Controller.Handled()
	if err == nil && !rl.Matched && m.strict {
		err = ev.Controller.ErrorWith(fmt.Errorf("%w: %s %s", ErrUnmatched, req.Method, req.URL))
	}

	m.mu.Lock()
	m.requests = append(m.requests, rl)
	m.mu.Unlock()
	return err
}

// Stop disposes the interceptor. The transport dials the network again
// afterwards.
func (m *MockServer) Stop() {
	m.mu.Lock()
	ic := m.ic
	m.ic = nil
	m.started = false
	m.mu.Unlock()

	if ic != nil {
		if err := ic.Dispose(); err != nil {
			m.t.Errorf("disposing interceptor: %v", err)
		}
	}
}

// Client returns the client using the intercepted transport.
func (m *MockServer) Client() *http.Client { return m.client }

// Mock starts the declaration of a mock for method and target. A target
// starting with "/" matches the request path, anything else is a URL glob.
// An empty method matches any method.
//
// Example:
//
//	mock.Mock("GET", "/users/123").
//	    WithStatus(200).
//	    WithBody(`{"id": "123"}`).
//	    Reply()
func (m *MockServer) Mock(method, target string) *MockBuilder {
	m.t.Helper()

	m.mu.Lock()
	m.seq++
	name := fmt.Sprintf("mock-%d", m.seq)
	m.mu.Unlock()

	def := &handlers.Definition{
		Name:     name,
		Match:    handlers.Match{Method: method},
		Response: &handlers.Response{Status: http.StatusOK},
	}
	if strings.HasPrefix(target, "/") {
		def.Match.Path = target
	} else if target != "" {
		def.Match.URL = target
	}
	return &MockBuilder{server: m, def: def}
}

func (m *MockServer) addMock(def *handlers.Definition) error {
	_, err := m.set.Add(def)
	return err
}

// Reset clears all mocks and recorded requests.
func (m *MockServer) Reset() {
	m.t.Helper()

	m.set.Reset()
	m.store.Clear()
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

// Requests returns the recorded requests in arrival order.
func (m *MockServer) Requests() []*RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RequestLog, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns the recorded requests with the given method and path.
func (m *MockServer) RequestsTo(method, path string) []*RequestLog {
	var out []*RequestLog
	for _, r := range m.Requests() {
		if strings.EqualFold(r.Method, method) && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Log returns the request log holding response details of every request.
func (m *MockServer) Log() requestlog.Store { return m.store }

// CallCount returns how many requests were made with method and path.
func (m *MockServer) CallCount(method, path string) int {
	return len(m.RequestsTo(method, path))
}

// AssertCalled asserts that at least one request was made with method and path.
func (m *MockServer) AssertCalled(t testing.TB, method, path string) {
	t.Helper()
	if m.CallCount(method, path) == 0 {
		t.Errorf("expected %s %s to be called, but it was not\n%s", method, path, m.describeRequests())
	}
}

// AssertCalledTimes asserts the number of requests made with method and path.
func (m *MockServer) AssertCalledTimes(t testing.TB, method, path string, times int) {
	t.Helper()
	if n := m.CallCount(method, path); n != times {
		t.Errorf("expected %s %s to be called %d times, but it was called %d times", method, path, times, n)
	}
}

// AssertNotCalled asserts that no request was made with method and path.
func (m *MockServer) AssertNotCalled(t testing.TB, method, path string) {
	t.Helper()
	if n := m.CallCount(method, path); n > 0 {
		t.Errorf("expected %s %s not to be called, but it was called %d times", method, path, n)
	}
}

// AssertAllMatched asserts that every recorded request was answered by a mock.
func (m *MockServer) AssertAllMatched(t testing.TB) {
	t.Helper()
	for _, r := range m.Requests() {
		if !r.Matched {
			t.Errorf("request %s %s matched no mock", r.Method, r.URL)
		}
	}
}

func (m *MockServer) describeRequests() string {
	reqs := m.Requests()
	if len(reqs) == 0 {
		return "no requests were made"
	}
	var b strings.Builder
	b.WriteString("requests made:")
	for _, r := range reqs {
		fmt.Fprintf(&b, "\n  %s %s", r.Method, r.URL)
	}
	return b.String()
}
