package handlers

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
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/getmockd/interceptors/internal/matching"
	"github.com/getmockd/interceptors/pkg/emitter"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/logging"
	"github.com/getmockd/interceptors/pkg/metrics"
)

// Handler is a compiled Definition.
type Handler struct {
	def      *Definition
	criteria matching.Criteria
	when     *vm.Program
	body     []byte
	err      error
	used     atomic.Int64
}

// Name returns the handler name.
func (h *Handler) Name() string { return h.def.Name }

// Definition returns the definition the handler was compiled from.
func (h *Handler) Definition() *Definition { return h.def }

// Uses returns how often the handler applied.
func (h *Handler) Uses() int64 { return h.used.Load() }

// exhausted reports whether the handler reached its Times limit.
func (h *Handler) exhausted() bool {
	return h.def.Times > 0 && h.used.Load() >= int64(h.def.Times)
}

// claim counts one use. It fails once the limit is reached.
func (h *Handler) claim() bool {
	if h.def.Times <= 0 {
		h.used.Add(1)
		return true
	}
	for {
		n := h.used.Load()
		if n >= int64(h.def.Times) {
			return false
		}
		if h.used.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// exprEnv is the environment `when` expressions are checked against.
func exprEnv(r *http.Request, body []byte) map[string]any {
	env := map[string]any{
		"method":  "",
		"url":     "",
		"host":    "",
		"path":    "",
		"headers": map[string]string{},
		"query":   map[string]string{},
		"body":    "",
		"json":    map[string]any(nil),
	}
	if r == nil {
		return env
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	env["method"] = r.Method
	env["url"] = r.URL.String()
	env["host"] = host
	env["path"] = r.URL.Path
	env["headers"] = headers
	env["query"] = query
	env["body"] = string(body)

	var parsed any
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		env["json"] = parsed
	}
	return env
}

// compile checks a definition and prepares it for matching.
func compile(d *Definition) (*Handler, error) {
	h := &Handler{def: d}
	h.criteria = matching.Criteria{
		Method:  d.Match.Method,
		URL:     d.Match.URL,
		Path:    d.Match.Path,
		Headers: d.Match.Headers,
		Query:   d.Match.Query,
	}
	if b := d.Match.Body; b != nil {
		h.criteria.BodyEquals = b.Equals
		h.criteria.BodyContains = b.Contains
		h.criteria.BodyPattern = b.Pattern
		h.criteria.BodyJSONPath = b.JSONPath
	}
	if err := h.criteria.Validate(); err != nil {
		return nil, err
	}

	if d.Match.When != "" {
		program, err := expr.Compile(d.Match.When, expr.Env(exprEnv(nil, nil)), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid when expression: %w", err)
		}
		h.when = program
	}

	outcomes := 0
	if d.Response != nil {
		outcomes++
		body, err := responseBody(d.Response)
		if err != nil {
			return nil, err
		}
		h.body = body
	}
	if d.Error != "" {
		outcomes++
		h.err = NetworkError(d.Error)
	}
	if d.Passthrough {
		outcomes++
	}
	if outcomes != 1 {
		return nil, errors.New("handler needs exactly one of response, error or passthrough")
	}
	return h, nil
}

func responseBody(r *Response) ([]byte, error) {
	if r.JSON != nil {
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding json response: %w", err)
		}
		return b, nil
	}
	return []byte(r.Body), nil
}

// NetworkError maps a handler error name to the error the request fails
// with. "refused", "reset" and "timeout" produce the matching dial or read
// errors; any other text becomes a plain error.
func NetworkError(name string) error {
	switch strings.ToLower(name) {
	case "refused", "econnrefused":
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	case "reset", "econnreset":
		return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	case "timeout", "etimedout":
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}
	}
	return errors.New(name)
}

// response builds a fresh response for one request.
func (h *Handler) response() *http.Response {
	r := h.def.Response
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header, len(r.Headers)+1)
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	if r.JSON != nil && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(h.body)),
		ContentLength: int64(len(h.body)),
	}
}

// Set is a group of handlers attached to interceptors as a request listener.
type Set struct {
	mu        sync.RWMutex
	handlers  []*Handler
	needsBody bool
	log       *slog.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.log = l }
}

// NewSet compiles the definitions of f.
func NewSet(f *File, opts ...Option) (*Set, error) {
	s := &Set{}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.log, "handlers")

	if f == nil {
		return s, nil
	}
	for i, d := range f.Handlers {
		if _, err := s.Add(d); err != nil {
			return nil, fmt.Errorf("handler %d (%s): %w", i, d.Name, err)
		}
	}
	return s, nil
}

// Add compiles d and appends it to the set.
func (s *Set) Add(d *Definition) (*Handler, error) {
	h, err := compile(d)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
	if h.criteria.NeedsBody() || h.when != nil {
		s.needsBody = true
	}
	return h, nil
}

// Reset removes every handler.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
	s.needsBody = false
}

// Handlers returns the compiled handlers in definition order.
func (s *Set) Handlers() []*Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Handler, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// Find returns the most specific handler matching r, or nil.
func (s *Set) Find(r *http.Request, body []byte) *Handler {
	var (
		best      *Handler
		bestScore int
	)
	var env map[string]any
	for _, h := range s.Handlers() {
		if h.exhausted() {
			continue
		}
		res := matching.Match(&h.criteria, r, body)
		if !res.Matched() || res.Score <= bestScore {
			continue
		}
		if h.when != nil {
			if env == nil {
				env = exprEnv(r, body)
			}
			out, err := expr.Run(h.when, env)
			if err != nil {
				s.log.Debug("when expression failed", "handler", h.Name(), "error", err)
				continue
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		best, bestScore = h, res.Score
	}
	return best
}

// Handle is a request listener deciding requests a handler matches.
func (s *Set) Handle(ctx context.Context, ev *interceptor.RequestEvent) error {
	s.mu.RLock()
	needsBody := s.needsBody
	s.mu.RUnlock()

	var body []byte
	if needsBody && ev.Request.Body != nil && ev.Request.Body != http.NoBody {
		b, err := io.ReadAll(ev.Request.Body)
		if err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}
		body = b
		// Later listeners still see the body.
		ev.Request.Body = io.NopCloser(bytes.NewReader(b))
	}

	h := s.Find(ev.Request, body)
	if h == nil || !h.claim() {
		if metrics.HandlerMissesTotal != nil {
			_ = metrics.HandlerMissesTotal.Inc()
		}
		return nil
	}
	if metrics.HandlerMatchesTotal != nil {
		if vec, err := metrics.HandlerMatchesTotal.WithLabels(h.Name()); err == nil {
			_ = vec.Inc()
		}
	}
	s.log.Debug("handler matched", "handler", h.Name(), "request_id", ev.ID, "url", ev.Request.URL.String())

	switch {
	case h.def.Passthrough:
		return ev.Controller.Passthrough()
	case h.err != nil:
		return ev.Controller.ErrorWith(h.err)
	}

	if d := h.def.Response.Delay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
	}
	return ev.Controller.RespondWith(h.response())
}

// Listener adapts Handle to the emitter listener signature.
func (s *Set) Listener() emitter.Listener {
	return func(ctx context.Context, ev emitter.Event) error {
		re, ok := ev.(*interceptor.RequestEvent)
		if !ok {
			return nil
		}
		return s.Handle(ctx, re)
	}
}

// Attach registers the set as a request listener on ic.
func (s *Set) Attach(ic *interceptor.Interceptor) (emitter.Subscription, error) {
	return ic.OnRequest(s.Handle)
}
