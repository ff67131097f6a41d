package handlers

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/interceptors/pkg/controller"
	"github.com/getmockd/interceptors/pkg/interceptor"
)

func requestEvent(t *testing.T, method, url, body string) *interceptor.RequestEvent {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	return &interceptor.RequestEvent{ID: "test", Request: req, Controller: controller.New(req)}
}

func decide(t *testing.T, s *Set, ev *interceptor.RequestEvent) (controller.Decision, bool) {
	t.Helper()
	require.NoError(t, s.Handle(context.Background(), ev))
	if !ev.Controller.Handled() {
		return controller.Decision{}, false
	}
	d, err := ev.Controller.Wait(context.Background())
	require.NoError(t, err)
	return d, true
}

func mustSet(t *testing.T, src string) *Set {
	t.Helper()
	f, err := Parse("inline.yaml", []byte(src))
	require.NoError(t, err)
	s, err := NewSet(f)
	require.NoError(t, err)
	return s
}

func TestLoadGlob(t *testing.T) {
	f, err := LoadGlob(filepath.Join("testdata", "**", "*.{yaml,json}"))
	require.NoError(t, err)

	names := make([]string, len(f.Handlers))
	for i, h := range f.Handlers {
		names[i] = h.Name
	}
	assert.ElementsMatch(t, []string{"list-users", "create-admin", "payments-down", "auth-real"}, names)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "missing.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = LoadGlob(filepath.Join("testdata", "*.none"))
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"empty", "  \n", ErrEmptyFile},
		{"bad yaml", "handlers: [", ErrInvalidYAML},
		{"missing handlers", "version: '1'", ErrInvalidDocument},
		{"two outcomes", `
handlers:
  - name: x
    response: {status: 200}
    passthrough: true
`, ErrInvalidDocument},
		{"no outcome", `
handlers:
  - name: x
    match: {method: GET}
`, ErrInvalidDocument},
		{"bad status", `
handlers:
  - name: x
    response: {status: 999}
`, ErrInvalidDocument},
		{"unknown field", `
handlers:
  - name: x
    respond: {status: 200}
`, ErrInvalidDocument},
		{"duplicate names", `
handlers:
  - {name: x, passthrough: true}
  - {name: x, passthrough: true}
`, ErrInvalidDocument},
		{"bad expression", `
handlers:
  - name: x
    match: {when: "method =="}
    passthrough: true
`, ErrInvalidDocument},
		{"bad jsonpath", `
handlers:
  - name: x
    match: {body: {jsonPath: {"$[": 1}}}
    passthrough: true
`, ErrInvalidDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("inline.yaml", []byte(tt.src))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParse_ValidationErrorsListPaths(t *testing.T) {
	_, err := Parse("inline.yaml", []byte(`
handlers:
  - name: x
    response: {status: 42}
`))
	var vr *ValidationResult
	require.ErrorAs(t, err, &vr)
	require.NotEmpty(t, vr.Errors)
	assert.Contains(t, err.Error(), "/handlers/0")
}

func TestSet_RespondsWithJSON(t *testing.T) {
	f, err := LoadFile(filepath.Join("testdata", "users.yaml"))
	require.NoError(t, err)
	s, err := NewSet(f)
	require.NoError(t, err)

	d, ok := decide(t, s, requestEvent(t, http.MethodGet, "http://api.example.test/users", ""))
	require.True(t, ok)
	require.Equal(t, controller.KindRespond, d.Kind)
	assert.Equal(t, http.StatusOK, d.Response.StatusCode)
	assert.Equal(t, "application/json", d.Response.Header.Get("Content-Type"))
	b, err := io.ReadAll(d.Response.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"name":"ada"}]`, string(b))
}

func TestSet_BodyJSONPath(t *testing.T) {
	f, err := LoadFile(filepath.Join("testdata", "users.yaml"))
	require.NoError(t, err)
	s, err := NewSet(f)
	require.NoError(t, err)

	ev := requestEvent(t, http.MethodPost, "http://api.example.test/users", `{"role":"admin"}`)
	d, ok := decide(t, s, ev)
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, d.Response.StatusCode)
	assert.Equal(t, "yes", d.Response.Header.Get("X-Created"))

	// The body is still readable by later listeners.
	b, err := io.ReadAll(ev.Request.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"role":"admin"}`, string(b))

	_, ok = decide(t, s, requestEvent(t, http.MethodPost, "http://api.example.test/users", `{"role":"guest"}`))
	assert.False(t, ok)
}

func TestSet_NetworkErrorAndPassthrough(t *testing.T) {
	f, err := LoadFile(filepath.Join("testdata", "nested", "errors.json"))
	require.NoError(t, err)
	s, err := NewSet(f)
	require.NoError(t, err)

	d, ok := decide(t, s, requestEvent(t, http.MethodGet, "https://payments.example.test/charge", ""))
	require.True(t, ok)
	assert.Equal(t, controller.KindError, d.Kind)
	assert.ErrorIs(t, d.Err, syscall.ECONNREFUSED)

	d, ok = decide(t, s, requestEvent(t, http.MethodGet, "https://auth.example.test/token", ""))
	require.True(t, ok)
	assert.Equal(t, controller.KindPassthrough, d.Kind)

	_, ok = decide(t, s, requestEvent(t, http.MethodGet, "https://other.example.test/", ""))
	assert.False(t, ok)
}

func TestSet_MostSpecificWins(t *testing.T) {
	s := mustSet(t, `
handlers:
  - name: any-api
    match: {url: "api.example.test/**"}
    response: {status: 200, body: generic}
  - name: user
    match: {method: GET, path: "/users/{id}"}
    response: {status: 200, body: specific}
  - name: same-score-later
    match: {method: GET, path: "/users/{id}"}
    response: {status: 200, body: later}
`)
	d, ok := decide(t, s, requestEvent(t, http.MethodGet, "http://api.example.test/users/7", ""))
	require.True(t, ok)
	b, _ := io.ReadAll(d.Response.Body)
	assert.Equal(t, "specific", string(b))
}

func TestSet_WhenExpression(t *testing.T) {
	s := mustSet(t, `
handlers:
  - name: tenant
    match:
      when: 'headers["X-Tenant"] == "acme" && query.page == "2" && json.kind == "report"'
    response: {status: 202}
`)
	ev := requestEvent(t, http.MethodPost, "http://api.example.test/r?page=2", `{"kind":"report"}`)
	ev.Request.Header.Set("X-Tenant", "acme")
	d, ok := decide(t, s, ev)
	require.True(t, ok)
	assert.Equal(t, http.StatusAccepted, d.Response.StatusCode)

	ev = requestEvent(t, http.MethodPost, "http://api.example.test/r?page=2", `{"kind":"report"}`)
	ev.Request.Header.Set("X-Tenant", "other")
	_, ok = decide(t, s, ev)
	assert.False(t, ok)
}

func TestSet_Times(t *testing.T) {
	s := mustSet(t, `
handlers:
  - name: once
    times: 1
    match: {method: GET}
    response: {status: 200}
`)
	_, ok := decide(t, s, requestEvent(t, http.MethodGet, "http://a.test/", ""))
	assert.True(t, ok)
	_, ok = decide(t, s, requestEvent(t, http.MethodGet, "http://a.test/", ""))
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Handlers()[0].Uses())
}

func TestSet_DelayHonoursContext(t *testing.T) {
	s := mustSet(t, `
handlers:
  - name: slow
    response: {status: 200, delay: 1h}
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ev := requestEvent(t, http.MethodGet, "http://a.test/", "")
	require.NoError(t, s.Handle(ctx, ev))
	assert.False(t, ev.Controller.Handled())
}

func TestNetworkError(t *testing.T) {
	assert.ErrorIs(t, NetworkError("refused"), syscall.ECONNREFUSED)
	assert.ErrorIs(t, NetworkError("RESET"), syscall.ECONNRESET)
	assert.EqualError(t, NetworkError("custom failure"), "custom failure")
}

func TestSet_AddAndReset(t *testing.T) {
	s, err := NewSet(nil)
	require.NoError(t, err)

	_, err = s.Add(&Definition{Name: "bad", Match: Match{Path: "/x"}})
	require.Error(t, err, "a handler without an outcome is rejected")
	assert.Empty(t, s.Handlers())

	h, err := s.Add(&Definition{
		Name:     "contains",
		Match:    Match{Body: &BodyMatch{Contains: "ping"}},
		Response: &Response{Status: http.StatusAccepted},
	})
	require.NoError(t, err)
	assert.Equal(t, "contains", h.Name())

	d, ok := decide(t, s, requestEvent(t, http.MethodPost, "http://api.example.test/", "ping"))
	require.True(t, ok)
	assert.Equal(t, http.StatusAccepted, d.Response.StatusCode)

	s.Reset()
	assert.Empty(t, s.Handlers())
	_, ok = decide(t, s, requestEvent(t, http.MethodPost, "http://api.example.test/", "ping"))
	assert.False(t, ok)
}
