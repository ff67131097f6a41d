package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getmockd/interceptors/pkg/handlers"
)

// MockBuilder builds a mock using a fluent API.
type MockBuilder struct {
	server *MockServer
	def    *handlers.Definition
	err    error // First error encountered during building
}

// setError records the first error encountered during building.
func (b *MockBuilder) setError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns any error encountered during building.
func (b *MockBuilder) Err() error {
	return b.err
}

// ensureResponse switches the mock back to answering with a response.
func (b *MockBuilder) ensureResponse() *handlers.Response {
	if b.def.Response == nil {
		b.def.Response = &handlers.Response{Status: http.StatusOK}
	}
	b.def.Error = ""
	b.def.Passthrough = false
	return b.def.Response
}

func (b *MockBuilder) ensureHeaders(r *handlers.Response) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
}

// WithStatus sets the response status code. Default is 200 (OK).
func (b *MockBuilder) WithStatus(status int) *MockBuilder {
	b.ensureResponse().Status = status
	return b
}

// WithBody sets the response body. Values other than strings and byte
// slices are JSON encoded.
func (b *MockBuilder) WithBody(body any) *MockBuilder {
	r := b.ensureResponse()
	switch v := body.(type) {
	case string:
		r.Body = v
	case []byte:
		r.Body = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			b.setError(fmt.Errorf("WithBody: failed to marshal body: %w", err))
			return b
		}
		r.Body = string(data)
		b.ensureHeaders(r)
		if _, ok := r.Headers["Content-Type"]; !ok {
			r.Headers["Content-Type"] = "application/json"
		}
	}
	return b
}

// WithJSON sets the response body as JSON with Content-Type application/json.
func (b *MockBuilder) WithJSON(body any) *MockBuilder {
	r := b.ensureResponse()
	data, err := json.Marshal(body)
	if err != nil {
		b.setError(fmt.Errorf("WithJSON: failed to marshal body: %w", err))
		return b
	}
	r.Body = string(data)
	b.ensureHeaders(r)
	r.Headers["Content-Type"] = "application/json"
	return b
}

// WithHeader adds a response header.
func (b *MockBuilder) WithHeader(key, value string) *MockBuilder {
	r := b.ensureResponse()
	b.ensureHeaders(r)
	r.Headers[key] = value
	return b
}

// WithHeaders sets multiple response headers at once.
func (b *MockBuilder) WithHeaders(headers map[string]string) *MockBuilder {
	r := b.ensureResponse()
	b.ensureHeaders(r)
	for k, v := range headers {
		r.Headers[k] = v
	}
	return b
}

// WithDelay delays the response. Accepts duration strings like "100ms".
func (b *MockBuilder) WithDelay(delay string) *MockBuilder {
	d, err := time.ParseDuration(delay)
	if err != nil {
		b.setError(fmt.Errorf("WithDelay: invalid duration %q: %w", delay, err))
		return b
	}
	b.ensureResponse().Delay = d
	return b
}

// FailWith fails matching requests with a network error. "refused",
// "reset" and "timeout" produce the matching connection errors.
func (b *MockBuilder) FailWith(name string) *MockBuilder {
	b.def.Response = nil
	b.def.Passthrough = false
	b.def.Error = name
	return b
}

// Passthrough sends matching requests to the network.
func (b *MockBuilder) Passthrough() *MockBuilder {
	b.def.Response = nil
	b.def.Error = ""
	b.def.Passthrough = true
	return b
}

func (b *MockBuilder) ensureBody() *handlers.BodyMatch {
	if b.def.Match.Body == nil {
		b.def.Match.Body = &handlers.BodyMatch{}
	}
	return b.def.Match.Body
}

// WithBodyContains matches requests containing substr in the body.
func (b *MockBuilder) WithBodyContains(substr string) *MockBuilder {
	b.ensureBody().Contains = substr
	return b
}

// WithBodyEquals matches requests with exactly matching body.
func (b *MockBuilder) WithBodyEquals(body string) *MockBuilder {
	b.ensureBody().Equals = body
	return b
}

// WithBodyPattern matches requests with body matching the regex pattern.
func (b *MockBuilder) WithBodyPattern(pattern string) *MockBuilder {
	b.ensureBody().Pattern = pattern
	return b
}

// WithJSONPath matches requests whose JSON body has value at path.
func (b *MockBuilder) WithJSONPath(path string, value any) *MockBuilder {
	body := b.ensureBody()
	if body.JSONPath == nil {
		body.JSONPath = make(map[string]any)
	}
	body.JSONPath[path] = value
	return b
}

// WithQueryParam matches requests with a specific query parameter.
func (b *MockBuilder) WithQueryParam(key, value string) *MockBuilder {
	if b.def.Match.Query == nil {
		b.def.Match.Query = make(map[string]string)
	}
	b.def.Match.Query[key] = value
	return b
}

// WithQueryParams matches requests with multiple query parameters.
func (b *MockBuilder) WithQueryParams(params map[string]string) *MockBuilder {
	for k, v := range params {
		b.WithQueryParam(k, v)
	}
	return b
}

// WithRequestHeader matches requests with a specific header.
func (b *MockBuilder) WithRequestHeader(key, value string) *MockBuilder {
	if b.def.Match.Headers == nil {
		b.def.Match.Headers = make(map[string]string)
	}
	b.def.Match.Headers[key] = value
	return b
}

// WithRequestHeaders matches requests with multiple headers.
func (b *MockBuilder) WithRequestHeaders(headers map[string]string) *MockBuilder {
	for k, v := range headers {
		b.WithRequestHeader(k, v)
	}
	return b
}

// When adds an expr-lang condition over the request, for example
// `headers["X-Tenant"] == "acme" && json.count > 2`.
func (b *MockBuilder) When(expression string) *MockBuilder {
	b.def.Match.When = expression
	return b
}

// WithName sets a human-readable name for the mock.
func (b *MockBuilder) WithName(name string) *MockBuilder {
	b.def.Name = name
	return b
}

// Times sets how many times this mock should match. Use 0 for unlimited
// matches (default).
func (b *MockBuilder) Times(n int) *MockBuilder {
	b.def.Times = n
	return b
}

// Once is a convenience method for Times(1).
func (b *MockBuilder) Once() *MockBuilder {
	return b.Times(1)
}

// Twice is a convenience method for Times(2).
func (b *MockBuilder) Twice() *MockBuilder {
	return b.Times(2)
}

// Build registers the mock. Build errors fail the test.
func (b *MockBuilder) Build() *MockServer {
	b.server.t.Helper()

	if b.err != nil {
		b.server.t.Errorf("mock %s: %v", b.def.Name, b.err)
		return b.server
	}
	if err := b.server.addMock(b.def); err != nil {
		b.server.t.Errorf("mock %s: %v", b.def.Name, err)
	}
	return b.server
}

// Reply is an alias for Build.
// More readable in fluent chains:
//
//	mock.Mock("GET", "/api").WithStatus(200).Reply()
func (b *MockBuilder) Reply() {
	b.server.t.Helper()
	b.Build()
}

// RespondWith is a shorthand for setting status and body together.
func (b *MockBuilder) RespondWith(status int, body any) *MockBuilder {
	return b.WithStatus(status).WithBody(body)
}

// RespondJSON is a shorthand for JSON response with status 200.
func (b *MockBuilder) RespondJSON(body any) *MockBuilder {
	return b.WithStatus(http.StatusOK).WithJSON(body)
}

// RespondNotFound configures a 404 Not Found response.
func (b *MockBuilder) RespondNotFound() *MockBuilder {
	return b.WithStatus(http.StatusNotFound).WithJSON(map[string]string{
		"error": "not_found",
	})
}

// RespondServerError configures a 500 Internal Server Error response.
func (b *MockBuilder) RespondServerError(message string) *MockBuilder {
	return b.WithStatus(http.StatusInternalServerError).WithJSON(map[string]string{
		"error": message,
	})
}

// RespondUnauthorized configures a 401 Unauthorized response.
func (b *MockBuilder) RespondUnauthorized() *MockBuilder {
	return b.WithStatus(http.StatusUnauthorized).WithJSON(map[string]string{
		"error": "unauthorized",
	})
}

// RespondCreated configures a 201 Created response. A nil body leaves the
// body empty.
func (b *MockBuilder) RespondCreated(body any) *MockBuilder {
	b.WithStatus(http.StatusCreated)
	if body != nil {
		b.WithJSON(body)
	}
	return b
}

// RespondNoContent configures a 204 No Content response.
func (b *MockBuilder) RespondNoContent() *MockBuilder {
	return b.WithStatus(http.StatusNoContent)
}
