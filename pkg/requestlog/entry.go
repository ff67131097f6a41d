package requestlog

import (
	"net/http"
	"time"
)

// MaxBodySize is the number of body bytes kept per entry.
const MaxBodySize = 10 * 1024

// Entry captures one intercepted request and the response it received.
type Entry struct {
	// ID is the request ID carried by the interceptor events.
	ID string `json:"id"`

	// Timestamp is when the request was announced.
	Timestamp time.Time `json:"timestamp"`

	// Interceptor is the capability key of the interceptor that saw the request.
	Interceptor string `json:"interceptor,omitempty"`

	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Host        string      `json:"host"`
	Path        string      `json:"path"`
	QueryString string      `json:"queryString,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`

	// BodySize is the declared request body size, -1 when unknown.
	BodySize int64 `json:"bodySize"`

	// Completed is set once a response event arrived.
	Completed bool `json:"completed"`

	// Mocked reports whether the response was supplied by a listener.
	Mocked bool `json:"mocked"`

	ResponseStatus  int         `json:"responseStatus,omitempty"`
	ResponseHeaders http.Header `json:"responseHeaders,omitempty"`

	// ResponseBody is the response body, truncated to MaxBodySize.
	ResponseBody string `json:"responseBody,omitempty"`

	// DurationMs is the time from request to response headers in milliseconds.
	DurationMs int `json:"durationMs"`

	// Error holds a listener failure reported for the request.
	Error string `json:"error,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Headers = e.Headers.Clone()
	c.ResponseHeaders = e.ResponseHeaders.Clone()
	return &c
}
