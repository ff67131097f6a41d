package handlers

import (
	"time"
)

// File is the top-level structure of a handler file.
type File struct {
	Version  string        `yaml:"version,omitempty" json:"version,omitempty"`
	Handlers []*Definition `yaml:"handlers" json:"handlers"`
}

// Definition is one declarative handler.
type Definition struct {
	Name        string    `yaml:"name" json:"name"`
	Match       Match     `yaml:"match" json:"match"`
	Response    *Response `yaml:"response,omitempty" json:"response,omitempty"`
	Error       string    `yaml:"error,omitempty" json:"error,omitempty"`
	Passthrough bool      `yaml:"passthrough,omitempty" json:"passthrough,omitempty"`
	// Times limits how often the handler applies. Zero means unlimited.
	Times int `yaml:"times,omitempty" json:"times,omitempty"`
}

// Match lists the criteria a request must satisfy.
type Match struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Path    string            `yaml:"path,omitempty" json:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Query   map[string]string `yaml:"query,omitempty" json:"query,omitempty"`
	Body    *BodyMatch        `yaml:"body,omitempty" json:"body,omitempty"`
	// When is an expr-lang boolean expression over the request.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// BodyMatch lists body criteria.
type BodyMatch struct {
	Equals   string         `yaml:"equals,omitempty" json:"equals,omitempty"`
	Contains string         `yaml:"contains,omitempty" json:"contains,omitempty"`
	Pattern  string         `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	JSONPath map[string]any `yaml:"jsonPath,omitempty" json:"jsonPath,omitempty"`
}

// Response is a mocked response.
type Response struct {
	Status  int               `yaml:"status,omitempty" json:"status,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	// JSON is serialized as the body when set; Content-Type defaults to
	// application/json.
	JSON  any           `yaml:"json,omitempty" json:"json,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}
