package httpparser

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// RequestParser reconstructs client requests written to a connection.
type RequestParser struct {
	// Scheme of reconstructed URLs, "http" unless set.
	Scheme string
	// Host is the authority used when a request carries no Host header.
	Host string
	// MaxHeaderBytes bounds the header section. Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// OnRequest is called once the request headers are complete. The body
	// keeps streaming after it returns.
	OnRequest func(*http.Request)
	// OnComplete is called when the whole request, body included, was parsed.
	OnComplete func(*http.Request)

	msg    message
	method string
	target string
	proto  string
	major  int
	minor  int
	req    *http.Request
}

// Feed parses b and returns how many bytes belong to the current message.
func (p *RequestParser) Feed(b []byte) (int, error) {
	p.msg.MaxHeaderBytes = p.MaxHeaderBytes
	return p.msg.feed(b, p)
}

// Finish signals that the writer side closed.
func (p *RequestParser) Finish() error { return p.msg.finish(p) }

// Free resets the parser for the next message.
func (p *RequestParser) Free() {
	p.msg.free()
	p.method, p.target, p.proto = "", "", ""
	p.req = nil
}

// State returns the parser state.
func (p *RequestParser) State() State { return p.msg.state }

// Request returns the request being parsed, or nil before its headers complete.
func (p *RequestParser) Request() *http.Request { return p.req }

func (p *RequestParser) startLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed request line"))
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return parseErr(StateAwaitingStartLine, line, errors.New("invalid method"))
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed HTTP version"))
	}
	p.method, p.target, p.proto = method, target, proto
	p.major, p.minor = major, minor
	return nil
}

func (p *RequestParser) bodyMode(h http.Header) (bodyMode, int64, error) {
	isChunked, err := chunked(h, StateReadingHeaders)
	if err != nil {
		return bodyNone, 0, err
	}
	if isChunked {
		return bodyChunked, -1, nil
	}
	n, ok, err := contentLength(h, StateReadingHeaders)
	if err != nil || !ok {
		return bodyNone, 0, err
	}
	return bodyLength, n, nil
}

func (p *RequestParser) headersDone(h, trailer http.Header, mode bodyMode, length int64, body *Body) error {
	host := h.Get("Host")
	h.Del("Host")
	if host == "" {
		host = p.Host
	}

	u, err := p.resolveURL(host)
	if err != nil {
		return parseErr(StateReadingHeaders, p.target, err)
	}
	if host == "" {
		host = u.Host
	}

	req := &http.Request{
		Method:     p.method,
		URL:        u,
		Proto:      p.proto,
		ProtoMajor: p.major,
		ProtoMinor: p.minor,
		Header:     h,
		Host:       host,
		Body:       http.NoBody,
		Trailer:    trailer,
		Close:      shouldClose(p.major, p.minor, h),
	}
	switch mode {
	case bodyLength:
		req.ContentLength = length
		req.Body = body
	case bodyChunked:
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		req.Body = body
	}

	p.req = req
	if p.OnRequest != nil {
		p.OnRequest(req)
	}
	return nil
}

func (p *RequestParser) messageDone() {
	if p.OnComplete != nil {
		p.OnComplete(p.req)
	}
}

// resolveURL turns the request target into an absolute URL.
func (p *RequestParser) resolveURL(host string) (*url.URL, error) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}

	switch {
	case p.method == http.MethodConnect:
		return &url.URL{Host: p.target}, nil
	case p.target == "*":
		return &url.URL{Scheme: scheme, Host: host, Path: "*"}, nil
	case strings.HasPrefix(p.target, "/"):
		u, err := url.ParseRequestURI(p.target)
		if err != nil {
			return nil, err
		}
		u.Scheme = scheme
		u.Host = host
		return u, nil
	}

	// absolute-form
	u, err := url.ParseRequestURI(p.target)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("request target is not absolute")
	}
	return u, nil
}
