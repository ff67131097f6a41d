package httpparser

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ResponseParser reconstructs responses read from a connection. Duplicate
// header fields are folded into one comma-separated value, except Set-Cookie.
type ResponseParser struct {
	// MaxHeaderBytes bounds the header section. Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// OnResponse is called once the response headers are complete.
	OnResponse func(*http.Response)
	// OnComplete is called when the whole response was parsed.
	OnComplete func(*http.Response)

	msg    message
	req    *http.Request
	status string
	code   int
	proto  string
	major  int
	minor  int
	resp   *http.Response
}

// SetRequest records the request the next response answers. Its method decides
// whether a body may follow and it becomes the response's Request.
func (p *ResponseParser) SetRequest(req *http.Request) { p.req = req }

// Feed parses b and returns how many bytes belong to the current message.
func (p *ResponseParser) Feed(b []byte) (int, error) {
	p.msg.MaxHeaderBytes = p.MaxHeaderBytes
	return p.msg.feed(b, p)
}

// Finish signals that the server side closed, ending close-delimited bodies.
func (p *ResponseParser) Finish() error { return p.msg.finish(p) }

// Free resets the parser for the next message. The request set with
// SetRequest is forgotten.
func (p *ResponseParser) Free() {
	p.msg.free()
	p.req = nil
	p.resp = nil
	p.status, p.proto = "", ""
	p.code = 0
}

// State returns the parser state.
func (p *ResponseParser) State() State { return p.msg.state }

// Response returns the response being parsed, or nil before its headers complete.
func (p *ResponseParser) Response() *http.Response { return p.resp }

func (p *ResponseParser) startLine(line string) error {
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed status line"))
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed HTTP version"))
	}

	status = strings.TrimLeft(status, " ")
	codeStr, reason, _ := strings.Cut(status, " ")
	if len(codeStr) != 3 {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed status code"))
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return parseErr(StateAwaitingStartLine, line, errors.New("malformed status code"))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = http.StatusText(code)
	}

	p.proto, p.major, p.minor = proto, major, minor
	p.code = code
	p.status = strings.TrimSpace(codeStr + " " + reason)
	return nil
}

// Bodiless reports whether a response to method with the given status can
// carry a body.
func Bodiless(method string, code int) bool {
	return method == http.MethodHead || code/100 == 1 || code == http.StatusNoContent || code == http.StatusNotModified
}

func (p *ResponseParser) bodyMode(h http.Header) (bodyMode, int64, error) {
	method := http.MethodGet
	if p.req != nil {
		method = p.req.Method
	}
	if Bodiless(method, p.code) {
		return bodyNone, 0, nil
	}

	isChunked, err := chunked(h, StateReadingHeaders)
	if err != nil {
		return bodyNone, 0, err
	}
	if isChunked {
		return bodyChunked, -1, nil
	}
	n, ok, err := contentLength(h, StateReadingHeaders)
	if err != nil {
		return bodyNone, 0, err
	}
	if ok {
		return bodyLength, n, nil
	}
	return bodyUntilClose, -1, nil
}

func (p *ResponseParser) headersDone(h, trailer http.Header, mode bodyMode, length int64, body *Body) error {
	fold(h)

	resp := &http.Response{
		Status:     p.status,
		StatusCode: p.code,
		Proto:      p.proto,
		ProtoMajor: p.major,
		ProtoMinor: p.minor,
		Header:     h,
		Body:       http.NoBody,
		Trailer:    trailer,
		Request:    p.req,
		Close:      shouldClose(p.major, p.minor, h) || mode == bodyUntilClose,
	}
	switch mode {
	case bodyLength:
		resp.ContentLength = length
		resp.Body = body
	case bodyChunked:
		resp.ContentLength = -1
		resp.TransferEncoding = []string{"chunked"}
		resp.Body = body
	case bodyUntilClose:
		resp.ContentLength = -1
		resp.Body = body
	default:
		if n, ok, _ := contentLength(h, StateReadingHeaders); ok && p.req != nil && p.req.Method == http.MethodHead {
			resp.ContentLength = n
		}
	}

	p.resp = resp
	if p.OnResponse != nil {
		p.OnResponse(resp)
	}
	return nil
}

func (p *ResponseParser) messageDone() {
	if p.OnComplete != nil {
		p.OnComplete(p.resp)
	}
}

func fold(h http.Header) {
	for k, v := range h {
		if len(v) > 1 && k != "Set-Cookie" {
			h[k] = []string{strings.Join(v, ", ")}
		}
	}
}
