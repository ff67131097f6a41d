package httpparser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// State is the position of a parser within the current message.
type State int

const (
	StateAwaitingStartLine State = iota
	StateReadingHeaders
	StateReadingBody
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingStartLine:
		return "awaiting start line"
	case StateReadingHeaders:
		return "reading headers"
	case StateReadingBody:
		return "reading body"
	case StateComplete:
		return "complete"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// DefaultMaxHeaderBytes bounds the start line plus header section.
const DefaultMaxHeaderBytes = http.DefaultMaxHeaderBytes

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// framing is implemented by the request and response parsers.
type framing interface {
	startLine(line string) error
	bodyMode(h http.Header) (bodyMode, int64, error)
	headersDone(h http.Header, trailer http.Header, mode bodyMode, length int64, body *Body) error
	messageDone()
}

// message holds the state shared by both parser directions.
type message struct {
	MaxHeaderBytes int

	state       State
	line        []byte
	headerBytes int
	header      http.Header
	trailer     http.Header
	lastKey     string

	mode      bodyMode
	remaining int64
	chunk     chunkState
	body      *Body
}

func (m *message) limit() int {
	if m.MaxHeaderBytes > 0 {
		return m.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (m *message) feed(b []byte, f framing) (int, error) {
	n := 0
	for n < len(b) && m.state != StateComplete {
		if m.state == StateReadingBody && (m.mode != bodyChunked || m.chunk == chunkData) {
			used, err := m.readBody(b[n:], f)
			n += used
			if err != nil {
				return n, err
			}
			continue
		}

		line, used, ok, err := m.readLine(b[n:])
		n += used
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		if err := m.handleLine(line, f); err != nil {
			return n, err
		}
	}
	return n, nil
}

// readLine returns the next complete line without its terminator, buffering a
// partial line across calls.
func (m *message) readLine(b []byte) ([]byte, int, bool, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if m.state != StateReadingBody {
			m.headerBytes += len(b)
			if m.headerBytes > m.limit() {
				return nil, len(b), false, parseErr(m.state, "", ErrHeaderTooLarge)
			}
		}
		m.line = append(m.line, b...)
		return nil, len(b), false, nil
	}

	if m.state != StateReadingBody {
		m.headerBytes += i + 1
		if m.headerBytes > m.limit() {
			return nil, i + 1, false, parseErr(m.state, "", ErrHeaderTooLarge)
		}
	}
	line := append(m.line, b[:i]...)
	m.line = m.line[:0]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, i + 1, true, nil
}

func (m *message) handleLine(line []byte, f framing) error {
	switch m.state {
	case StateAwaitingStartLine:
		// Stray CRLFs between messages are ignored.
		if len(line) == 0 {
			return nil
		}
		if err := f.startLine(string(line)); err != nil {
			return err
		}
		m.header = make(http.Header)
		m.state = StateReadingHeaders
		return nil

	case StateReadingHeaders:
		if len(line) == 0 {
			return m.endHeaders(f)
		}
		return m.addField(m.header, line)

	case StateReadingBody:
		return m.handleChunkLine(line, f)
	}
	return nil
}

func (m *message) addField(h http.Header, line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		// obs-fold continues the previous field value.
		if m.lastKey == "" {
			return parseErr(m.state, string(line), errors.New("continuation line without field"))
		}
		vals := h[m.lastKey]
		vals[len(vals)-1] += " " + strings.TrimSpace(string(line))
		return nil
	}

	name, value, ok := strings.Cut(string(line), ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return parseErr(m.state, string(line), errors.New("malformed header field"))
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return parseErr(m.state, string(line), fmt.Errorf("invalid value for header %q", name))
	}

	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
	m.lastKey = key
	return nil
}

func (m *message) endHeaders(f framing) error {
	mode, length, err := f.bodyMode(m.header)
	if err != nil {
		return err
	}
	m.lastKey = ""
	m.mode = mode
	m.remaining = length
	m.chunk = chunkSize
	if mode == bodyLength && length == 0 {
		m.mode = bodyNone
	}

	if m.mode != bodyNone {
		m.body = newBody()
	}
	if m.mode == bodyChunked {
		m.trailer = make(http.Header)
	}
	if err := f.headersDone(m.header, m.trailer, m.mode, length, m.body); err != nil {
		return err
	}

	if m.mode == bodyNone {
		m.complete(f)
		return nil
	}
	m.state = StateReadingBody
	return nil
}

func (m *message) readBody(b []byte, f framing) (int, error) {
	switch m.mode {
	case bodyUntilClose:
		m.body.write(b)
		return len(b), nil

	case bodyLength, bodyChunked:
		n := len(b)
		if int64(n) > m.remaining {
			n = int(m.remaining)
		}
		m.body.write(b[:n])
		m.remaining -= int64(n)
		if m.remaining == 0 {
			if m.mode == bodyLength {
				m.complete(f)
			} else {
				m.chunk = chunkDataEnd
			}
		}
		return n, nil
	}
	return 0, nil
}

func (m *message) handleChunkLine(line []byte, f framing) error {
	switch m.chunk {
	case chunkSize:
		size, _, _ := strings.Cut(string(line), ";")
		n, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
		if err != nil || n < 0 {
			return parseErr(m.state, string(line), errors.New("invalid chunk size"))
		}
		if n == 0 {
			m.chunk = chunkTrailer
			return nil
		}
		m.remaining = n
		m.chunk = chunkData

	case chunkDataEnd:
		if len(line) != 0 {
			return parseErr(m.state, string(line), errors.New("missing CRLF after chunk data"))
		}
		m.chunk = chunkSize

	case chunkTrailer:
		if len(line) == 0 {
			m.complete(f)
			return nil
		}
		return m.addField(m.trailer, line)
	}
	return nil
}

func (m *message) complete(f framing) {
	m.state = StateComplete
	if m.body != nil {
		m.body.finish(nil)
	}
	f.messageDone()
}

// finish ends a message whose body is delimited by connection close.
func (m *message) finish(f framing) error {
	switch {
	case m.state == StateComplete:
		return nil
	case m.state == StateAwaitingStartLine && len(m.line) == 0:
		return nil
	case m.state == StateReadingBody && m.mode == bodyUntilClose:
		m.complete(f)
		return nil
	}

	if m.body != nil {
		m.body.finish(io.ErrUnexpectedEOF)
	}
	return parseErr(m.state, "", io.ErrUnexpectedEOF)
}

func (m *message) free() {
	if m.body != nil && m.state != StateComplete {
		m.body.finish(ErrFreed)
	}
	limit := m.MaxHeaderBytes
	*m = message{MaxHeaderBytes: limit, line: m.line[:0]}
}

// contentLength parses the Content-Length field. Repeated identical values are
// accepted; differing ones are not.
func contentLength(h http.Header, s State) (int64, bool, error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	first := strings.TrimSpace(vals[0])
	for _, v := range vals[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, parseErr(s, "", errors.New("conflicting Content-Length values"))
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, false, parseErr(s, first, errors.New("invalid Content-Length"))
	}
	h.Set("Content-Length", first)
	return n, true, nil
}

// chunked reports whether the message uses chunked transfer coding.
func chunked(h http.Header, s State) (bool, error) {
	te := h.Values("Transfer-Encoding")
	if len(te) == 0 {
		return false, nil
	}
	if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
		return false, parseErr(s, strings.Join(te, ", "), ErrUnsupportedTransferEncoding)
	}
	// Content-Length is ignored when chunked coding is present.
	h.Del("Content-Length")
	return true, nil
}

// shouldClose reports whether the connection ends after this message.
func shouldClose(major, minor int, h http.Header) bool {
	conn := h.Values("Connection")
	if major < 1 || (major == 1 && minor == 0) {
		return !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return httpguts.HeaderValuesContainsToken(conn, "close")
}
