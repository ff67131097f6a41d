package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/getmockd/interceptors/pkg/httpparser"
)

type decision int

const (
	undecided decision = iota
	mocked
	errored
	forwarded
)

// Message is one request parsed from the socket and the handle used to
// decide it.
type Message struct {
	s    *Socket
	req  *http.Request
	body io.Closer

	// guarded by s.fwdMu
	state    decision
	buffered []byte
}

// Request returns the parsed request.
func (m *Message) Request() *http.Request { return m.req }

// Context is cancelled when the caller closes the socket.
func (m *Message) Context() context.Context { return m.s.ctx }

// Socket returns the socket the message was written to.
func (m *Message) Socket() *Socket { return m.s }

// Release drops the parsed request body. Body bytes that arrive later are
// still routed by the decision but no longer buffered for readers. Call it
// once no listener reads the request any more.
func (m *Message) Release() {
	if m.body != nil {
		_ = m.body.Close()
	}
}

func (m *Message) claim(to decision) bool {
	m.s.fwdMu.Lock()
	defer m.s.fwdMu.Unlock()
	if m.state != undecided {
		return false
	}
	m.state = to
	m.buffered = nil
	return true
}

// RespondWith writes resp to the caller and ends the connection.
func (m *Message) RespondWith(resp *http.Response) error {
	s := m.s
	if s.destroyed.Load() {
		return ErrClosed
	}
	if !m.claim(mocked) {
		return fmt.Errorf("message for %s %s already decided", m.req.Method, m.req.URL)
	}
	s.forget(m)

	// A mocked response means the held-back failure never happened.
	s.takeSuppressed()

	out := *resp
	out.Header = resp.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set("Connection", "close")
	out.Request = m.req

	if err := httpparser.WriteResponse(pushWriter{s}, &out); err != nil {
		s.log.Debug("writing mocked response failed", "error", err)
		if !s.destroyed.Load() {
			s.fail(err)
		}
		return err
	}
	s.end()
	return nil
}

// ErrorWith fails the connection. Held-back lookup failure events take
// precedence over err when present.
func (m *Message) ErrorWith(err error) error {
	s := m.s
	if s.destroyed.Load() {
		return ErrClosed
	}
	if !m.claim(errored) {
		return fmt.Errorf("message for %s %s already decided", m.req.Method, m.req.URL)
	}
	s.forget(m)
	if err == nil {
		err = errors.New("socket error")
	}

	if s.replay(s.takeSuppressed()) {
		return nil
	}
	s.fail(err)
	return nil
}

// Passthrough sends the request to the real destination. Bytes written so far
// are replayed and later ones forwarded as they arrive.
func (m *Message) Passthrough() error {
	s := m.s
	if s.destroyed.Load() {
		return ErrClosed
	}

	held := s.takeSuppressed()
	if s.opts.ReplaySuppressed && s.replay(held) {
		m.claim(errored)
		s.forget(m)
		return nil
	}

	s.fwdMu.Lock()
	if m.state != undecided {
		s.fwdMu.Unlock()
		return fmt.Errorf("message for %s %s already decided", m.req.Method, m.req.URL)
	}
	conn, err := s.connectLocked()
	if err != nil {
		m.state = errored
		m.buffered = nil
		s.fwdMu.Unlock()
		s.forget(m)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.awaiting = append(s.awaiting, m)
	s.mu.Unlock()

	m.state = forwarded
	buf := m.buffered
	m.buffered = nil
	if len(buf) > 0 {
		_, err = conn.Write(buf)
	}
	s.fwdMu.Unlock()
	s.forget(m)
	return err
}

// connectLocked dials the destination once per socket. Callers hold s.fwdMu.
func (s *Socket) connectLocked() (net.Conn, error) {
	if s.dialed {
		return s.real, s.dialErr
	}
	s.dialed = true

	conn, err := s.opts.Dial(s.ctx, s.opts.Network, s.opts.Address)
	if err == nil && s.opts.Secure {
		conn, err = s.handshake(conn)
	}
	if err != nil {
		s.dialErr = err
		s.log.Debug("passthrough dial failed", "error", err)
		return nil, err
	}

	s.real = conn
	go s.copyReal(conn)
	return conn, nil
}

func (s *Socket) handshake(raw net.Conn) (net.Conn, error) {
	cfg := &tls.Config{}
	if s.opts.TLSConfig != nil {
		cfg = s.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.host
	}
	cfg.NextProtos = []string{"http/1.1"}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(s.ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return tc, nil
}

func (s *Socket) forget(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.messages {
		if x == m {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Pending returns the number of parsed messages still awaiting a decision.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// pump moves bytes written by the caller through the request parser.
func (s *Socket) pump() {
	defer close(s.pumpDone)

	var cur *Message
	s.reqParser.OnRequest = func(req *http.Request) {
		req = req.WithContext(s.ctx)
		cur.req = req
		cur.body = req.Body
		s.mu.Lock()
		s.messages = append(s.messages, cur)
		s.mu.Unlock()

		if s.opts.OnRequest == nil {
			_ = cur.Passthrough()
			cur.Release()
			return
		}
		s.opts.OnRequest(cur)
	}

	buf := make([]byte, 32<<10)
	for {
		n, err := s.out.read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			if s.rawMode() {
				s.forwardRaw(chunk)
				break
			}
			if cur == nil {
				cur = &Message{s: s}
			}
			used, perr := s.reqParser.Feed(chunk)
			s.route(cur, chunk[:used])
			chunk = chunk[used:]
			if perr != nil {
				s.parseFailed(cur, perr)
				continue
			}
			if s.reqParser.State() == httpparser.StateComplete {
				s.reqParser.Free()
				cur = nil
			}
		}
		if err != nil {
			s.reqParser.Free()
			return
		}
	}
}

// route sends a message's bytes where its decision says.
func (s *Socket) route(m *Message, b []byte) {
	if len(b) == 0 {
		return
	}
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()

	switch m.state {
	case undecided:
		m.buffered = append(m.buffered, b...)
	case forwarded:
		if s.real != nil {
			if _, err := s.real.Write(b); err != nil {
				s.log.Debug("forwarding request bytes failed", "error", err)
			}
		}
	}
}

func (s *Socket) rawMode() bool {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	return s.rawOnly
}

func (s *Socket) forwardRaw(b []byte) {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	if s.real != nil {
		_, _ = s.real.Write(b)
	}
}

// parseFailed handles bytes that are not HTTP. A passed-through connection
// keeps relaying them untouched; anything else is failed.
func (s *Socket) parseFailed(m *Message, err error) {
	s.fwdMu.Lock()
	relaying := s.real != nil && (m.state == forwarded || m.state == undecided && m.req == nil)
	// Either way the rest of the stream is no longer parsed. Without a real
	// connection the bytes are dropped.
	s.rawOnly = true
	if relaying {
		if len(m.buffered) > 0 {
			_, _ = s.real.Write(m.buffered)
			m.buffered = nil
		}
	}
	s.fwdMu.Unlock()

	if relaying {
		s.log.Debug("request stream is not HTTP, relaying raw bytes", "error", err)
		return
	}
	s.log.Debug("malformed request", "error", err)
	m.claim(errored)
	s.forget(m)
	s.fail(fmt.Errorf("malformed request: %w", err))
}

// copyReal relays the real connection to the caller and observes responses.
func (s *Socket) copyReal(conn net.Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.observe(buf[:n])
			if perr := s.Push(buf[:n]); perr != nil {
				_ = conn.Close()
				return
			}
		}
		if err == nil {
			continue
		}
		if s.destroyed.Load() {
			s.respParser.Free()
			return
		}
		if errors.Is(err, io.EOF) {
			_ = s.respParser.Finish()
			s.end()
			return
		}
		s.fail(err)
		return
	}
}

// observe feeds real response bytes to the response parser.
func (s *Socket) observe(b []byte) {
	for len(b) > 0 {
		if s.respParser.State() == httpparser.StateAwaitingStartLine && s.respMsg == nil {
			s.mu.Lock()
			if len(s.awaiting) > 0 {
				s.respMsg = s.awaiting[0]
				s.awaiting = s.awaiting[1:]
			}
			s.mu.Unlock()
			if s.respMsg != nil {
				s.respParser.SetRequest(s.respMsg.req)
			}
		}

		n, err := s.respParser.Feed(b)
		if err != nil {
			s.log.Debug("response stream is not HTTP, no longer observing", "error", err)
			s.respParser.OnResponse = nil
			return
		}
		b = b[n:]

		if s.respParser.State() == httpparser.StateComplete {
			resp := s.respParser.Response()
			interim := resp.StatusCode/100 == 1 && resp.StatusCode != http.StatusSwitchingProtocols
			msg := s.respMsg
			s.respParser.Free()
			if interim && msg != nil {
				s.respParser.SetRequest(msg.req)
			} else {
				s.respMsg = nil
			}
		}
	}
}

func (s *Socket) onRealResponse(resp *http.Response) {
	if resp.StatusCode/100 == 1 && resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}
	if s.opts.OnResponse != nil && s.respMsg != nil {
		s.opts.OnResponse(s.respMsg, resp)
	}
}
