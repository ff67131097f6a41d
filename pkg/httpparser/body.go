package httpparser

import (
	"bytes"
	"io"
	"sync"
)

// Body is a message body filled by a parser. Writes never block the parser;
// reads block until data arrives or the message ends.
type Body struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	err    error // io.EOF once the message completed
	closed bool
	total  int64
}

func newBody() *Body {
	b := &Body{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Read implements io.Reader.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	return 0, b.err
}

// Close discards buffered and future data.
func (b *Body) Close() error {
	b.mu.Lock()
	b.closed = true
	b.buf.Reset()
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

// Len returns the number of buffered bytes not yet read.
func (b *Body) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Received returns the number of body bytes parsed so far.
func (b *Body) Received() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Body) write(p []byte) {
	b.mu.Lock()
	b.total += int64(len(p))
	if !b.closed && b.err == nil {
		b.buf.Write(p)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *Body) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}
