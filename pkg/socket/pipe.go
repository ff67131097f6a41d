package socket

import (
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultPipeCapacity is the number of bytes a pipe direction buffers before
// writers block.
const DefaultPipeCapacity = 64 << 10

var errPipeTimeout = errors.New("pipe deadline exceeded")

// deadline is a resettable timer whose expiry closes a channel.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func newDeadline() *deadline {
	return &deadline{cancel: make(chan struct{})}
}

// set arms the deadline. The zero time disarms it; a time in the past
// expires it immediately.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // timer fired; wait for its close
	}
	d.timer = nil

	expired := isClosed(d.cancel)
	if t.IsZero() {
		if expired {
			d.cancel = make(chan struct{})
		}
		return
	}

	if dur := time.Until(t); dur > 0 {
		if expired {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}

	if !expired {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// pipe is one direction of the shim: a bounded byte queue with deadlines on
// both ends. Writers block while the queue is full.
type pipe struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	changed  chan struct{}

	werr    error // set once the writer is done; io.EOF for a clean end
	rclosed bool

	rdeadline *deadline
	wdeadline *deadline
}

func newPipe(capacity int) *pipe {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	return &pipe{
		capacity:  capacity,
		changed:   make(chan struct{}),
		rdeadline: newDeadline(),
		wdeadline: newDeadline(),
	}
}

// signal wakes every waiter. Callers hold p.mu.
func (p *pipe) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pipe) read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		switch {
		case p.rclosed:
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		case len(p.buf) > 0:
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if len(p.buf) == 0 {
				p.buf = nil
			}
			p.signal()
			p.mu.Unlock()
			return n, nil
		case p.werr != nil:
			err := p.werr
			p.mu.Unlock()
			return 0, err
		}
		wake := p.changed
		p.mu.Unlock()

		select {
		case <-wake:
		case <-p.rdeadline.wait():
			return 0, errPipeTimeout
		}
	}
}

func (p *pipe) write(b []byte) (int, error) {
	written := 0
	for {
		p.mu.Lock()
		if p.rclosed || p.werr != nil {
			p.mu.Unlock()
			return written, io.ErrClosedPipe
		}
		if space := p.capacity - len(p.buf); space > 0 {
			n := min(space, len(b)-written)
			p.buf = append(p.buf, b[written:written+n]...)
			written += n
			p.signal()
		}
		if written == len(b) {
			p.mu.Unlock()
			return written, nil
		}
		wake := p.changed
		p.mu.Unlock()

		select {
		case <-wake:
		case <-p.wdeadline.wait():
			return written, errPipeTimeout
		}
	}
}

// closeWrite ends the stream. Readers drain the queue, then get err
// (io.EOF when nil). Only the first call has an effect.
func (p *pipe) closeWrite(err error) {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr == nil {
		p.werr = err
		p.signal()
	}
}

// closeRead discards queued bytes and fails pending and future calls.
func (p *pipe) closeRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rclosed = true
	p.buf = nil
	p.signal()
}

func (p *pipe) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
