// Package transport moves frames between the simulator and the BMS: a byte
// Channel abstraction over serial ports, TCP sockets and an in-memory
// loopback, plus the sequential request/response exchange and a
// transmit-only mode for rigs without a responding BMS.
package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Channel is a half-duplex byte pipe to the device under test.
type Channel interface {
	// Write sends the whole buffer or fails.
	Write(p []byte) error
	// Read blocks up to timeout for at least one byte and appends whatever
	// arrived. ok is false when nothing arrived before the deadline.
	Read(timeout time.Duration) (data []byte, ok bool)
	// Flush discards any buffered inbound bytes.
	Flush()
	IsOpen() bool
	Close() error
}

// deadliner covers *os.File and net.Conn read deadlines.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// streamChannel adapts a deadline-capable byte stream to Channel.
type streamChannel struct {
	mu     sync.Mutex
	rw     interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	dl   deadliner
	open bool
	name string
}

// OpenSerial opens a tty device. Line settings (baud rate, raw mode) are
// expected to be configured on the port beforehand; the simulator only
// moves bytes.
func OpenSerial(path string) (Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	return &streamChannel{rw: f, dl: f, open: true, name: path}, nil
}

// Dial connects to a BMS bridged over TCP (serial device servers, test
// benches).
func Dial(addr string) (Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &streamChannel{rw: conn, dl: conn, open: true, name: addr}, nil
}

func (c *streamChannel) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("channel %s closed", c.name)
	}
	for len(p) > 0 {
		n, err := c.rw.Write(p)
		if err != nil {
			return fmt.Errorf("writing to %s: %w", c.name, err)
		}
		p = p[n:]
	}
	return nil
}

func (c *streamChannel) Read(timeout time.Duration) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, false
	}
	c.dl.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, err := c.rw.Read(buf)
	if n > 0 {
		return buf[:n], true
	}
	_ = err
	return nil, false
}

func (c *streamChannel) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	// Drain whatever is pending without blocking.
	buf := make([]byte, 512)
	for {
		c.dl.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := c.rw.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

func (c *streamChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *streamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	return c.rw.Close()
}

// Loopback is an in-memory Channel. A Responder, when set, plays the part
// of the BMS: every written frame is handed to it and its reply becomes
// readable. Used by tests and the no-hardware mode.
type Loopback struct {
	mu        sync.Mutex
	inbound   [][]byte
	written   [][]byte
	responder func(frame []byte) []byte
	open      bool
	notify    chan struct{}
}

// NewLoopback returns an open loopback channel.
func NewLoopback() *Loopback {
	return &Loopback{open: true, notify: make(chan struct{}, 1)}
}

// SetResponder installs the fake BMS. A nil reply swallows the frame.
func (l *Loopback) SetResponder(fn func(frame []byte) []byte) {
	l.mu.Lock()
	l.responder = fn
	l.mu.Unlock()
}

// Written returns every frame written so far.
func (l *Loopback) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}

// Inject queues bytes as if the device had sent them unprompted.
func (l *Loopback) Inject(p []byte) {
	l.mu.Lock()
	l.inbound = append(l.inbound, append([]byte(nil), p...))
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return fmt.Errorf("loopback closed")
	}
	frame := append([]byte(nil), p...)
	l.written = append(l.written, frame)
	responder := l.responder
	l.mu.Unlock()

	if responder != nil {
		if reply := responder(frame); reply != nil {
			l.Inject(reply)
		}
	}
	return nil
}

func (l *Loopback) Read(timeout time.Duration) ([]byte, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		l.mu.Lock()
		if len(l.inbound) > 0 {
			p := l.inbound[0]
			l.inbound = l.inbound[1:]
			l.mu.Unlock()
			return p, true
		}
		open := l.open
		l.mu.Unlock()
		if !open {
			return nil, false
		}
		select {
		case <-l.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}

func (l *Loopback) Flush() {
	l.mu.Lock()
	l.inbound = nil
	l.mu.Unlock()
}

func (l *Loopback) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}
