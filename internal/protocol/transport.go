package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrMalformedMessage is returned by Receive for frames without a kind.
var ErrMalformedMessage = errors.New("malformed message")

// Transport carries messages in both directions. Send may be called from
// several goroutines; Receive must be called from one. Close unblocks a
// pending Receive.
type Transport interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

// Conn is a Transport over a byte stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Conn)(nil)

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send writes msg as one frame.
func (c *Conn) Send(msg Message) error {
	if msg.Kind == "" {
		return fmt.Errorf("send: %w: empty kind", ErrMalformedMessage)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := WriteMessage(c.rwc, &msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

// Receive reads the next frame.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	if err := ReadMessage(c.reader, &msg); err != nil {
		return Message{}, err
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("receive: %w: empty kind", ErrMalformedMessage)
	}
	return msg, nil
}

// Close closes the underlying stream. Calling Close more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Pipe returns two connected in-memory transports.
func Pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

// IsClosed reports whether err means the peer or the local side closed the
// transport.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
