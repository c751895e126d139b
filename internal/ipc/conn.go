package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Conn is a framed message connection. Send may be called concurrently;
// Receive must be called from one goroutine.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	wmu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes one message. A gone peer yields ErrDisconnected.
func (c *Conn) Send(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteMessage(c.nc, msg); err != nil {
		return classify(err)
	}
	return nil
}

// Receive blocks until a full message arrives or the connection closes.
func (c *Conn) Receive() (*Message, error) {
	msg, err := ReadMessage(c.r)
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

func classify(err error) error {
	if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrInvalidMessage) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
