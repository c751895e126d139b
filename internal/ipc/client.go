package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDialTimeout bounds how long Dial waits for the service endpoint to appear.
const DefaultDialTimeout = 10 * time.Second

const (
	dialPollInterval = 100 * time.Millisecond
	eventBuffer      = 64
)

// eventDeliveryTimeout bounds how long a full Events channel may stall the connection
// before the client gives up on it.
var eventDeliveryTimeout = 5 * time.Second

// Client is a connection to the service. Replies are matched to calls; everything
// else is delivered on Events.
type Client struct {
	conn *Conn

	callMu  sync.Mutex
	replies chan *Message
	events  chan *Message

	done chan struct{}
	err  error
}

// Dial connects to addr, polling until the endpoint accepts or timeout expires.
// The server must run as the current user.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		nc, err := dial(ctx, addr)
		if err == nil {
			if err := VerifyServer(nc); err != nil {
				nc.Close()
				return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
			}
			return NewClient(NewConn(nc)), nil
		}
		lastErr = err
		slog.Debug("IPC endpoint not ready", "address", addr, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w after %v: %v", ErrConnectionFailed, ErrTimeout, timeout, lastErr)
		case <-time.After(dialPollInterval):
		}
	}
}

// NewClient starts reading from conn.
func NewClient(conn *Conn) *Client {
	c := &Client{
		conn:    conn,
		replies: make(chan *Message, 1),
		events:  make(chan *Message, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			c.err = err
			return
		}
		if msg.ReplyTo != "" {
			select {
			case c.replies <- msg:
			default:
				slog.Debug("Dropping reply nobody waits for", "type", msg.Type, "reply_to", msg.ReplyTo)
			}
			continue
		}
		if !c.deliver(msg) {
			return
		}
	}
}

// deliver hands an event to the reader. Events are never dropped: when the reader stalls
// past eventDeliveryTimeout the connection is closed instead.
func (c *Client) deliver(msg *Message) bool {
	select {
	case c.events <- msg:
		return true
	default:
	}
	timer := time.NewTimer(eventDeliveryTimeout)
	defer timer.Stop()
	select {
	case c.events <- msg:
		return true
	case <-timer.C:
		slog.Error("Event reader stalled, closing connection", "type", msg.Type, "timeout", eventDeliveryTimeout)
		c.err = fmt.Errorf("%w: %s event not consumed within %v", ErrDisconnected, msg.Type, eventDeliveryTimeout)
		c.conn.Close()
		return false
	}
}

// Events delivers state_changed, error, recording_saved and targets_changed messages.
// It is closed when the connection ends.
func (c *Client) Events() <-chan *Message {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a command and waits for its reply. An error reply is returned as a
// *ErrorInfo, which matches the corresponding sentinel with errors.Is.
func (c *Client) Call(ctx context.Context, msg *Message) (*Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.conn.Send(msg); err != nil {
		return nil, err
	}
	for {
		select {
		case reply := <-c.replies:
			if reply.ReplyTo != msg.Type {
				slog.Debug("Discarding stale reply", "reply_to", reply.ReplyTo, "want", msg.Type)
				continue
			}
			if reply.Type == TypeError {
				if reply.Error == nil {
					return reply, fmt.Errorf("%w: error reply without details", ErrInvalidMessage)
				}
				return reply, reply.Error
			}
			return reply, nil
		case <-c.done:
			if c.err != nil {
				return nil, c.err
			}
			return nil, ErrDisconnected
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: no reply to %s", ErrTimeout, msg.Type)
			}
			return nil, ctx.Err()
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
