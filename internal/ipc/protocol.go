// Package ipc is the local transport between the omnirec service and its clients:
// length-prefixed JSON messages over a per-user Unix socket or named pipe.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single payload.
const MaxMessageSize = 64 * 1024

var (
	ErrMessageTooLarge  = errors.New("message too large")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrDisconnected     = errors.New("peer disconnected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("timeout")
)

// WriteMessage encodes msg as a 4-byte little-endian length followed by its JSON payload.
// Header and payload go out in a single write.
func WriteMessage(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(payload), MaxMessageSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one frame. The length is checked before the payload is allocated.
// A clean close between frames returns io.EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, size, MaxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &msg, nil
}
