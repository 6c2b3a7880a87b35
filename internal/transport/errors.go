package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout is returned when the backend does not accept the
	// connection within Config.ConnectTimeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrNotConnected is returned by Emit while no connection is open.
	// Commands are never queued.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("connector closed")
)

// ConnectionError is a dial rejected by the backend or the network.
type ConnectionError struct {
	URL    string
	Status int // HTTP status of a failed handshake, 0 if none
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: handshake status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
