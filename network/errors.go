package network

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned by provider calls made before Initialize completes.
	ErrNotInitialized = errors.New("network: provider is not initialized")
	// ErrEmptyMessage is returned when a send carries no message.
	ErrEmptyMessage = errors.New("network: message is empty")
	// ErrInvalidMessage is returned when a raw message is not valid JSON.
	ErrInvalidMessage = errors.New("network: message is not valid JSON")
)

// ConnectionError means no connection to the peer could be opened in time.
type ConnectionError struct {
	PeerID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("network: connect to %s: %v", e.PeerID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError means a stream could not be opened, written or read.
type StreamError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("network: stream %s with %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ResponseTimeoutError means the acknowledgement did not arrive in time.
type ResponseTimeoutError struct {
	PeerID  string
	Timeout time.Duration
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("network: no response from %s within %s", e.PeerID, e.Timeout)
}

// StatusError means the remote acknowledged with a non-OK status.
type StatusError struct {
	PeerID string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("network: %s responded with status %q", e.PeerID, e.Status)
}

// SendError is what the provider returns for any failed SendMessage.
type SendError struct {
	PeerID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("network: send to %s failed: %v", e.PeerID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
