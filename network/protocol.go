package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// DirectMessageProtocol is the stream protocol id for direct messages.
	DirectMessageProtocol = "/hollow-world/mud/1.0.0"
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultDialTimeout bounds opening a connection to a peer.
	DefaultDialTimeout = 10 * time.Second
	// DefaultResponseTimeout bounds waiting for the acknowledgement.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultClientVersion is stamped into request metadata when none is configured.
	DefaultClientVersion = "hollowpeer/1.0.0"
)

// Status is the acknowledgement status returned for a direct message.
type Status string

const (
	StatusOK            Status = "OK"
	StatusBadRequest    Status = "BAD_REQUEST"
	StatusEmptyMessage  Status = "EMPTY_MESSAGE"
	StatusInternalError Status = "INTERNAL_ERROR"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidStatus indicates a response without a recognised status.
	ErrInvalidStatus = errors.New("network: invalid response status")
)

// Metadata travels with every request and response.
type Metadata struct {
	ClientVersion string `json:"clientVersion"`
	Timestamp     int64  `json:"timestamp"`
}

// Request is the body written by the sender.
type Request struct {
	Message  json.RawMessage `json:"message"`
	Metadata Metadata        `json:"metadata"`
}

// Response is the acknowledgement written by the receiver.
type Response struct {
	Status   Status   `json:"status"`
	Metadata Metadata `json:"metadata"`
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusBadRequest, StatusEmptyMessage, StatusInternalError:
		return true
	default:
		return false
	}
}

// EncodeJSON marshals a protocol body to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// WriteJSONFrame encodes v and writes it as one frame.
func WriteJSONFrame(w io.Writer, v any) error {
	payload, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// isEmptyMessage reports whether a request carries no usable message.
func isEmptyMessage(raw json.RawMessage) bool {
	trimmed := string(raw)
	return len(raw) == 0 || trimmed == "null" || trimmed == `""` || trimmed == "{}"
}
