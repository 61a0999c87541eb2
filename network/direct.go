package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// SendState tracks one outbound direct message.
type SendState int

const (
	StateIdle SendState = iota
	StateConnecting
	StateStreamOpen
	StateRequestSent
	StateAwaitingResponse
	StateOK
	StateError
	StateClosed
)

func (s SendState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateStreamOpen:
		return "STREAM_OPEN"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateOK:
		return "OK"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SendState(%d)", int(s))
	}
}

// MessageEvent is emitted for every request received on the direct-message protocol.
type MessageEvent struct {
	PeerID     string
	Message    json.RawMessage
	Metadata   Metadata
	ReceivedAt time.Time
}

// DirectOptions configures a DirectMessenger.
type DirectOptions struct {
	ClientVersion   string
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	Logger          *slog.Logger
	// OnState observes every state transition of outbound sends.
	OnState func(peerID string, state SendState)

	now func() time.Time
}

func (o DirectOptions) withDefaults() DirectOptions {
	out := o
	if out.ClientVersion == "" {
		out.ClientVersion = DefaultClientVersion
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// DirectMessenger sends and receives single request/acknowledgement exchanges,
// one stream per message.
type DirectMessenger struct {
	host    host.Host
	opts    DirectOptions
	deliver func(MessageEvent)
}

// NewDirectMessenger wires a messenger to h. deliver receives every inbound message.
func NewDirectMessenger(h host.Host, opts DirectOptions, deliver func(MessageEvent)) *DirectMessenger {
	if deliver == nil {
		deliver = func(MessageEvent) {}
	}
	return &DirectMessenger{
		host:    h,
		opts:    opts.withDefaults(),
		deliver: deliver,
	}
}

// Register installs the stream handler for DirectMessageProtocol.
func (d *DirectMessenger) Register() {
	d.host.SetStreamHandler(protocol.ID(DirectMessageProtocol), d.HandleStream)
}

// Unregister removes the stream handler.
func (d *DirectMessenger) Unregister() {
	d.host.RemoveStreamHandler(protocol.ID(DirectMessageProtocol))
}

// Send delivers message to the peer and waits for its acknowledgement.
func (d *DirectMessenger) Send(ctx context.Context, to peer.ID, message any) (ok bool, err error) {
	pid := to.String()
	setState := func(next SendState) {
		if d.opts.OnState != nil {
			d.opts.OnState(pid, next)
		}
	}
	setState(StateIdle)
	defer func() {
		if err != nil {
			setState(StateError)
		} else {
			setState(StateOK)
		}
		setState(StateClosed)
	}()

	body, err := encodeMessage(message)
	if err != nil {
		return false, err
	}

	setState(StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancelDial()
	dialCtx = p2pnet.WithAllowLimitedConn(dialCtx, "direct-message")

	if d.host.Network().Connectedness(to) != p2pnet.Connected {
		if err := d.host.Connect(dialCtx, peer.AddrInfo{ID: to}); err != nil {
			return false, &ConnectionError{PeerID: pid, Err: err}
		}
	}

	stream, err := d.host.NewStream(dialCtx, to, protocol.ID(DirectMessageProtocol))
	if err != nil {
		return false, &StreamError{PeerID: pid, Op: "open", Err: err}
	}
	setState(StateStreamOpen)
	defer func() {
		if err != nil {
			_ = stream.Reset()
			return
		}
		_ = stream.Close()
	}()

	stopWatch := context.AfterFunc(ctx, func() {
		_ = stream.Reset()
	})
	defer stopWatch()

	if err := stream.SetDeadline(d.opts.now().Add(d.opts.ResponseTimeout)); err != nil {
		d.opts.Logger.Debug("set stream deadline failed", "peer_id", pid, "err", err)
	}

	request := Request{
		Message: body,
		Metadata: Metadata{
			ClientVersion: d.opts.ClientVersion,
			Timestamp:     d.opts.now().UnixMilli(),
		},
	}
	if err := WriteJSONFrame(stream, request); err != nil {
		return false, &StreamError{PeerID: pid, Op: "write", Err: err}
	}
	setState(StateRequestSent)
	_ = stream.CloseWrite()

	setState(StateAwaitingResponse)
	payload, err := ReadFrame(stream)
	if err != nil {
		if isTimeout(ctx, err) {
			return false, &ResponseTimeoutError{PeerID: pid, Timeout: d.opts.ResponseTimeout}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, &StreamError{PeerID: pid, Op: "read", Err: ctxErr}
		}
		return false, &StreamError{PeerID: pid, Op: "read", Err: err}
	}

	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		return false, &StreamError{PeerID: pid, Op: "decode", Err: err}
	}
	if response.Status != StatusOK {
		return false, &StatusError{PeerID: pid, Status: response.Status}
	}

	return true, nil
}

// HandleStream reads one request, acknowledges it and then dispatches it.
func (d *DirectMessenger) HandleStream(s p2pnet.Stream) {
	event, ok := d.receive(s)
	if !ok {
		return
	}
	d.deliver(event)
}

func (d *DirectMessenger) receive(s p2pnet.Stream) (event MessageEvent, ok bool) {
	from := s.Conn().RemotePeer().String()
	logger := d.opts.Logger.With("peer_id", from)

	replied := false
	defer func() {
		if !ok && !replied {
			_ = s.Reset()
			return
		}
		_ = s.Close()
	}()

	if err := s.SetDeadline(d.opts.now().Add(d.opts.ResponseTimeout)); err != nil {
		logger.Debug("set stream deadline failed", "err", err)
	}

	payload, err := ReadFrame(s)
	if err != nil {
		logger.Warn("read direct message failed", "err", err)
		return MessageEvent{}, false
	}

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		logger.Warn("decode direct message failed", "err", err)
		replied = d.respond(s, StatusBadRequest, logger)
		return MessageEvent{}, false
	}
	if isEmptyMessage(request.Message) {
		logger.Warn("direct message without payload")
		replied = d.respond(s, StatusEmptyMessage, logger)
		return MessageEvent{}, false
	}

	if !d.respond(s, StatusOK, logger) {
		return MessageEvent{}, false
	}

	return MessageEvent{
		PeerID:     from,
		Message:    request.Message,
		Metadata:   request.Metadata,
		ReceivedAt: d.opts.now(),
	}, true
}

func (d *DirectMessenger) respond(s p2pnet.Stream, status Status, logger *slog.Logger) bool {
	response := Response{
		Status: status,
		Metadata: Metadata{
			ClientVersion: d.opts.ClientVersion,
			Timestamp:     d.opts.now().UnixMilli(),
		},
	}
	if err := WriteJSONFrame(s, response); err != nil {
		logger.Warn("write direct message response failed", "status", string(status), "err", err)
		return false
	}
	return true
}

func encodeMessage(message any) (json.RawMessage, error) {
	switch m := message.(type) {
	case nil:
		return nil, ErrEmptyMessage
	case json.RawMessage:
		if isEmptyMessage(m) {
			return nil, ErrEmptyMessage
		}
		if !json.Valid(m) {
			return nil, ErrInvalidMessage
		}
		return m, nil
	case []byte:
		if isEmptyMessage(m) {
			return nil, ErrEmptyMessage
		}
		if !json.Valid(m) {
			return nil, ErrInvalidMessage
		}
		return json.RawMessage(m), nil
	}

	body, err := EncodeJSON(message)
	if err != nil {
		return nil, err
	}
	if isEmptyMessage(body) {
		return nil, ErrEmptyMessage
	}
	return body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
