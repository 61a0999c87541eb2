package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hollowpeer/network"
)

// DefaultPingExpiry drops ping callbacks whose pong never arrived.
const DefaultPingExpiry = 5 * time.Minute

// Sender delivers one application message to a peer.
type Sender interface {
	SendMessage(ctx context.Context, peerID string, message any) error
}

// Handler receives the friend-protocol variants.
type Handler interface {
	HandleRequestFriend(ctx context.Context, from, inviteCode string)
	HandleApproveFriendRequest(ctx context.Context, from string, approval Approval)
	HandleNewFriendRequest(ctx context.Context, from string)
}

// QuarantineChecker reports whether a peer is still untrusted.
type QuarantineChecker interface {
	IsQuarantined(peerID string) bool
}

// AppHandler handles an application method registered with Register.
type AppHandler func(ctx context.Context, from string, msg Message)

// PongResult is passed to a ping callback.
type PongResult struct {
	PeerID    string
	MessageID string
	RoundTrip time.Duration
}

// Options configures a Router.
type Options struct {
	Logger *slog.Logger
	// EnforceQuarantine drops pings and application methods from quarantined peers.
	EnforceQuarantine bool
	Quarantine        QuarantineChecker
	PingExpiry        time.Duration

	now func() time.Time
}

type pendingPing struct {
	peerID string
	sentAt time.Time
	onPong func(PongResult)
}

// Router decodes inbound direct messages and dispatches them by method.
type Router struct {
	sender  Sender
	handler Handler
	opts    Options
	logger  *slog.Logger

	prefix  string
	counter atomic.Uint64

	mu    sync.Mutex
	pings map[string]pendingPing

	appMu sync.RWMutex
	apps  map[Method]AppHandler
}

// New creates a router. handler may be nil when only ping and application
// methods are needed.
func New(sender Sender, handler Handler, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingExpiry <= 0 {
		opts.PingExpiry = DefaultPingExpiry
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Router{
		sender:  sender,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger,
		prefix:  uuid.NewString(),
		pings:   make(map[string]pendingPing),
		apps:    make(map[Method]AppHandler),
	}
}

// Register adds handling for an application method outside the friend protocol.
func (r *Router) Register(method Method, handler AppHandler) {
	r.appMu.Lock()
	defer r.appMu.Unlock()
	if handler == nil {
		delete(r.apps, method)
		return
	}
	r.apps[method] = handler
}

// HandleMessage adapts Dispatch to the provider's message observer signature.
func (r *Router) HandleMessage(ctx context.Context, event network.MessageEvent) error {
	r.Dispatch(ctx, event.PeerID, event.Message)
	return nil
}

// Dispatch decodes payload and routes it. Malformed or unknown messages are
// logged and dropped.
func (r *Router) Dispatch(ctx context.Context, from string, payload json.RawMessage) {
	logger := r.logger.With("peer_id", from)

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Warn("dropping undecodable message", "err", err)
		return
	}
	msg.Raw = payload
	logger = logger.With("method", string(msg.Method))

	switch msg.Method {
	case MethodRequestFriend:
		if msg.InviteCode == "" {
			logger.Warn("dropping friend request without invite code")
			return
		}
		if r.handler != nil {
			r.handler.HandleRequestFriend(ctx, from, msg.InviteCode)
		}
	case MethodApproveFriendRequest:
		approval := msg.approval()
		if approval.PeerID != "" && approval.PeerID != from {
			logger.Warn("dropping approval with mismatched peer id", "claimed_peer_id", approval.PeerID)
			return
		}
		if r.handler != nil {
			r.handler.HandleApproveFriendRequest(ctx, from, approval)
		}
	case MethodNewFriendRequest:
		if r.handler != nil {
			r.handler.HandleNewFriendRequest(ctx, from)
		}
	case MethodPing:
		if r.blocked(from) {
			logger.Debug("dropping ping from quarantined peer")
			return
		}
		r.answerPing(ctx, from, msg, logger)
	case MethodPong:
		r.completePing(from, msg, logger)
	default:
		r.appMu.RLock()
		app, ok := r.apps[msg.Method]
		r.appMu.RUnlock()
		if !ok {
			logger.Warn("dropping message with unknown method")
			return
		}
		if r.blocked(from) {
			logger.Debug("dropping application message from quarantined peer")
			return
		}
		app(ctx, from, msg)
	}
}

// SendPing sends a ping and calls onPong once when the matching pong arrives.
func (r *Router) SendPing(ctx context.Context, peerID string, onPong func(PongResult)) (string, error) {
	now := r.opts.now()
	id := r.nextMessageID()

	r.mu.Lock()
	r.expirePings(now)
	r.pings[id] = pendingPing{peerID: peerID, sentAt: now, onPong: onPong}
	r.mu.Unlock()

	if err := r.sender.SendMessage(ctx, peerID, Ping(id, now.UnixMilli())); err != nil {
		r.mu.Lock()
		delete(r.pings, id)
		r.mu.Unlock()
		return "", err
	}
	return id, nil
}

// pendingPings returns how many pings still wait for a pong.
func (r *Router) pendingPings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pings)
}

func (r *Router) nextMessageID() string {
	return r.prefix + "-" + strconv.FormatUint(r.counter.Add(1), 10)
}

func (r *Router) blocked(peerID string) bool {
	return r.opts.EnforceQuarantine && r.opts.Quarantine != nil && r.opts.Quarantine.IsQuarantined(peerID)
}

func (r *Router) answerPing(ctx context.Context, from string, msg Message, logger *slog.Logger) {
	if msg.MessageID == "" {
		logger.Warn("dropping ping without message id")
		return
	}
	if err := r.sender.SendMessage(ctx, from, Pong(msg.MessageID, r.opts.now().UnixMilli())); err != nil {
		logger.Warn("pong failed", "message_id", msg.MessageID, "err", err)
	}
}

func (r *Router) completePing(from string, msg Message, logger *slog.Logger) {
	r.mu.Lock()
	pending, ok := r.pings[msg.MessageID]
	if ok && pending.peerID != from {
		ok = false
	}
	if ok {
		delete(r.pings, msg.MessageID)
	}
	r.mu.Unlock()

	if !ok {
		logger.Warn("dropping unmatched pong", "message_id", msg.MessageID)
		return
	}
	if pending.onPong != nil {
		pending.onPong(PongResult{
			PeerID:    from,
			MessageID: msg.MessageID,
			RoundTrip: r.opts.now().Sub(pending.sentAt),
		})
	}
}

// expirePings must be called with r.mu held.
func (r *Router) expirePings(now time.Time) {
	for id, pending := range r.pings {
		if now.Sub(pending.sentAt) > r.opts.PingExpiry {
			delete(r.pings, id)
		}
	}
}
