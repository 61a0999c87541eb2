package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"hollowpeer/crypto"
	"hollowpeer/discovery"
	"hollowpeer/models"
)

const (
	// DefaultDiscoveryTopic is the gossip topic used when none is configured.
	DefaultDiscoveryTopic = "hollow-world._peer-discovery._p2p._pubsub"
	relayRetryInterval    = 30 * time.Second
)

// MessageHandler observes inbound direct messages.
type MessageHandler func(ctx context.Context, event MessageEvent) error

// PeerHandler observes peer connection lifecycle changes.
type PeerHandler func(ctx context.Context, peerID string) error

// Options configures a Provider.
type Options struct {
	ListenAddrs []string
	// RelayAddrs are full relay multiaddrs, or bare peer ids resolved through the DHT.
	RelayAddrs        []string
	BootstrapPeers    []string
	EnableDHT         bool
	EnableMDNS        bool
	EnableNATPortMap  bool
	PlayerName        string
	DiscoveryTopic    string
	DiscoveryInterval time.Duration
	ClientVersion     string
	DialTimeout       time.Duration
	ResponseTimeout   time.Duration
	Logger            *slog.Logger
}

// Provider owns the libp2p node and exposes the transport surface used by the
// rest of the application.
type Provider struct {
	opts   Options
	store  crypto.KeyStore
	logger *slog.Logger

	mu        sync.RWMutex
	identity  *crypto.Identity
	host      host.Host
	kdht      *dht.IpfsDHT
	messenger *DirectMessenger
	gossip    *discovery.Gossip
	mdns      *discovery.MDNS
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup

	handlersMu         sync.RWMutex
	messageHandlers    []MessageHandler
	connectHandlers    []PeerHandler
	disconnectHandlers []PeerHandler

	peersMu   sync.Mutex
	connected map[peer.ID]int
	// stopping drops connection events while Destroy tears the host down.
	stopping bool
	eventsWG sync.WaitGroup
}

// NewProvider creates an uninitialized provider backed by store for key material.
func NewProvider(store crypto.KeyStore, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1", "/ip4/0.0.0.0/tcp/0/ws"}
	}
	if opts.DiscoveryTopic == "" {
		opts.DiscoveryTopic = DefaultDiscoveryTopic
	}
	return &Provider{
		opts:      opts,
		store:     store,
		logger:    opts.Logger,
		connected: make(map[peer.ID]int),
	}
}

// Initialize loads the identity, starts the node, subscribes to the discovery
// topic and begins relay and bootstrap connection in the background.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host != nil {
		return nil
	}

	identity, err := crypto.LoadOrCreateIdentity(p.store, p.logger)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	p.peersMu.Lock()
	p.stopping = false
	p.peersMu.Unlock()

	relays, relayLookups := p.parseRelays()
	bootstrap := p.parseAddrInfos(p.opts.BootstrapPeers, "bootstrap")

	runCtx, cancel := context.WithCancel(context.Background())

	var kdht *dht.IpfsDHT
	options := []libp2p.Option{
		libp2p.Identity(identity.PrivateKey),
		libp2p.ListenAddrStrings(p.opts.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	}
	if p.opts.EnableNATPortMap {
		options = append(options, libp2p.NATPortMap())
	}
	if len(relays) > 0 {
		options = append(options, libp2p.EnableAutoRelayWithStaticRelays(relays))
	}
	if p.opts.EnableDHT {
		options = append(options, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			dhtOptions := []dht.Option{dht.Mode(dht.ModeClient)}
			if len(bootstrap) > 0 {
				dhtOptions = append(dhtOptions, dht.BootstrapPeers(bootstrap...))
			}
			var err error
			kdht, err = dht.New(runCtx, h, dhtOptions...)
			return kdht, err
		}))
	}

	h, err := libp2p.New(options...)
	if err != nil {
		cancel()
		return fmt.Errorf("start libp2p node: %w", err)
	}
	h.Network().Notify(&p2pnet.NotifyBundle{
		ConnectedF:    p.handleConnected,
		DisconnectedF: p.handleDisconnected,
	})

	messenger := NewDirectMessenger(h, DirectOptions{
		ClientVersion:   p.opts.ClientVersion,
		DialTimeout:     p.opts.DialTimeout,
		ResponseTimeout: p.opts.ResponseTimeout,
		Logger:          p.logger,
	}, p.dispatchMessage)
	messenger.Register()

	shutdown := func() {
		cancel()
		if kdht != nil {
			_ = kdht.Close()
		}
		_ = h.Close()
	}

	ps, err := pubsub.NewGossipSub(runCtx, h, pubsub.WithMessageIdFn(discovery.MessageID))
	if err != nil {
		shutdown()
		return fmt.Errorf("start gossipsub: %w", err)
	}
	gossip := discovery.NewGossip(h, ps, discovery.GossipOptions{
		Topic:       p.opts.DiscoveryTopic,
		Interval:    p.opts.DiscoveryInterval,
		Logger:      p.logger,
		OnCandidate: p.logCandidate,
	})
	if err := gossip.Start(runCtx); err != nil {
		shutdown()
		return fmt.Errorf("start discovery gossip: %w", err)
	}

	p.identity = identity
	p.host = h
	p.kdht = kdht
	p.messenger = messenger
	p.gossip = gossip
	p.ctx = runCtx
	p.cancel = cancel

	if p.opts.EnableMDNS {
		p.startMDNS(h)
	}

	p.wg.Add(1)
	go p.connectInfrastructure(runCtx, h, kdht, bootstrap, relays, relayLookups)

	p.logger.Info("peer node started", "peer_id", identity.PeerID.String(), "addrs", multiaddrStrings(h.Addrs()))
	return nil
}

// PeerID returns the local peer id.
func (p *Provider) PeerID() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.host == nil {
		return "", ErrNotInitialized
	}
	return p.identity.PeerID.String(), nil
}

// Addrs returns dialable multiaddrs for this node including the /p2p suffix.
func (p *Provider) Addrs() []string {
	p.mu.RLock()
	h := p.host
	p.mu.RUnlock()
	if h == nil {
		return nil
	}
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err != nil {
		return nil
	}
	return multiaddrStrings(addrs)
}

// Host exposes the underlying libp2p host, nil before Initialize.
func (p *Provider) Host() host.Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.host
}

// RememberAddrs stores dial hints for peerID without dialing it. Entries may
// carry a /p2p suffix for the same peer.
func (p *Provider) RememberAddrs(peerID string, addrs []string) {
	p.mu.RLock()
	h := p.host
	p.mu.RUnlock()
	if h == nil {
		return
	}

	id, err := peer.Decode(peerID)
	if err != nil {
		p.logger.Debug("ignoring dial hints", "peer_id", peerID, "err", err)
		return
	}
	info := peer.AddrInfo{ID: id}
	for _, raw := range addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		transport, owner := peer.SplitAddr(addr)
		if transport == nil || (owner != "" && owner != id) {
			continue
		}
		info.Addrs = append(info.Addrs, transport)
	}
	discovery.RegisterCandidate(h, info)
}

// InvitationAddresses splits this node's addresses into public and private
// dial hints for invitations.
func (p *Provider) InvitationAddresses() models.Addresses {
	p.mu.RLock()
	h := p.host
	p.mu.RUnlock()
	if h == nil {
		return models.Addresses{}
	}

	var out models.Addresses
	for _, addr := range h.Addrs() {
		switch {
		case manet.IsIPLoopback(addr):
		case manet.IsPublicAddr(addr):
			out.External = append(out.External, addr.String())
		default:
			out.Internal = append(out.Internal, addr.String())
		}
	}
	return out
}

// ConnectedPeers returns a snapshot of currently connected peer ids.
func (p *Provider) ConnectedPeers() []string {
	p.peersMu.Lock()
	out := make([]string, 0, len(p.connected))
	for id := range p.connected {
		out = append(out, id.String())
	}
	p.peersMu.Unlock()

	sort.Strings(out)
	return out
}

// DiscoverySubscribed reports whether the node is receiving presence
// announcements on the discovery topic.
func (p *Provider) DiscoverySubscribed() bool {
	p.mu.RLock()
	gossip := p.gossip
	p.mu.RUnlock()
	return gossip != nil && gossip.Subscribed()
}

// Connect dials a full /p2p multiaddr.
func (p *Provider) Connect(ctx context.Context, addr string) error {
	p.mu.RLock()
	h := p.host
	p.mu.RUnlock()
	if h == nil {
		return ErrNotInitialized
	}

	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	dialTimeout := p.opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := h.Connect(dialCtx, *info); err != nil {
		return &ConnectionError{PeerID: info.ID.String(), Err: err}
	}
	return nil
}

// SendMessage delivers message to peerID over the direct-message protocol.
func (p *Provider) SendMessage(ctx context.Context, peerID string, message any) error {
	p.mu.RLock()
	messenger := p.messenger
	p.mu.RUnlock()
	if messenger == nil {
		return &SendError{PeerID: peerID, Err: ErrNotInitialized}
	}

	id, err := peer.Decode(peerID)
	if err != nil {
		return &SendError{PeerID: peerID, Err: fmt.Errorf("decode peer id: %w", err)}
	}
	if _, err := messenger.Send(ctx, id, message); err != nil {
		return &SendError{PeerID: peerID, Err: err}
	}
	return nil
}

// OnMessage registers a handler for inbound direct messages.
func (p *Provider) OnMessage(handler MessageHandler) {
	if handler == nil {
		return
	}
	p.handlersMu.Lock()
	p.messageHandlers = append(p.messageHandlers, handler)
	p.handlersMu.Unlock()
}

// OnPeerConnect registers a handler fired once per peer when its first connection opens.
func (p *Provider) OnPeerConnect(handler PeerHandler) {
	if handler == nil {
		return
	}
	p.handlersMu.Lock()
	p.connectHandlers = append(p.connectHandlers, handler)
	p.handlersMu.Unlock()
}

// OnPeerDisconnect registers a handler fired when a peer's last connection closes.
func (p *Provider) OnPeerDisconnect(handler PeerHandler) {
	if handler == nil {
		return
	}
	p.handlersMu.Lock()
	p.disconnectHandlers = append(p.disconnectHandlers, handler)
	p.handlersMu.Unlock()
}

// Destroy stops the node and releases every connection. It is safe to call twice.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	h := p.host
	kdht := p.kdht
	gossip := p.gossip
	mdns := p.mdns
	messenger := p.messenger
	cancel := p.cancel
	p.host = nil
	p.kdht = nil
	p.gossip = nil
	p.mdns = nil
	p.messenger = nil
	p.cancel = nil
	p.identity = nil
	p.mu.Unlock()

	if h == nil {
		return nil
	}

	p.peersMu.Lock()
	p.stopping = true
	p.peersMu.Unlock()

	cancel()
	gossip.Stop()
	mdns.Stop()
	messenger.Unregister()
	p.wg.Wait()

	var errs []error
	if kdht != nil {
		if err := kdht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dht: %w", err))
		}
	}
	if err := h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close host: %w", err))
	}

	p.eventsWG.Wait()

	p.peersMu.Lock()
	p.connected = make(map[peer.ID]int)
	p.peersMu.Unlock()

	return errors.Join(errs...)
}

func (p *Provider) handlerContext() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *Provider) dispatchMessage(event MessageEvent) {
	p.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), p.messageHandlers...)
	p.handlersMu.RUnlock()

	ctx := p.handlerContext()
	for i, handler := range handlers {
		p.runHandler("message", i, event.PeerID, func() error {
			return handler(ctx, event)
		})
	}
}

func (p *Provider) emitPeerEvent(kind string, handlers []PeerHandler, id peer.ID) {
	defer p.eventsWG.Done()
	ctx := p.handlerContext()
	for i, handler := range handlers {
		p.runHandler(kind, i, id.String(), func() error {
			return handler(ctx, id.String())
		})
	}
}

// runHandler isolates one observer: errors and panics are logged and the next
// handler still runs.
func (p *Provider) runHandler(kind string, index int, peerID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "kind", kind, "handler", index, "peer_id", peerID, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warn("handler failed", "kind", kind, "handler", index, "peer_id", peerID, "err", err)
	}
}

func (p *Provider) handleConnected(_ p2pnet.Network, conn p2pnet.Conn) {
	id := conn.RemotePeer()
	p.peersMu.Lock()
	if p.stopping {
		p.peersMu.Unlock()
		return
	}
	p.connected[id]++
	if p.connected[id] != 1 {
		p.peersMu.Unlock()
		return
	}
	p.eventsWG.Add(1)
	p.peersMu.Unlock()

	p.handlersMu.RLock()
	handlers := append([]PeerHandler(nil), p.connectHandlers...)
	p.handlersMu.RUnlock()

	p.logger.Debug("peer connected", "peer_id", id.String())
	go p.emitPeerEvent("connect", handlers, id)
}

func (p *Provider) handleDisconnected(_ p2pnet.Network, conn p2pnet.Conn) {
	id := conn.RemotePeer()
	p.peersMu.Lock()
	if p.stopping {
		p.peersMu.Unlock()
		return
	}
	count, ok := p.connected[id]
	if !ok {
		p.peersMu.Unlock()
		return
	}
	if count > 1 {
		p.connected[id] = count - 1
		p.peersMu.Unlock()
		return
	}
	delete(p.connected, id)
	p.eventsWG.Add(1)
	p.peersMu.Unlock()

	p.handlersMu.RLock()
	handlers := append([]PeerHandler(nil), p.disconnectHandlers...)
	p.handlersMu.RUnlock()

	p.logger.Debug("peer disconnected", "peer_id", id.String())
	go p.emitPeerEvent("disconnect", handlers, id)
}

func (p *Provider) logCandidate(info peer.AddrInfo) {
	p.logger.Debug("registered candidate addresses", "peer_id", info.ID.String(), "addrs", len(info.Addrs))
}

func (p *Provider) startMDNS(h host.Host) {
	port := 0
	for _, addr := range h.Network().ListenAddresses() {
		if _, err := addr.ValueForProtocol(ma.P_WS); err == nil {
			continue
		}
		raw, err := addr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			port = parsed
			break
		}
	}
	if port == 0 {
		p.logger.Warn("mDNS disabled: no TCP listen port")
		return
	}

	name := p.opts.PlayerName
	if strings.TrimSpace(name) == "" {
		name = h.ID().String()
	}
	svc, err := discovery.StartMDNS(discovery.Config{
		SelfPeerID:    h.ID().String(),
		PlayerName:    name,
		ListeningPort: port,
		Multiaddrs:    multiaddrStrings(h.Addrs()),
	})
	if err != nil {
		p.logger.Warn("mDNS startup failed", "err", err)
		return
	}
	p.mdns = svc

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for event := range svc.Scanner.Events() {
			if event.Type != discovery.EventPeerUpserted {
				continue
			}
			info, err := event.Peer.AddrInfo()
			if err != nil {
				p.logger.Debug("ignoring mDNS entry", "peer_id", event.Peer.PeerID, "err", err)
				continue
			}
			discovery.RegisterCandidate(h, info)
			p.logCandidate(info)
		}
	}()
}

// connectInfrastructure reaches bootstrap peers and relays. Every failure here is
// logged and survivable.
func (p *Provider) connectInfrastructure(ctx context.Context, h host.Host, kdht *dht.IpfsDHT, bootstrap, relays []peer.AddrInfo, lookups []peer.ID) {
	defer p.wg.Done()

	dialTimeout := p.opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dial := func(info peer.AddrInfo, kind string) bool {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := h.Connect(dialCtx, info); err != nil {
			p.logger.Warn("infrastructure peer unreachable", "kind", kind, "peer_id", info.ID.String(), "err", err)
			return false
		}
		return true
	}

	for _, info := range bootstrap {
		dial(info, "bootstrap")
	}
	for _, info := range relays {
		dial(info, "relay")
	}

	if kdht == nil {
		if len(lookups) > 0 {
			p.logger.Warn("relay peer ids need the DHT to resolve", "count", len(lookups))
		}
		return
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		p.logger.Warn("dht bootstrap failed", "err", err)
	}

	for _, id := range lookups {
		p.wg.Add(1)
		go p.maintainRelay(ctx, h, kdht, id)
	}
}

// maintainRelay resolves a relay by peer id and keeps a circuit reservation on it.
func (p *Provider) maintainRelay(ctx context.Context, h host.Host, kdht *dht.IpfsDHT, id peer.ID) {
	defer p.wg.Done()

	for {
		wait := relayRetryInterval
		info, err := kdht.FindPeer(ctx, id)
		if err != nil {
			p.logger.Warn("relay lookup failed", "peer_id", id.String(), "err", err)
		} else {
			reservation, err := client.Reserve(ctx, h, info)
			if err != nil {
				p.logger.Warn("relay reservation failed", "peer_id", id.String(), "err", err)
			} else {
				p.logger.Info("relay reservation active", "peer_id", id.String(), "expires", reservation.Expiration)
				if until := time.Until(reservation.Expiration) - time.Minute; until > wait {
					wait = until
				}
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Provider) parseRelays() ([]peer.AddrInfo, []peer.ID) {
	var (
		relays  []peer.AddrInfo
		lookups []peer.ID
	)
	for _, raw := range p.opts.RelayAddrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, "/") {
			id, err := peer.Decode(raw)
			if err != nil {
				p.logger.Warn("ignoring relay entry", "relay", raw, "err", err)
				continue
			}
			lookups = append(lookups, id)
			continue
		}
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			p.logger.Warn("ignoring relay entry", "relay", raw, "err", err)
			continue
		}
		relays = append(relays, *info)
	}
	return relays, lookups
}

func (p *Provider) parseAddrInfos(raw []string, kind string) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		info, err := peer.AddrInfoFromString(entry)
		if err != nil {
			p.logger.Warn("ignoring peer address", "kind", kind, "addr", entry, "err", err)
			continue
		}
		out = append(out, *info)
	}
	return out
}

func multiaddrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
