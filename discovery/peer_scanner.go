package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for transport consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	PeerID     string
	PlayerName string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	Multiaddrs []string
	LastSeen   time.Time
}

// AddrInfo converts the advertised endpoint into candidate dial addresses.
//
// Advertised multiaddrs win; otherwise one TCP address per resolved IP is built.
func (p DiscoveredPeer) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(p.PeerID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("decode peer id %q: %w", p.PeerID, err)
	}

	info := peer.AddrInfo{ID: id}
	for _, raw := range p.Multiaddrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		transport, _ := peer.SplitAddr(addr)
		if transport != nil {
			info.Addrs = append(info.Addrs, transport)
		}
	}
	if len(info.Addrs) > 0 || p.Port <= 0 {
		return info, nil
	}

	for _, raw := range p.Addresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		family := "ip4"
		if ip.To4() == nil {
			family = "ip6"
		}
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", family, ip.String(), p.Port))
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info, nil
}

// PeerScanner browses mDNS in fixed windows and reports peers that appeared,
// changed or vanished since the previous window.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	events chan Event

	// known is owned by the scan goroutine.
	known map[string]DiscoveredPeer

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		events: make(chan Event, 128),
		known:  make(map[string]DiscoveredPeer),
		done:   make(chan struct{}),
	}, nil
}

// Start begins scanning in the background. Calling it again does nothing.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Stop ends scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.startOnce.Do(func() { close(s.done) })
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		close(s.events)
	})
}

// Events delivers discovery updates. Updates are dropped when nobody keeps up.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

func (s *PeerScanner) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if seen, ok := s.scan(ctx); ok {
			s.reconcile(seen)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan browses for one window. ok is false when the browse failed or the
// scanner stopped mid-window, so a partial result never reads as departures.
func (s *PeerScanner) scan(ctx context.Context) (map[string]DiscoveredPeer, bool) {
	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]DiscoveredPeer)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		in := entries
		for {
			select {
			case <-window.Done():
				return
			case entry, open := <-in:
				if !open {
					in = nil
					continue
				}
				if peer, ok := parseEntry(entry, s.cfg.SelfPeerID); ok {
					peer.LastSeen = time.Now()
					seen[peer.PeerID] = peer
				}
			}
		}
	}()

	if err := s.browse(window, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collected
		return nil, false
	}
	<-window.Done()
	<-collected
	return seen, ctx.Err() == nil
}

func (s *PeerScanner) reconcile(seen map[string]DiscoveredPeer) {
	for id, peer := range seen {
		if old, ok := s.known[id]; !ok || !samePeer(old, peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range s.known {
		if _, ok := seen[id]; !ok {
			s.emit(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
	s.known = seen
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry reads a browse result; entries without a peer id and our own
// announcement are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}

	peer := DiscoveredPeer{
		HostName: entry.HostName,
		Port:     entry.Port,
	}
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "peer_id":
			peer.PeerID = value
		case "version":
			peer.Version, _ = strconv.Atoi(value)
		case "addr":
			if value != "" {
				peer.Multiaddrs = append(peer.Multiaddrs, value)
			}
		}
	}
	if peer.PeerID == "" || peer.PeerID == selfPeerID {
		return DiscoveredPeer{}, false
	}

	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip != nil {
			peer.Addresses = append(peer.Addresses, ip.String())
		}
	}
	slices.Sort(peer.Addresses)
	peer.Addresses = slices.Compact(peer.Addresses)
	slices.Sort(peer.Multiaddrs)

	peer.PlayerName = strings.TrimSpace(entry.Instance)
	if peer.PlayerName == "" {
		peer.PlayerName = strings.TrimSpace(entry.HostName)
	}
	if peer.PlayerName == "" {
		peer.PlayerName = peer.PeerID
	}
	return peer, true
}

func samePeer(a, b DiscoveredPeer) bool {
	return a.PeerID == b.PeerID &&
		a.PlayerName == b.PlayerName &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses) &&
		slices.Equal(a.Multiaddrs, b.Multiaddrs)
}
