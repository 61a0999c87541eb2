package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultAnnounceInterval is how often presence is republished.
	DefaultAnnounceInterval = 10 * time.Second
	// maxAnnouncementAddrs caps how many addresses one announcement may register.
	maxAnnouncementAddrs = 32
)

// Announcement is the presence record published on the discovery topic.
type Announcement struct {
	PeerID    string   `json:"peerId"`
	Addrs     []string `json:"addrs"`
	Timestamp int64    `json:"timestamp"`
}

// MessageID derives the gossip dedup key from the publisher and its sequence number.
// Republished copies of one message hash to the same id and are dropped by the router.
func MessageID(m *pb.Message) string {
	buf := make([]byte, 0, len(m.GetFrom())+len(m.GetSeqno()))
	buf = append(buf, m.GetFrom()...)
	buf = append(buf, m.GetSeqno()...)
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// RegisterCandidate records discovered addresses in the peerstore without dialing.
func RegisterCandidate(h host.Host, info peer.AddrInfo) {
	if h == nil || info.ID == "" || info.ID == h.ID() || len(info.Addrs) == 0 {
		return
	}
	h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.AddressTTL)
}

// GossipOptions configures presence announcements.
type GossipOptions struct {
	Topic    string
	Interval time.Duration
	// MaxAge drops announcements older than this. Zero means five intervals.
	MaxAge      time.Duration
	Logger      *slog.Logger
	OnCandidate func(peer.AddrInfo)

	now func() time.Time
}

// Gossip publishes this node's presence on a pubsub topic and learns others from it.
type Gossip struct {
	host host.Host
	ps   *pubsub.PubSub
	opts GossipOptions

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu       sync.Mutex
	lastSeen map[peer.ID]int64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGossip prepares a discovery channel; call Start to join and subscribe.
func NewGossip(h host.Host, ps *pubsub.PubSub, opts GossipOptions) *Gossip {
	if opts.Interval <= 0 {
		opts.Interval = DefaultAnnounceInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Gossip{
		host:     h,
		ps:       ps,
		opts:     opts,
		lastSeen: make(map[peer.ID]int64),
	}
}

// Start joins the topic and subscribes to it. Publishing alone would announce this
// node without ever learning about anyone else.
func (g *Gossip) Start(ctx context.Context) error {
	if g.opts.Topic == "" {
		return errors.New("discovery topic is required")
	}
	if err := g.ps.RegisterTopicValidator(g.opts.Topic, g.validate); err != nil {
		return fmt.Errorf("register discovery validator: %w", err)
	}
	topic, err := g.ps.Join(g.opts.Topic)
	if err != nil {
		_ = g.ps.UnregisterTopicValidator(g.opts.Topic)
		return fmt.Errorf("join discovery topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		_ = g.ps.UnregisterTopicValidator(g.opts.Topic)
		return fmt.Errorf("subscribe discovery topic: %w", err)
	}
	g.topic = topic
	g.sub = sub

	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(2)
	go g.readLoop(loopCtx)
	go g.announceLoop(loopCtx)
	return nil
}

// Stop cancels the subscription and the announce loop.
func (g *Gossip) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		if g.sub != nil {
			g.sub.Cancel()
		}
		g.wg.Wait()
		if g.topic != nil {
			_ = g.topic.Close()
		}
		_ = g.ps.UnregisterTopicValidator(g.opts.Topic)
	})
}

// Subscribed reports whether the node is listening on the discovery topic.
func (g *Gossip) Subscribed() bool {
	return g.sub != nil
}

// Announce publishes the current listen addresses once.
func (g *Gossip) Announce(ctx context.Context) error {
	if g.topic == nil {
		return errors.New("discovery topic is not joined")
	}
	addrs := g.host.Addrs()
	if len(addrs) == 0 {
		return nil
	}

	announcement := Announcement{
		PeerID:    g.host.ID().String(),
		Addrs:     make([]string, 0, len(addrs)),
		Timestamp: g.opts.now().UnixMilli(),
	}
	for _, addr := range addrs {
		announcement.Addrs = append(announcement.Addrs, addr.String())
	}

	data, err := json.Marshal(announcement)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	if err := g.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	return nil
}

func (g *Gossip) announceLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	for {
		if err := g.Announce(ctx); err != nil && ctx.Err() == nil {
			g.opts.Logger.Debug("discovery announce failed", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gossip) readLoop(ctx context.Context) {
	defer g.wg.Done()

	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == g.host.ID() {
			continue
		}
		g.handleAnnouncement(msg.GetFrom(), msg.Data)
	}
}

func (g *Gossip) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	announcement, err := decodeAnnouncement(msg.Data)
	if err != nil {
		return pubsub.ValidationReject
	}
	if announcement.PeerID != msg.GetFrom().String() {
		return pubsub.ValidationReject
	}
	if g.isStale(announcement.Timestamp) {
		return pubsub.ValidationIgnore
	}
	return pubsub.ValidationAccept
}

func (g *Gossip) handleAnnouncement(from peer.ID, data []byte) {
	announcement, err := decodeAnnouncement(data)
	if err != nil {
		g.opts.Logger.Debug("dropping malformed announcement", "peer_id", from.String(), "err", err)
		return
	}
	if announcement.PeerID != from.String() || g.isStale(announcement.Timestamp) {
		return
	}

	g.mu.Lock()
	if announcement.Timestamp <= g.lastSeen[from] {
		g.mu.Unlock()
		return
	}
	g.lastSeen[from] = announcement.Timestamp
	g.mu.Unlock()

	info := peer.AddrInfo{ID: from}
	for _, raw := range announcement.Addrs {
		if len(info.Addrs) == maxAnnouncementAddrs {
			break
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	if len(info.Addrs) == 0 {
		return
	}

	RegisterCandidate(g.host, info)
	if g.opts.OnCandidate != nil {
		g.opts.OnCandidate(info)
	}
}

func (g *Gossip) isStale(timestamp int64) bool {
	age := g.opts.now().Sub(time.UnixMilli(timestamp))
	return age > g.opts.MaxAge
}

func decodeAnnouncement(data []byte) (Announcement, error) {
	var announcement Announcement
	if err := json.Unmarshal(data, &announcement); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	if announcement.PeerID == "" {
		return Announcement{}, errors.New("announcement without peer id")
	}
	return announcement, nil
}
