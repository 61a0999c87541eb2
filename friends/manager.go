package friends

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

const (
	DefaultRetryInterval = 10 * time.Second
	DefaultRetryTimeout  = 2 * time.Minute
)

var (
	ErrEmptyPeerID        = errors.New("friends: peer id is required")
	ErrEmptyName          = errors.New("friends: name is required")
	ErrSelfInvitation     = errors.New("friends: invitation was issued by this peer")
	ErrSelfPeer           = errors.New("friends: cannot befriend this peer")
	ErrUnknownInvitation  = errors.New("friends: unknown invitation code")
	ErrInvitationMismatch = errors.New("friends: invitation is bound to another peer")
	ErrNoPendingRequest   = errors.New("friends: no pending friend request from peer")
)

// AddressBook remembers dial hints for a peer without dialing it.
type AddressBook interface {
	RememberAddrs(peerID string, addrs []string)
}

// Options configures a Manager.
type Options struct {
	// Nickname seeds the stored player name on first start.
	Nickname      string
	Logger        *slog.Logger
	RetryInterval time.Duration
	RetryTimeout  time.Duration
	// InvitationTTL expires unclaimed invitations. Zero keeps them forever.
	InvitationTTL     time.Duration
	EnforceQuarantine bool
	// Addresses supplies dial hints embedded in new invitations.
	Addresses   func() models.Addresses
	AddressBook AddressBook

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	if out.RetryTimeout <= 0 {
		out.RetryTimeout = DefaultRetryTimeout
	}
	if out.InvitationTTL < 0 {
		out.InvitationTTL = 0
	}
	if out.now == nil {
		out.now = time.Now
	}
	if out.wait == nil {
		out.wait = sleepContext
	}
	return out
}

type pendingNewInvitation struct {
	Name    string `json:"name,omitempty"`
	AddedAt int64  `json:"addedAt"`
}

// Manager owns friends, invitations, pending requests and quarantine for one node.
type Manager struct {
	self   string
	sender router.Sender
	events EventSink
	opts   Options
	logger *slog.Logger
	router *router.Router

	persister *persister

	mu                    sync.RWMutex
	nickname              string
	friends               map[string]models.Friend
	invitations           map[string]models.Invitation
	pendingRequests       map[string]models.PendingFriendRequest
	pendingNewInvitations map[string]pendingNewInvitation
	pendingNewRequests    map[string]int64
	declined              map[string]int64
	quarantine            map[string]int64
	// claims and ignored are session-only.
	claims  map[string]string
	ignored map[string]bool

	loopMu sync.Mutex
	loops  map[string]*resolution
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads persisted state and wires a router that feeds this manager.
func NewManager(selfPeerID string, sender router.Sender, store Store, events EventSink, opts Options) *Manager {
	opts = opts.withDefaults()
	if events == nil {
		events = discardSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:                  selfPeerID,
		sender:                sender,
		events:                events,
		opts:                  opts,
		logger:                opts.Logger,
		persister:             &persister{store: store, logger: opts.Logger},
		friends:               make(map[string]models.Friend),
		invitations:           make(map[string]models.Invitation),
		pendingRequests:       make(map[string]models.PendingFriendRequest),
		pendingNewInvitations: make(map[string]pendingNewInvitation),
		pendingNewRequests:    make(map[string]int64),
		declined:              make(map[string]int64),
		quarantine:            make(map[string]int64),
		claims:                make(map[string]string),
		ignored:               make(map[string]bool),
		loops:                 make(map[string]*resolution),
		ctx:                   ctx,
		cancel:                cancel,
	}
	m.router = router.New(sender, m, router.Options{
		Logger:            opts.Logger,
		EnforceQuarantine: opts.EnforceQuarantine,
		Quarantine:        m,
	})

	m.load(store)
	return m
}

// Router returns the dispatcher that should observe inbound direct messages.
func (m *Manager) Router() *router.Router {
	return m.router
}

func (m *Manager) load(store Store) {
	targets := []struct {
		namespace string
		out       any
	}{
		{storage.NamespaceFriends, &m.friends},
		{storage.NamespaceNickname, &m.nickname},
		{storage.NamespaceInvitations, &m.invitations},
		{storage.NamespacePendingFriendRequests, &m.pendingRequests},
		{storage.NamespacePendingNewInvitations, &m.pendingNewInvitations},
		{storage.NamespacePendingNewFriendRequests, &m.pendingNewRequests},
		{storage.NamespaceDeclinedFriendRequests, &m.declined},
		{storage.NamespaceQuarantine, &m.quarantine},
	}
	for _, target := range targets {
		err := store.GetJSON(target.namespace, target.out)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("load state failed", "namespace", target.namespace, "err", err)
		}
	}

	// A null JSON value leaves a nil map behind.
	if m.friends == nil {
		m.friends = make(map[string]models.Friend)
	}
	if m.invitations == nil {
		m.invitations = make(map[string]models.Invitation)
	}
	if m.pendingRequests == nil {
		m.pendingRequests = make(map[string]models.PendingFriendRequest)
	}
	if m.pendingNewInvitations == nil {
		m.pendingNewInvitations = make(map[string]pendingNewInvitation)
	}
	if m.pendingNewRequests == nil {
		m.pendingNewRequests = make(map[string]int64)
	}
	if m.declined == nil {
		m.declined = make(map[string]int64)
	}
	if m.quarantine == nil {
		m.quarantine = make(map[string]int64)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nickname == "" && strings.TrimSpace(m.opts.Nickname) != "" {
		m.nickname = strings.TrimSpace(m.opts.Nickname)
		m.persistLocked(storage.NamespaceNickname)
	}
	if m.pruneInvitationsLocked() {
		m.persistLocked(storage.NamespaceInvitations)
	}
}

// Nickname is the local player name.
func (m *Manager) Nickname() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nickname
}

// SetNickname replaces the local player name.
func (m *Manager) SetNickname(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nickname = name
	m.persistLocked(storage.NamespaceNickname)
	return nil
}

// AddFriend stores friend, replacing any entry with the same peer id. Adding a
// friend also lifts its quarantine.
func (m *Manager) AddFriend(friend models.Friend) error {
	friend.PeerID = strings.TrimSpace(friend.PeerID)
	friend.PlayerName = strings.TrimSpace(friend.PlayerName)
	if friend.PeerID == "" {
		return ErrEmptyPeerID
	}
	if friend.PlayerName == "" {
		return ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.befriendLocked(friend)
	return nil
}

// RemoveFriend deletes a friend and reports whether it existed.
func (m *Manager) RemoveFriend(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.friends[peerID]; !ok {
		return false
	}
	delete(m.friends, peerID)
	m.persistLocked(storage.NamespaceFriends)
	return true
}

func (m *Manager) GetFriend(peerID string) (models.Friend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	friend, ok := m.friends[peerID]
	return friend, ok
}

// GetAllFriends returns friends ordered by name, then peer id.
func (m *Manager) GetAllFriends() []models.Friend {
	m.mu.RLock()
	out := make([]models.Friend, 0, len(m.friends))
	for _, friend := range m.friends {
		out = append(out, friend)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayerName == out[j].PlayerName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].PlayerName < out[j].PlayerName
	})
	return out
}

// SendPing pings peerID; onPong runs once when the matching pong arrives.
func (m *Manager) SendPing(ctx context.Context, peerID string, onPong func(router.PongResult)) (string, error) {
	if strings.TrimSpace(peerID) == "" {
		return "", ErrEmptyPeerID
	}
	return m.router.SendPing(ctx, peerID, onPong)
}

// Close stops every resolution loop and flushes pending writes.
func (m *Manager) Close() {
	m.loopMu.Lock()
	if m.closed {
		m.loopMu.Unlock()
		return
	}
	m.closed = true
	for key, loop := range m.loops {
		loop.cancel()
		delete(m.loops, key)
	}
	m.loopMu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.persister.flush()
}

// befriendLocked must be called with m.mu held.
func (m *Manager) befriendLocked(friend models.Friend) {
	m.friends[friend.PeerID] = friend
	dirty := []string{storage.NamespaceFriends}
	if _, ok := m.quarantine[friend.PeerID]; ok {
		delete(m.quarantine, friend.PeerID)
		dirty = append(dirty, storage.NamespaceQuarantine)
	}
	if _, ok := m.pendingNewRequests[friend.PeerID]; ok {
		delete(m.pendingNewRequests, friend.PeerID)
		dirty = append(dirty, storage.NamespacePendingNewFriendRequests)
	}
	if _, ok := m.pendingNewInvitations[friend.PeerID]; ok {
		delete(m.pendingNewInvitations, friend.PeerID)
		dirty = append(dirty, storage.NamespacePendingNewInvitations)
	}
	delete(m.ignored, friend.PeerID)
	m.persistLocked(dirty...)
}

// persistLocked snapshots the named namespaces and queues their writes. It must
// be called with m.mu held.
func (m *Manager) persistLocked(namespaces ...string) {
	for _, namespace := range namespaces {
		var value any
		switch namespace {
		case storage.NamespaceFriends:
			value = m.friends
		case storage.NamespaceNickname:
			value = m.nickname
		case storage.NamespaceInvitations:
			value = m.invitations
		case storage.NamespacePendingFriendRequests:
			value = m.pendingRequests
		case storage.NamespacePendingNewInvitations:
			value = m.pendingNewInvitations
		case storage.NamespacePendingNewFriendRequests:
			value = m.pendingNewRequests
		case storage.NamespaceDeclinedFriendRequests:
			value = m.declined
		case storage.NamespaceQuarantine:
			value = m.quarantine
		default:
			m.logger.Error("unknown state namespace", "namespace", namespace)
			continue
		}

		raw, err := json.Marshal(value)
		if err != nil {
			m.logger.Warn("encode state failed", "namespace", namespace, "err", err)
			continue
		}
		m.persister.write(namespace, raw)
	}
}

func (m *Manager) emit(event models.Event) {
	m.events.AddEvent(event)
}

func (m *Manager) nowMilli() int64 {
	return m.opts.now().UnixMilli()
}

func displayName(name, peerID string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return shortPeerID(peerID)
}

func sortedKeys[V any](in map[string]V) []string {
	out := make([]string, 0, len(in))
	for key := range in {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
