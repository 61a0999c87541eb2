package friends

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

// CreateInvitation issues a new invite code and returns its shareable encoding.
// name is what the redeeming peer will be called; friendPeerID optionally binds
// the invitation to one peer.
func (m *Manager) CreateInvitation(name, friendPeerID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}

	inv := models.Invitation{
		InviteCode: newInviteCode(),
		PeerID:     m.self,
		FriendID:   strings.TrimSpace(friendPeerID),
		FriendName: name,
		CreatedAt:  m.nowMilli(),
	}
	if m.opts.Addresses != nil {
		inv.Addresses = m.opts.Addresses()
	}

	encoded, err := models.EncodeInvitation(inv)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.pruneInvitationsLocked()
	m.invitations[inv.InviteCode] = inv
	m.persistLocked(storage.NamespaceInvitations)
	m.mu.Unlock()

	m.logger.Info("invitation created", "invite_code", inv.InviteCode, "friend_id", inv.FriendID)
	return encoded, nil
}

// Invitations lists active invitations, oldest first.
func (m *Manager) Invitations() []models.Invitation {
	m.mu.RLock()
	out := make([]models.Invitation, 0, len(m.invitations))
	for _, inv := range m.invitations {
		out = append(out, inv)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].InviteCode < out[j].InviteCode
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// SendRequestFriend redeems an encoded invitation. The request is recorded before
// the first attempt; delivery failures are retried in the background.
func (m *Manager) SendRequestFriend(ctx context.Context, encoded string) error {
	inv, err := models.DecodeInvitation(encoded)
	if err != nil {
		return err
	}
	if inv.PeerID == m.self {
		return ErrSelfInvitation
	}

	started := m.opts.now()
	m.mu.Lock()
	m.pendingRequests[inv.PeerID] = models.PendingFriendRequest{
		PeerID:     inv.PeerID,
		Invitation: inv,
		SentAt:     started.UnixMilli(),
	}
	m.persistLocked(storage.NamespacePendingFriendRequests)
	m.mu.Unlock()

	m.rememberInvitationAddrs(inv)

	logger := m.logger.With("peer_id", inv.PeerID, "invite_code", inv.InviteCode)
	attempt := m.requestAttempt(inv)
	if err := attempt(ctx); err != nil {
		logger.Warn("friend request not delivered, retrying in background", "err", err)
		m.startResolution(requestLoopKey(inv.PeerID), inv.PeerID, started, true, m.requestStillPending(inv.PeerID), attempt)
		return nil
	}
	logger.Info("friend request sent")
	return nil
}

// PendingRequests lists outgoing requests still waiting for an answer.
func (m *Manager) PendingRequests() []models.PendingFriendRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PendingFriendRequest, 0, len(m.pendingRequests))
	for _, id := range sortedKeys(m.pendingRequests) {
		out = append(out, m.pendingRequests[id])
	}
	return out
}

// CancelPendingRequest forgets an outgoing request and stops its retry loop.
func (m *Manager) CancelPendingRequest(peerID string) bool {
	m.mu.Lock()
	_, ok := m.pendingRequests[peerID]
	if ok {
		delete(m.pendingRequests, peerID)
		m.persistLocked(storage.NamespacePendingFriendRequests)
	}
	m.mu.Unlock()

	m.stopResolution(requestLoopKey(peerID))
	return ok
}

// ApproveFriendRequest answers a claim on inviteCode by peerID. Either answer
// consumes the invitation; approval also adds peerID as a friend named name.
func (m *Manager) ApproveFriendRequest(ctx context.Context, peerID, name, inviteCode string, approved bool) error {
	peerID = strings.TrimSpace(peerID)
	name = strings.TrimSpace(name)
	if peerID == "" {
		return ErrEmptyPeerID
	}

	m.mu.Lock()
	inv, ok := m.invitations[inviteCode]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInvitation
	}
	if !inv.ClaimableBy(peerID) {
		m.mu.Unlock()
		return ErrInvitationMismatch
	}
	if name == "" {
		name = inv.FriendName
	}
	if approved && name == "" {
		m.mu.Unlock()
		return ErrEmptyName
	}

	delete(m.invitations, inviteCode)
	delete(m.claims, inviteCode)
	m.persistLocked(storage.NamespaceInvitations)
	if approved {
		m.befriendLocked(models.Friend{PeerID: peerID, PlayerName: name})
	}
	m.mu.Unlock()

	logger := m.logger.With("peer_id", peerID, "invite_code", inviteCode, "approved", approved)
	if err := m.sender.SendMessage(ctx, peerID, router.ApproveFriendRequest(m.self, name, approved)); err != nil {
		logger.Warn("friend request answer not delivered", "err", err)
		return nil
	}
	logger.Info("friend request answered")
	return nil
}

// HandleRequestFriend records a claim on one of our invitations. Unknown,
// expired and mismatched claims are dropped without a reply.
func (m *Manager) HandleRequestFriend(_ context.Context, from, inviteCode string) {
	logger := m.logger.With("peer_id", from)

	m.mu.Lock()
	inv, ok := m.invitations[inviteCode]
	if ok && m.expired(inv) {
		delete(m.invitations, inviteCode)
		m.persistLocked(storage.NamespaceInvitations)
		m.mu.Unlock()
		logger.Warn("dropping claim on expired invitation")
		return
	}
	if !ok {
		m.mu.Unlock()
		logger.Warn("dropping claim on unknown invitation")
		return
	}
	if !inv.ClaimableBy(from) {
		m.mu.Unlock()
		logger.Warn("dropping claim on invitation bound to another peer")
		return
	}
	if m.claims[inviteCode] == from {
		m.mu.Unlock()
		logger.Debug("repeated claim", "invite_code", inviteCode)
		return
	}
	m.claims[inviteCode] = from
	m.mu.Unlock()

	logger.Info("invitation claimed", "invite_code", inviteCode)
	m.emit(NewFriendRequestEvent(from, inviteCode, inv.FriendName, m.opts.now()))
}

// HandleApproveFriendRequest settles our pending request to from.
func (m *Manager) HandleApproveFriendRequest(_ context.Context, from string, approval router.Approval) {
	logger := m.logger.With("peer_id", from, "approved", approval.Approved)

	m.mu.Lock()
	if _, ok := m.pendingRequests[from]; !ok {
		m.mu.Unlock()
		logger.Warn("dropping answer to a request we never sent")
		return
	}
	delete(m.pendingRequests, from)
	m.persistLocked(storage.NamespacePendingFriendRequests)

	nickname := displayName(approval.Nickname, from)
	if approval.Approved {
		m.befriendLocked(models.Friend{PeerID: from, PlayerName: nickname})
	}
	m.mu.Unlock()

	m.stopResolution(requestLoopKey(from))

	now := m.opts.now()
	if approval.Approved {
		logger.Info("friend request approved", "nickname", nickname)
		m.emit(NewFriendApprovedEvent(from, nickname, now))
		return
	}
	logger.Info("friend request declined")
	m.emit(NewFriendDeclinedEvent(from, now))
}

func (m *Manager) requestAttempt(inv models.Invitation) func(context.Context) error {
	return func(ctx context.Context) error {
		return m.sender.SendMessage(ctx, inv.PeerID, router.RequestFriend(inv.InviteCode))
	}
}

func (m *Manager) requestStillPending(peerID string) func() bool {
	return func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.pendingRequests[peerID]
		return ok
	}
}

func (m *Manager) rememberInvitationAddrs(inv models.Invitation) {
	if m.opts.AddressBook == nil {
		return
	}
	addrs := append(append([]string(nil), inv.Addresses.Internal...), inv.Addresses.External...)
	if len(addrs) > 0 {
		m.opts.AddressBook.RememberAddrs(inv.PeerID, addrs)
	}
}

// expired must be called with m.mu held.
func (m *Manager) expired(inv models.Invitation) bool {
	if m.opts.InvitationTTL <= 0 || inv.CreatedAt == 0 {
		return false
	}
	return m.opts.now().Sub(time.UnixMilli(inv.CreatedAt)) > m.opts.InvitationTTL
}

// pruneInvitationsLocked drops expired invitations and reports whether any were removed.
func (m *Manager) pruneInvitationsLocked() bool {
	pruned := false
	for code, inv := range m.invitations {
		if m.expired(inv) {
			delete(m.invitations, code)
			delete(m.claims, code)
			pruned = true
		}
	}
	return pruned
}

func newInviteCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func requestLoopKey(peerID string) string {
	return fmt.Sprintf("request:%s", peerID)
}
