package friends

import (
	"context"
	"fmt"
	"strings"

	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

// AddPendingNewInvitation marks peerID as someone we want to befriend without an
// invite code. A newFriendRequest goes out whenever the peer connects, and a
// background loop keeps trying in the meantime. If peerID has already asked us,
// this accepts that request instead.
func (m *Manager) AddPendingNewInvitation(peerID, name string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrEmptyPeerID
	}
	if peerID == m.self {
		return ErrSelfPeer
	}

	started := m.opts.now()
	m.mu.Lock()
	if _, ok := m.friends[peerID]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.pendingNewRequests[peerID]; ok {
		m.mu.Unlock()
		return m.AcceptNewFriendRequest(m.ctx, peerID, name)
	}
	dirty := []string{storage.NamespacePendingNewInvitations}
	if _, ok := m.declined[peerID]; ok {
		delete(m.declined, peerID)
		dirty = append(dirty, storage.NamespaceDeclinedFriendRequests)
	}
	m.pendingNewInvitations[peerID] = pendingNewInvitation{Name: strings.TrimSpace(name), AddedAt: started.UnixMilli()}
	m.persistLocked(dirty...)
	m.mu.Unlock()

	m.startResolution(newLoopKey(peerID), peerID, started, true, m.newInvitationStillPending(peerID), m.solicitAttempt(peerID))
	return nil
}

// PendingNewInvitations lists peers we solicited that have not answered.
func (m *Manager) PendingNewInvitations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.pendingNewInvitations)
}

// PendingNewFriendRequests lists peers waiting for accept, decline or ignore.
func (m *Manager) PendingNewFriendRequests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.pendingNewRequests)
}

// AcceptNewFriendRequest befriends peerID and answers with our own
// newFriendRequest so the requester can complete its side.
func (m *Manager) AcceptNewFriendRequest(ctx context.Context, peerID, name string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrEmptyPeerID
	}

	m.mu.Lock()
	if _, ok := m.pendingNewRequests[peerID]; !ok {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}
	m.befriendLocked(models.Friend{PeerID: peerID, PlayerName: displayName(name, peerID)})
	m.mu.Unlock()

	if err := m.sender.SendMessage(ctx, peerID, router.NewFriendRequest()); err != nil {
		m.logger.Warn("acceptance not delivered", "peer_id", peerID, "err", err)
	}
	return nil
}

// DeclineNewFriendRequest drops the request and ignores peerID's future requests.
func (m *Manager) DeclineNewFriendRequest(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrEmptyPeerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingNewRequests, peerID)
	delete(m.ignored, peerID)
	m.declined[peerID] = m.nowMilli()
	m.persistLocked(storage.NamespacePendingNewFriendRequests, storage.NamespaceDeclinedFriendRequests)
	return nil
}

// IgnoreNewFriendRequest dismisses the notification only. The request stays
// pending and resurfaces when the peer asks again.
func (m *Manager) IgnoreNewFriendRequest(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrEmptyPeerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingNewRequests[peerID]; !ok {
		return ErrNoPendingRequest
	}
	m.ignored[peerID] = true
	return nil
}

// HandleNewFriendRequest records an uninvited friend request from a peer.
func (m *Manager) HandleNewFriendRequest(ctx context.Context, from string) {
	logger := m.logger.With("peer_id", from)
	now := m.opts.now()

	m.mu.Lock()
	if _, ok := m.friends[from]; ok {
		m.mu.Unlock()
		logger.Debug("friend request from existing friend")
		return
	}
	if _, ok := m.declined[from]; ok {
		m.mu.Unlock()
		logger.Debug("ignoring friend request from declined peer")
		return
	}
	if pending, ok := m.pendingNewInvitations[from]; ok {
		nickname := displayName(pending.Name, from)
		m.befriendLocked(models.Friend{PeerID: from, PlayerName: nickname})
		m.mu.Unlock()

		m.stopResolution(newLoopKey(from))
		logger.Info("mutual friend request completed", "nickname", nickname)
		m.emit(NewFriendApprovedEvent(from, nickname, now))

		// The peer may still be waiting on us; a reply lets it complete too.
		if err := m.sender.SendMessage(ctx, from, router.NewFriendRequest()); err != nil {
			logger.Warn("friend request reply not delivered", "err", err)
		}
		return
	}

	_, already := m.pendingNewRequests[from]
	resurface := m.ignored[from]
	delete(m.ignored, from)
	m.pendingNewRequests[from] = now.UnixMilli()
	m.persistLocked(storage.NamespacePendingNewFriendRequests)
	m.mu.Unlock()

	if already && !resurface {
		logger.Debug("repeated friend request")
		return
	}
	logger.Info("friend request received")
	m.emit(NewNewFriendRequestEvent(from, now))
}

// HandlePeerConnect quarantines unknown peers and solicits peers we want to befriend.
func (m *Manager) HandlePeerConnect(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if _, friend := m.friends[peerID]; !friend {
		if _, ok := m.quarantine[peerID]; !ok {
			m.quarantine[peerID] = m.nowMilli()
			m.persistLocked(storage.NamespaceQuarantine)
			m.logger.Debug("peer quarantined", "peer_id", peerID)
		}
	}
	_, wanted := m.pendingNewInvitations[peerID]
	m.mu.Unlock()

	if !wanted {
		return nil
	}
	if err := m.solicitAttempt(peerID)(ctx); err != nil {
		return fmt.Errorf("solicit %s: %w", peerID, err)
	}
	return nil
}

// IsQuarantined reports whether peerID connected without being a friend.
func (m *Manager) IsQuarantined(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.quarantine[peerID]
	return ok
}

func (m *Manager) QuarantinedPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.quarantine)
}

// ReleaseQuarantine trusts peerID without befriending it.
func (m *Manager) ReleaseQuarantine(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quarantine[peerID]; !ok {
		return false
	}
	delete(m.quarantine, peerID)
	m.persistLocked(storage.NamespaceQuarantine)
	return true
}

func (m *Manager) solicitAttempt(peerID string) func(context.Context) error {
	return func(ctx context.Context) error {
		return m.sender.SendMessage(ctx, peerID, router.NewFriendRequest())
	}
}

func (m *Manager) newInvitationStillPending(peerID string) func() bool {
	return func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.pendingNewInvitations[peerID]
		return ok
	}
}

func newLoopKey(peerID string) string {
	return "new:" + peerID
}
