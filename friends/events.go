package friends

import (
	"fmt"
	"time"

	"hollowpeer/models"
)

// EventSink receives user-facing notifications.
type EventSink interface {
	AddEvent(event models.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(models.Event)

func (f EventSinkFunc) AddEvent(event models.Event) { f(event) }

type discardSink struct{}

func (discardSink) AddEvent(models.Event) {}

// NewFriendRequestEvent reports that peerID claimed inviteCode.
func NewFriendRequestEvent(peerID, inviteCode, friendName string, at time.Time) models.Event {
	data := map[string]string{"inviteCode": inviteCode}
	if friendName != "" {
		data["friendName"] = friendName
	}
	return models.Event{
		Type:      models.EventFriendRequest,
		PeerID:    peerID,
		Message:   fmt.Sprintf("%s wants to redeem invitation %s", shortPeerID(peerID), inviteCode),
		Data:      data,
		CreatedAt: at,
	}
}

// NewFriendApprovedEvent reports a new friendship with peerID.
func NewFriendApprovedEvent(peerID, nickname string, at time.Time) models.Event {
	return models.Event{
		Type:      models.EventFriendApproved,
		PeerID:    peerID,
		Message:   fmt.Sprintf("%s is now your friend", nickname),
		Data:      map[string]string{"nickname": nickname},
		CreatedAt: at,
	}
}

// NewFriendDeclinedEvent reports that peerID declined our request.
func NewFriendDeclinedEvent(peerID string, at time.Time) models.Event {
	return models.Event{
		Type:      models.EventFriendDeclined,
		PeerID:    peerID,
		Message:   fmt.Sprintf("%s declined your friend request", shortPeerID(peerID)),
		CreatedAt: at,
	}
}

// NewNewFriendRequestEvent reports a friend request that came without an invitation.
func NewNewFriendRequestEvent(peerID string, at time.Time) models.Event {
	return models.Event{
		Type:      models.EventNewFriendRequest,
		PeerID:    peerID,
		Message:   fmt.Sprintf("%s would like to be friends", shortPeerID(peerID)),
		CreatedAt: at,
	}
}

func shortPeerID(peerID string) string {
	if len(peerID) <= 12 {
		return peerID
	}
	return "..." + peerID[len(peerID)-8:]
}
