package models

import "time"

// EventType names user-facing notifications raised by the friends state machine.
type EventType string

const (
	EventFriendRequest    EventType = "friendRequest"
	EventFriendApproved   EventType = "friendApproved"
	EventFriendDeclined   EventType = "friendDeclined"
	EventNewFriendRequest EventType = "newFriendRequest"
)

// Event is a notification handed to the application's event sink.
type Event struct {
	Type      EventType         `json:"type"`
	PeerID    string            `json:"peerId"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
