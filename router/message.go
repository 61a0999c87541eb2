package router

import (
	"encoding/json"
)

// Method discriminates application messages carried over the direct-message protocol.
type Method string

const (
	MethodRequestFriend        Method = "requestFriend"
	MethodApproveFriendRequest Method = "approveFriendRequest"
	MethodNewFriendRequest     Method = "newFriendRequest"
	MethodPing                 Method = "ping"
	MethodPong                 Method = "pong"
)

// Message is the flat wire shape of every variant. Only the fields of the
// variant named by Method are set.
type Message struct {
	Method     Method `json:"method"`
	InviteCode string `json:"inviteCode,omitempty"`
	PeerID     string `json:"peerId,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Approved   *bool  `json:"approved,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	MessageID  string `json:"messageId,omitempty"`

	// Raw keeps the undecoded payload for registered application methods.
	Raw json.RawMessage `json:"-"`
}

// Approval is the decoded approveFriendRequest variant.
type Approval struct {
	PeerID   string
	Nickname string
	Approved bool
}

// RequestFriend claims an invitation code.
func RequestFriend(inviteCode string) Message {
	return Message{Method: MethodRequestFriend, InviteCode: inviteCode}
}

// ApproveFriendRequest answers a claimed invitation.
func ApproveFriendRequest(peerID, nickname string, approved bool) Message {
	return Message{Method: MethodApproveFriendRequest, PeerID: peerID, Nickname: nickname, Approved: &approved}
}

// NewFriendRequest solicits friendship without an invitation code.
func NewFriendRequest() Message {
	return Message{Method: MethodNewFriendRequest}
}

func Ping(messageID string, timestamp int64) Message {
	return Message{Method: MethodPing, MessageID: messageID, Timestamp: timestamp}
}

func Pong(messageID string, timestamp int64) Message {
	return Message{Method: MethodPong, MessageID: messageID, Timestamp: timestamp}
}

func (m Message) approval() Approval {
	return Approval{
		PeerID:   m.PeerID,
		Nickname: m.Nickname,
		Approved: m.Approved != nil && *m.Approved,
	}
}
