package models

// Friend is a peer whose invitation or discovery request was mutually accepted.
type Friend struct {
	PeerID     string   `json:"peerId"`
	PlayerName string   `json:"playerName"`
	Notes      string   `json:"notes"`
	Worlds     []string `json:"worlds,omitempty"`
}

// PendingFriendRequest is an outgoing invitation claim awaiting approval.
type PendingFriendRequest struct {
	PeerID     string     `json:"peerId"`
	Invitation Invitation `json:"invitation"`
	SentAt     int64      `json:"sentAt"`
}
