package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInvitation marks an invitation string that cannot be used.
	ErrInvalidInvitation = errors.New("models: invalid invitation")
)

// Addresses are the issuer's dial hints, split by reachability.
type Addresses struct {
	External []string `json:"external,omitempty"`
	Internal []string `json:"internal,omitempty"`
}

// Invitation is an invite code issued by PeerID.
//
// FriendID, FriendName and CreatedAt are the issuer's local bookkeeping and are
// never part of the shared encoding.
type Invitation struct {
	InviteCode string    `json:"inviteCode"`
	PeerID     string    `json:"peerId"`
	Addresses  Addresses `json:"addresses"`
	FriendID   string    `json:"friendId,omitempty"`
	FriendName string    `json:"friendName,omitempty"`
	CreatedAt  int64     `json:"createdAt,omitempty"`
}

// Shareable strips local bookkeeping fields.
func (i Invitation) Shareable() Invitation {
	return Invitation{
		InviteCode: i.InviteCode,
		PeerID:     i.PeerID,
		Addresses:  i.Addresses,
	}
}

// ClaimableBy reports whether peerID may redeem this invitation.
func (i Invitation) ClaimableBy(peerID string) bool {
	return i.FriendID == "" || i.FriendID == peerID
}

// EncodeInvitation renders the shareable form as base64 JSON.
func EncodeInvitation(inv Invitation) (string, error) {
	raw, err := json.Marshal(inv.Shareable())
	if err != nil {
		return "", fmt.Errorf("marshal invitation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeInvitation parses a base64 JSON invitation string.
func DecodeInvitation(encoded string) (Invitation, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Invitation{}, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}

	var inv Invitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Invitation{}, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}
	if strings.TrimSpace(inv.InviteCode) == "" || strings.TrimSpace(inv.PeerID) == "" {
		return Invitation{}, fmt.Errorf("%w: missing invite code or peer id", ErrInvalidInvitation)
	}
	return inv.Shareable(), nil
}
