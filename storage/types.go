package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Namespaces used by the node. One logical value per namespace.
const (
	NamespacePrivateKey               = "identity.private_key"
	NamespaceFriends                  = "friends"
	NamespaceNickname                 = "nickname"
	NamespaceInvitations              = "invitations"
	NamespacePendingFriendRequests    = "pending_friend_requests"
	NamespacePendingNewInvitations    = "pending_new_invitations"
	NamespacePendingNewFriendRequests = "pending_new_friend_requests"
	NamespaceDeclinedFriendRequests   = "declined_friend_requests"
	NamespaceQuarantine               = "quarantine"
)

// Event stores one user-facing notification.
type Event struct {
	ID        int64
	EventType string
	PeerID    *string
	Details   string
	Timestamp int64
}

// EventFilter narrows ListEvents query results.
type EventFilter struct {
	EventType string
	PeerID    string
	Limit     int
	Offset    int
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
