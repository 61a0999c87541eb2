package friends

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

func TestAddFriendLastWriteWinsAndPersists(t *testing.T) {
	net := newFakeNet(newFakeClock())
	node := newTestNode(t, net, "peer-alice", Options{})
	m := node.manager

	if err := m.AddFriend(models.Friend{PeerID: "peer-bob", PlayerName: "Bob"}); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	if err := m.AddFriend(models.Friend{PeerID: "peer-bob", PlayerName: "Robert", Notes: "met at the saloon"}); err != nil {
		t.Fatalf("second AddFriend failed: %v", err)
	}

	friend, ok := m.GetFriend("peer-bob")
	if !ok || friend.PlayerName != "Robert" || friend.Notes != "met at the saloon" {
		t.Fatalf("expected last write to win, got %+v", friend)
	}
	if all := m.GetAllFriends(); len(all) != 1 {
		t.Fatalf("expected one friend, got %+v", all)
	}

	m.persister.flush()
	var stored map[string]models.Friend
	if err := node.store.GetJSON(storage.NamespaceFriends, &stored); err != nil {
		t.Fatalf("read persisted friends: %v", err)
	}
	if len(stored) != 1 || stored["peer-bob"].PlayerName != "Robert" {
		t.Fatalf("persisted friends diverge from memory: %+v", stored)
	}

	reloaded := NewManager("peer-alice", &fakeSender{net: net, self: "peer-alice"}, node.store, nil, Options{wait: blockUntilDone})
	defer reloaded.Close()
	if friend, ok := reloaded.GetFriend("peer-bob"); !ok || friend.PlayerName != "Robert" {
		t.Fatalf("expected friend after reload, got %+v", friend)
	}

	if !m.RemoveFriend("peer-bob") {
		t.Fatalf("expected RemoveFriend to report existing friend")
	}
	if m.RemoveFriend("peer-bob") {
		t.Fatalf("expected second RemoveFriend to report missing friend")
	}
}

func TestAddFriendValidation(t *testing.T) {
	node := newTestNode(t, newFakeNet(newFakeClock()), "peer-alice", Options{})

	if err := node.manager.AddFriend(models.Friend{PlayerName: "Bob"}); !errors.Is(err, ErrEmptyPeerID) {
		t.Fatalf("expected ErrEmptyPeerID, got %v", err)
	}
	if err := node.manager.AddFriend(models.Friend{PeerID: "peer-bob", PlayerName: "  "}); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if len(node.manager.GetAllFriends()) != 0 {
		t.Fatalf("expected rejected friends to leave no state")
	}
}

type failingStore struct {
	mu   sync.Mutex
	puts int
}

func (s *failingStore) GetJSON(string, any) error {
	return errors.New("disk unavailable")
}

func (s *failingStore) Put(string, []byte) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return errors.New("disk full")
}

func TestPersistenceFailuresAreLoggedNotReturned(t *testing.T) {
	var logs bytes.Buffer
	store := &failingStore{}
	m := NewManager("peer-alice", &fakeSender{net: newFakeNet(newFakeClock()), self: "peer-alice"}, store, nil, Options{
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		wait:   blockUntilDone,
	})
	defer m.Close()

	if err := m.AddFriend(models.Friend{PeerID: "peer-bob", PlayerName: "Bob"}); err != nil {
		t.Fatalf("expected persistence failure to be absorbed, got %v", err)
	}
	if _, err := m.CreateInvitation("Carol", ""); err != nil {
		t.Fatalf("expected persistence failure to be absorbed, got %v", err)
	}
	if _, ok := m.GetFriend("peer-bob"); !ok {
		t.Fatalf("expected in-memory state to keep the friend")
	}

	m.persister.flush()
	store.mu.Lock()
	puts := store.puts
	store.mu.Unlock()
	if puts < 2 {
		t.Fatalf("expected persistence attempts, got %d", puts)
	}
	if !strings.Contains(logs.String(), "persist failed") || !strings.Contains(logs.String(), "load state failed") {
		t.Fatalf("expected storage failures in logs, got:\n%s", logs.String())
	}
}

func TestNicknameSeededOnceAndPersisted(t *testing.T) {
	net := newFakeNet(newFakeClock())
	node := newTestNode(t, net, "peer-alice", Options{Nickname: "Alice"})

	if node.manager.Nickname() != "Alice" {
		t.Fatalf("unexpected nickname: %q", node.manager.Nickname())
	}
	if err := node.manager.SetNickname("Calamity Alice"); err != nil {
		t.Fatalf("SetNickname failed: %v", err)
	}
	if err := node.manager.SetNickname(" "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	node.manager.persister.flush()

	reloaded := NewManager("peer-alice", &fakeSender{net: net, self: "peer-alice"}, node.store, nil, Options{Nickname: "Ignored", wait: blockUntilDone})
	defer reloaded.Close()
	if reloaded.Nickname() != "Calamity Alice" {
		t.Fatalf("expected stored nickname to win, got %q", reloaded.Nickname())
	}
}

func TestQuarantineLifecycle(t *testing.T) {
	net := newFakeNet(newFakeClock())
	node := newTestNode(t, net, "peer-alice", Options{})
	m := node.manager
	ctx := context.Background()

	if err := m.AddFriend(models.Friend{PeerID: "peer-bob", PlayerName: "Bob"}); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	for _, peerID := range []string{"peer-bob", "peer-mallory", "peer-carol", "peer-mallory"} {
		if err := m.HandlePeerConnect(ctx, peerID); err != nil {
			t.Fatalf("HandlePeerConnect failed: %v", err)
		}
	}

	got := m.QuarantinedPeers()
	if len(got) != 2 || got[0] != "peer-carol" || got[1] != "peer-mallory" {
		t.Fatalf("unexpected quarantine: %v", got)
	}
	if m.IsQuarantined("peer-bob") {
		t.Fatalf("friends must not be quarantined")
	}

	if !m.ReleaseQuarantine("peer-carol") || m.ReleaseQuarantine("peer-carol") {
		t.Fatalf("expected release to succeed exactly once")
	}
	if err := m.AddFriend(models.Friend{PeerID: "peer-mallory", PlayerName: "Mallory"}); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	if len(m.QuarantinedPeers()) != 0 {
		t.Fatalf("expected befriending to clear quarantine, got %v", m.QuarantinedPeers())
	}

	m.persister.flush()
	var stored map[string]int64
	if err := node.store.GetJSON(storage.NamespaceQuarantine, &stored); err != nil {
		t.Fatalf("read persisted quarantine: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("persisted quarantine diverges from memory: %v", stored)
	}
}

func TestEnforcedQuarantineBlocksPings(t *testing.T) {
	net := newFakeNet(newFakeClock())
	alice := newTestNode(t, net, "peer-alice", Options{EnforceQuarantine: true})
	bob := newTestNode(t, net, "peer-bob", Options{})
	ctx := context.Background()

	if err := alice.manager.HandlePeerConnect(ctx, bob.id); err != nil {
		t.Fatalf("HandlePeerConnect failed: %v", err)
	}

	pongs := 0
	if _, err := bob.manager.SendPing(ctx, alice.id, func(router.PongResult) { pongs++ }); err != nil {
		t.Fatalf("SendPing failed: %v", err)
	}
	if pongs != 0 {
		t.Fatalf("quarantined peer received a pong")
	}

	alice.manager.ReleaseQuarantine(bob.id)
	if _, err := bob.manager.SendPing(ctx, alice.id, func(router.PongResult) { pongs++ }); err != nil {
		t.Fatalf("SendPing failed: %v", err)
	}
	if pongs != 1 {
		t.Fatalf("expected pong after release, got %d", pongs)
	}
}

func TestInvitationTTLDropsExpiredClaims(t *testing.T) {
	clock := newFakeClock()
	net := newFakeNet(clock)
	alice := newTestNode(t, net, "peer-alice", Options{InvitationTTL: time.Hour})
	bob := newTestNode(t, net, "peer-bob", Options{})
	ctx := context.Background()

	encoded, err := alice.manager.CreateInvitation("Bob", "")
	if err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}
	clock.Advance(2 * time.Hour)

	if err := bob.manager.SendRequestFriend(ctx, encoded); err != nil {
		t.Fatalf("SendRequestFriend failed: %v", err)
	}
	if events := alice.events.ofType(models.EventFriendRequest); len(events) != 0 {
		t.Fatalf("expected expired claim to be dropped, got %+v", events)
	}
	if invs := alice.manager.Invitations(); len(invs) != 0 {
		t.Fatalf("expected expired invitation to be pruned, got %+v", invs)
	}
}
