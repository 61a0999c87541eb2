package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"hollowpeer/friends"
	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

type stubSender struct {
	mu       sync.Mutex
	sent     []string
	messages []any
}

func (s *stubSender) SendMessage(_ context.Context, peerID string, message any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, peerID)
	s.messages = append(s.messages, message)
	return nil
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	sender := &stubSender{}
	manager := friends.NewManager("peer-self", sender, store, nil, friends.Options{Nickname: "Alice"})
	t.Cleanup(func() {
		manager.Close()
		_ = store.Close()
	})

	out := &bytes.Buffer{}
	return &console{
		manager: manager,
		send:    sender,
		peers:   func() []string { return []string{"peer-x"} },
		connect: func(context.Context, string) error { return errors.New("dial refused") },
		events:  store.ListEvents,
		out:     out,
	}, out
}

func TestConsoleInviteAndList(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	c.exec(ctx, "invite Bob")
	if !strings.Contains(out.String(), "share this invitation") {
		t.Fatalf("expected invitation output, got %q", out.String())
	}
	if len(c.manager.Invitations()) != 1 {
		t.Fatalf("expected one open invitation")
	}

	out.Reset()
	c.exec(ctx, "friends")
	if !strings.Contains(out.String(), "friends (0)") || !strings.Contains(out.String(), "for Bob") {
		t.Fatalf("unexpected friends listing: %q", out.String())
	}
}

func TestConsoleQuarantineAndRelease(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	if err := c.manager.HandlePeerConnect(ctx, "peer-x"); err != nil {
		t.Fatalf("HandlePeerConnect failed: %v", err)
	}
	c.exec(ctx, "quarantine")
	if !strings.Contains(out.String(), "peer-x") {
		t.Fatalf("expected quarantined peer listed, got %q", out.String())
	}

	c.exec(ctx, "release peer-x")
	if c.manager.IsQuarantined("peer-x") {
		t.Fatalf("expected release to lift quarantine")
	}

	out.Reset()
	c.exec(ctx, "release peer-x")
	if !strings.Contains(out.String(), "not quarantined") {
		t.Fatalf("expected not quarantined notice, got %q", out.String())
	}
}

func TestConsoleReportsErrorsAndUsage(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	c.exec(ctx, "request not-a-code")
	if !strings.Contains(out.String(), "error:") {
		t.Fatalf("expected error for bad invitation, got %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "approve peer-b")
	if !strings.Contains(out.String(), "usage: approve <peer> <name> <code>") {
		t.Fatalf("expected usage, got %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "accept peer-b")
	if !strings.Contains(out.String(), friends.ErrNoPendingRequest.Error()) {
		t.Fatalf("expected no pending request error, got %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "dance")
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command notice, got %q", out.String())
	}
}

func TestConsoleBefriendAndNick(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	c.exec(ctx, "befriend peer-b Bob")
	if got := c.manager.PendingNewInvitations(); len(got) != 1 || got[0] != "peer-b" {
		t.Fatalf("expected peer-b pending, got %v", got)
	}

	c.exec(ctx, "nick Alice Smith")
	out.Reset()
	c.exec(ctx, "nick")
	if strings.TrimSpace(out.String()) != "Alice Smith" {
		t.Fatalf("expected updated nickname, got %q", out.String())
	}
}

func TestConsoleRunStopsOnQuitAndEOF(t *testing.T) {
	c, out := newTestConsole(t)

	if err := c.run(context.Background(), strings.NewReader("peers\nquit\nfriends\n")); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "connected peers (1)") {
		t.Fatalf("expected peers listing, got %q", out.String())
	}
	if strings.Contains(out.String(), "friends (") {
		t.Fatalf("expected commands after quit to be ignored")
	}

	if err := c.run(context.Background(), strings.NewReader("help")); err != nil {
		t.Fatalf("run until EOF failed: %v", err)
	}
}

func TestConsoleChatWithFriends(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	c.exec(ctx, "say peer-b hello there")
	if !strings.Contains(out.String(), errNotFriend.Error()) {
		t.Fatalf("expected chat to strangers to be refused, got %q", out.String())
	}

	if err := c.manager.AddFriend(models.Friend{PeerID: "peer-b", PlayerName: "Bob"}); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	out.Reset()
	c.exec(ctx, "say peer-b hello there")
	if out.Len() != 0 {
		t.Fatalf("expected silent send, got %q", out.String())
	}
	sender := c.send.(*stubSender)
	sender.mu.Lock()
	last := sender.messages[len(sender.messages)-1]
	sender.mu.Unlock()
	sent, ok := last.(chatMessage)
	if !ok || sent.Method != chatMethod || sent.Text != "hello there" {
		t.Fatalf("unexpected chat message %#v", last)
	}

	r := router.New(sender, nil, router.Options{})
	r.Register(chatMethod, c.receiveChat)
	payload, _ := json.Marshal(chatMessage{Method: chatMethod, Text: "hi Alice"})
	r.Dispatch(ctx, "peer-b", payload)
	r.Dispatch(ctx, "peer-stranger", payload)
	if !strings.Contains(out.String(), "<Bob> hi Alice") {
		t.Fatalf("expected chat from friend printed, got %q", out.String())
	}
	if strings.Count(out.String(), "hi Alice") != 1 {
		t.Fatalf("expected chat from stranger dropped, got %q", out.String())
	}
}

func TestConsoleRenameAndUnfriend(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	if err := c.manager.AddFriend(models.Friend{PeerID: "peer-b", PlayerName: "Bob"}); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	c.exec(ctx, "rename peer-b Robert Paulson")
	if friend, _ := c.manager.GetFriend("peer-b"); friend.PlayerName != "Robert Paulson" {
		t.Fatalf("expected renamed friend, got %+v", friend)
	}

	c.exec(ctx, "unfriend peer-b")
	if _, ok := c.manager.GetFriend("peer-b"); ok {
		t.Fatalf("expected friend removed")
	}
	c.exec(ctx, "unfriend peer-b")
	if !strings.Contains(out.String(), "peer-b is not a friend") {
		t.Fatalf("expected not a friend notice, got %q", out.String())
	}
}

func TestConsoleEventsAndConnect(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()
	c.events = store.ListEvents

	log := &eventLog{store: store, logger: slog.Default()}
	for _, peerID := range []string{"peer-a", "peer-b", "peer-c"} {
		log.AddEvent(models.Event{
			Type:    models.EventNewFriendRequest,
			PeerID:  peerID,
			Message: "friend request from " + peerID,
		})
	}

	c.exec(ctx, "events 2")
	if !strings.Contains(out.String(), "events (2)") || !strings.Contains(out.String(), "friend request from peer-c") {
		t.Fatalf("expected two newest events, got %q", out.String())
	}
	if strings.Contains(out.String(), "peer-a") {
		t.Fatalf("expected oldest event to be cut by the limit, got %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "events zero")
	if !strings.Contains(out.String(), "usage: events [n]") {
		t.Fatalf("expected usage for bad count, got %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "connect /ip4/127.0.0.1/tcp/1")
	if !strings.Contains(out.String(), "error: dial refused") {
		t.Fatalf("expected dial error, got %q", out.String())
	}
}
