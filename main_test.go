package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"hollowpeer/models"
	"hollowpeer/storage"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseLogLevel(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestInvalidLogLevelIsRejected(t *testing.T) {
	_, err := executeCLI(t, "--dir", t.TempDir(), "--log-level", "loud", "id")
	if err == nil || !strings.Contains(err.Error(), "invalid --log-level") {
		t.Fatalf("expected invalid --log-level error, got %v", err)
	}
}

func TestIDIsStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := executeCLI(t, "--dir", dir, "id", "--json")
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	second, err := executeCLI(t, "--dir", dir, "id", "--json")
	if err != nil {
		t.Fatalf("second id failed: %v", err)
	}

	var a, b identityInfo
	if err := json.Unmarshal([]byte(first), &a); err != nil {
		t.Fatalf("decode id output failed: %v", err)
	}
	if err := json.Unmarshal([]byte(second), &b); err != nil {
		t.Fatalf("decode second id output failed: %v", err)
	}
	if a.PeerID == "" || a.PeerID != b.PeerID {
		t.Fatalf("expected stable peer id, got %q then %q", a.PeerID, b.PeerID)
	}
	if a.Fingerprint == "" || a.Fingerprint != b.Fingerprint {
		t.Fatalf("expected stable fingerprint, got %q then %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestIDResetReplacesIdentity(t *testing.T) {
	dir := t.TempDir()

	decode := func(out string) identityInfo {
		t.Helper()
		var info identityInfo
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			t.Fatalf("decode id output failed: %v", err)
		}
		return info
	}

	first, err := executeCLI(t, "--dir", dir, "id", "--json")
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	reset, err := executeCLI(t, "--dir", dir, "id", "--json", "--reset")
	if err != nil {
		t.Fatalf("id --reset failed: %v", err)
	}
	after, err := executeCLI(t, "--dir", dir, "id", "--json")
	if err != nil {
		t.Fatalf("id after reset failed: %v", err)
	}

	a, b, c := decode(first), decode(reset), decode(after)
	if a.PeerID == b.PeerID {
		t.Fatalf("expected reset to generate a new peer id, kept %q", a.PeerID)
	}
	if b.PeerID != c.PeerID {
		t.Fatalf("expected reset identity to persist, got %q then %q", b.PeerID, c.PeerID)
	}
}

func TestInviteCreateThenDecode(t *testing.T) {
	dir := t.TempDir()

	idOut, err := executeCLI(t, "--dir", dir, "id", "--json")
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	var info identityInfo
	if err := json.Unmarshal([]byte(idOut), &info); err != nil {
		t.Fatalf("decode id output failed: %v", err)
	}

	encoded, err := executeCLI(t, "--dir", dir, "invite", "create", "Bob")
	if err != nil {
		t.Fatalf("invite create failed: %v", err)
	}
	encoded = strings.TrimSpace(encoded)

	decoded, err := executeCLI(t, "--dir", dir, "invite", "decode", encoded)
	if err != nil {
		t.Fatalf("invite decode failed: %v", err)
	}
	var inv models.Invitation
	if err := json.Unmarshal([]byte(decoded), &inv); err != nil {
		t.Fatalf("decode invitation output failed: %v", err)
	}
	if inv.PeerID != info.PeerID {
		t.Fatalf("expected invitation for %s, got %s", info.PeerID, inv.PeerID)
	}
	if inv.FriendName != "Bob" || inv.InviteCode == "" {
		t.Fatalf("unexpected invitation: %+v", inv)
	}

	if _, err := executeCLI(t, "invite", "decode", "not-an-invitation"); err == nil {
		t.Fatalf("expected decode of garbage to fail")
	}
}

func TestEventLogRecordsAndPrints(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()

	var out bytes.Buffer
	log := &eventLog{store: store, logger: slog.Default(), out: &out}
	log.AddEvent(models.Event{
		Type:    models.EventFriendRequest,
		PeerID:  "peer-b",
		Message: "friend request from peer-b",
		Data:    map[string]string{"inviteCode": "ABC", "friendName": "Bob"},
	})

	events, err := store.ListEvents(storage.EventFilter{})
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != string(models.EventFriendRequest) {
		t.Fatalf("expected one friendRequest event, got %+v", events)
	}
	if events[0].PeerID == nil || *events[0].PeerID != "peer-b" {
		t.Fatalf("expected peer id on stored event, got %v", events[0].PeerID)
	}
	if !strings.Contains(out.String(), "approve peer-b Bob ABC") {
		t.Fatalf("expected approve hint, got %q", out.String())
	}
}
