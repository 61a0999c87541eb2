package storage

import (
	"errors"
	"testing"
)

func TestGetMissingNamespaceReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(NamespaceFriends); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutOverwritesPreviousValue(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put(NamespacePrivateKey, []byte{1, 2, 3}); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := store.Put(NamespacePrivateKey, []byte{4, 5}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := store.Get(NamespacePrivateKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected last write to win, got %v", got)
	}
}

func TestJSONRoundTripAndDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put(NamespaceFriends, []byte(`{"peer-a":"Alice","peer-b":"Bob"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out map[string]string
	if err := store.GetJSON(NamespaceFriends, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out["peer-a"] != "Alice" || out["peer-b"] != "Bob" || len(out) != 2 {
		t.Fatalf("unexpected decoded value: %+v", out)
	}

	if err := store.Delete(NamespaceFriends); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.GetJSON(NamespaceFriends, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := store.Put(NamespaceNickname, []byte("{")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.GetJSON(NamespaceNickname, &out); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error for malformed value, got %v", err)
	}
}

func TestPutRejectsEmptyNamespace(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("  ", []byte("x")); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
}
