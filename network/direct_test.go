package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
)

func TestDirectMessengerDeliversAndAcknowledges(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	received := make(chan MessageEvent, 1)
	receiver := NewDirectMessenger(b, DirectOptions{ClientVersion: "test-b"}, func(event MessageEvent) {
		received <- event
	})
	receiver.Register()

	var (
		mu     sync.Mutex
		states []SendState
	)
	sender := NewDirectMessenger(a, DirectOptions{
		ClientVersion: "test-a",
		OnState: func(peerID string, state SendState) {
			if peerID != b.ID().String() {
				t.Errorf("unexpected state peer %s", peerID)
			}
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := sender.Send(ctx, b.ID(), map[string]any{"method": "ping", "messageId": "abc-1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected acknowledged send")
	}

	select {
	case event := <-received:
		if event.PeerID != a.ID().String() {
			t.Fatalf("unexpected sender: %s", event.PeerID)
		}
		var body map[string]string
		if err := json.Unmarshal(event.Message, &body); err != nil {
			t.Fatalf("decode delivered message: %v", err)
		}
		if body["method"] != "ping" || body["messageId"] != "abc-1" {
			t.Fatalf("unexpected delivered message: %v", body)
		}
		if event.Metadata.ClientVersion != "test-a" || event.Metadata.Timestamp == 0 {
			t.Fatalf("unexpected metadata: %+v", event.Metadata)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}

	want := []SendState{StateIdle, StateConnecting, StateStreamOpen, StateRequestSent, StateAwaitingResponse, StateOK, StateClosed}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("unexpected states: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestDirectMessengerRejectsEmptyMessage(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	var states []SendState
	sender := NewDirectMessenger(a, DirectOptions{
		OnState: func(_ string, state SendState) { states = append(states, state) },
	}, nil)

	for _, message := range []any{nil, json.RawMessage(`null`), map[string]any{}, ""} {
		states = nil
		ok, err := sender.Send(context.Background(), b.ID(), message)
		if ok || !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %#v, got ok=%v err=%v", message, ok, err)
		}
		if len(states) != 3 || states[0] != StateIdle || states[1] != StateError || states[2] != StateClosed {
			t.Fatalf("unexpected states for empty message: %v", states)
		}
	}
}

func TestDirectMessengerRejectsInvalidJSONBeforeConnecting(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	var states []SendState
	sender := NewDirectMessenger(a, DirectOptions{
		OnState: func(_ string, state SendState) { states = append(states, state) },
	}, nil)

	for _, message := range []any{json.RawMessage(`{"method":`), []byte(`not json`)} {
		states = nil
		ok, err := sender.Send(context.Background(), b.ID(), message)
		if ok || !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %s, got ok=%v err=%v", message, ok, err)
		}
		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			t.Fatalf("expected validation error, got stream error %v", err)
		}
		if len(states) != 3 || states[1] != StateError {
			t.Fatalf("expected send to fail before connecting, got %v", states)
		}
	}
}

func TestDirectMessengerReportsNonOKStatus(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	b.SetStreamHandler(protocol.ID(DirectMessageProtocol), func(s p2pnet.Stream) {
		defer s.Close()
		if _, err := ReadFrame(s); err != nil {
			return
		}
		_ = WriteJSONFrame(s, Response{Status: StatusInternalError})
	})

	sender := NewDirectMessenger(a, DirectOptions{}, nil)
	ok, err := sender.Send(context.Background(), b.ID(), map[string]string{"method": "ping"})
	if ok {
		t.Fatalf("expected failed send")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != StatusInternalError {
		t.Fatalf("unexpected status: %s", statusErr.Status)
	}
}

func TestDirectMessengerResponseTimeout(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	release := make(chan struct{})
	defer close(release)
	b.SetStreamHandler(protocol.ID(DirectMessageProtocol), func(s p2pnet.Stream) {
		defer s.Reset()
		_, _ = ReadFrame(s)
		<-release
	})

	sender := NewDirectMessenger(a, DirectOptions{ResponseTimeout: 200 * time.Millisecond}, nil)
	started := time.Now()
	_, err := sender.Send(context.Background(), b.ID(), map[string]string{"method": "ping"})
	var timeoutErr *ResponseTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ResponseTimeoutError, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestDirectMessengerUnreachablePeer(t *testing.T) {
	a := newTestHost(t)
	sender := NewDirectMessenger(a, DirectOptions{DialTimeout: time.Second}, nil)

	_, err := sender.Send(context.Background(), newTestPeerID(t), map[string]string{"method": "ping"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestDirectMessengerAnswersMalformedRequests(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	introduce(a, b)

	delivered := make(chan MessageEvent, 2)
	NewDirectMessenger(b, DirectOptions{}, func(event MessageEvent) { delivered <- event }).Register()

	cases := []struct {
		name    string
		payload []byte
		want    Status
	}{
		{"garbage", []byte(`{"message":`), StatusBadRequest},
		{"empty object", []byte(`{"message":{},"metadata":{"clientVersion":"x","timestamp":1}}`), StatusEmptyMessage},
		{"missing", []byte(`{"metadata":{"clientVersion":"x","timestamp":1}}`), StatusEmptyMessage},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tc := range cases {
		s, err := a.NewStream(ctx, b.ID(), protocol.ID(DirectMessageProtocol))
		if err != nil {
			t.Fatalf("%s: open stream: %v", tc.name, err)
		}
		if err := WriteFrame(s, tc.payload); err != nil {
			t.Fatalf("%s: write frame: %v", tc.name, err)
		}
		_ = s.CloseWrite()

		var response Response
		readJSONFrame(t, s, &response)
		_ = s.Close()
		if response.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, response.Status)
		}
	}

	select {
	case event := <-delivered:
		t.Fatalf("malformed request was delivered: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestHost(t *testing.T) host.Host {
	t.Helper()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

func introduce(from, to host.Host) {
	from.Peerstore().AddAddrs(to.ID(), to.Addrs(), peerstore.PermanentAddrTTL)
}

func newTestPeerID(t *testing.T) peer.ID {
	t.Helper()

	_, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	return id
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
