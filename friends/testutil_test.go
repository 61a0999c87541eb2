package friends

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

var errPeerOffline = errors.New("peer offline")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_760_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Wait advances the clock instead of sleeping.
func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func blockUntilDone(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

type delivery struct {
	from, to string
	message  router.Message
	at       time.Time
}

// fakeNet delivers messages synchronously between routers in one process.
type fakeNet struct {
	mu      sync.Mutex
	clock   *fakeClock
	routers map[string]*router.Router
	offline map[string]bool
	sent    []delivery
}

func newFakeNet(clock *fakeClock) *fakeNet {
	return &fakeNet{
		clock:   clock,
		routers: make(map[string]*router.Router),
		offline: make(map[string]bool),
	}
}

func (n *fakeNet) join(peerID string, m *Manager) {
	n.mu.Lock()
	n.routers[peerID] = m.Router()
	n.mu.Unlock()
}

func (n *fakeNet) setOffline(peerID string, offline bool) {
	n.mu.Lock()
	n.offline[peerID] = offline
	n.mu.Unlock()
}

func (n *fakeNet) deliveries(from, to string, method router.Method) []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []delivery
	for _, d := range n.sent {
		if d.from == from && d.to == to && (method == "" || d.message.Method == method) {
			out = append(out, d)
		}
	}
	return out
}

type fakeSender struct {
	net  *fakeNet
	self string
}

func (s *fakeSender) SendMessage(ctx context.Context, peerID string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var decoded router.Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	n := s.net
	n.mu.Lock()
	target := n.routers[peerID]
	offline := n.offline[peerID]
	n.sent = append(n.sent, delivery{from: s.self, to: peerID, message: decoded, at: n.clock.Now()})
	n.mu.Unlock()

	if target == nil || offline {
		return errPeerOffline
	}
	target.Dispatch(ctx, s.self, raw)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) AddEvent(event models.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) ofType(eventType models.EventType) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type testNode struct {
	id      string
	manager *Manager
	store   *storage.Store
	events  *recordingSink
}

func newTestNode(t *testing.T, net *fakeNet, id string, opts Options) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return startTestNode(t, net, id, store, opts)
}

func startTestNode(t *testing.T, net *fakeNet, id string, store *storage.Store, opts Options) *testNode {
	t.Helper()

	if opts.now == nil {
		opts.now = net.clock.Now
	}
	if opts.wait == nil {
		opts.wait = blockUntilDone
	}
	events := &recordingSink{}
	m := NewManager(id, &fakeSender{net: net, self: id}, store, events, opts)
	t.Cleanup(m.Close)
	net.join(id, m)
	return &testNode{id: id, manager: m, store: store, events: events}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
