package friends

import (
	"context"
	"time"
)

type resolution struct {
	cancel context.CancelFunc
}

// ResumePending restarts resolution for every request that survived a restart.
func (m *Manager) ResumePending() {
	started := m.opts.now()

	m.mu.RLock()
	requests := make([]string, 0, len(m.pendingRequests))
	for peerID := range m.pendingRequests {
		requests = append(requests, peerID)
	}
	solicited := sortedKeys(m.pendingNewInvitations)
	m.mu.RUnlock()

	for _, peerID := range requests {
		m.mu.RLock()
		pending := m.pendingRequests[peerID]
		m.mu.RUnlock()

		m.rememberInvitationAddrs(pending.Invitation)
		m.startResolution(requestLoopKey(peerID), peerID, started, false, m.requestStillPending(peerID), m.requestAttempt(pending.Invitation))
	}
	for _, peerID := range solicited {
		m.startResolution(newLoopKey(peerID), peerID, started, false, m.newInvitationStillPending(peerID), m.solicitAttempt(peerID))
	}
	if total := len(requests) + len(solicited); total > 0 {
		m.logger.Info("resuming pending friend requests", "count", total)
	}
}

// startResolution runs attempt until it succeeds, the record stops being
// pending or RetryTimeout has elapsed since started. One loop per key.
func (m *Manager) startResolution(key, peerID string, started time.Time, delayFirst bool, stillPending func() bool, attempt func(context.Context) error) {
	m.loopMu.Lock()
	if m.closed {
		m.loopMu.Unlock()
		return
	}
	if _, running := m.loops[key]; running {
		m.loopMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	loop := &resolution{cancel: cancel}
	m.loops[key] = loop
	m.wg.Add(1)
	m.loopMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.loopMu.Lock()
			if m.loops[key] == loop {
				delete(m.loops, key)
			}
			m.loopMu.Unlock()
			cancel()
		}()
		m.resolve(ctx, peerID, started, delayFirst, stillPending, attempt)
	}()
}

func (m *Manager) stopResolution(key string) {
	m.loopMu.Lock()
	loop, ok := m.loops[key]
	delete(m.loops, key)
	m.loopMu.Unlock()
	if ok {
		loop.cancel()
	}
}

func (m *Manager) activeResolutions() int {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return len(m.loops)
}

// resolve checks elapsed time before every attempt, so it can only stop
// between attempts.
func (m *Manager) resolve(ctx context.Context, peerID string, started time.Time, delay bool, stillPending func() bool, attempt func(context.Context) error) {
	logger := m.logger.With("peer_id", peerID)

	for n := 1; ; n++ {
		if delay {
			if err := m.opts.wait(ctx, m.opts.RetryInterval); err != nil {
				return
			}
		}
		delay = true

		if elapsed := m.opts.now().Sub(started); elapsed >= m.opts.RetryTimeout {
			logger.Warn("peer unreachable, giving up until restart", "attempts", n-1, "elapsed", elapsed)
			return
		}
		if !stillPending() {
			return
		}

		err := attempt(ctx)
		if err == nil {
			logger.Info("peer reached", "attempts", n)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("attempt failed", "attempt", n, "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
