package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"hollowpeer/models"
	"hollowpeer/storage"
)

// eventLog records friend notifications in the events table and echoes them to
// the console.
type eventLog struct {
	store  *storage.Store
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func (l *eventLog) AddEvent(event models.Event) {
	details, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("encode event failed", "type", string(event.Type), "err", err)
		return
	}

	var peerID *string
	if event.PeerID != "" {
		peerID = &event.PeerID
	}
	var at int64
	if !event.CreatedAt.IsZero() {
		at = event.CreatedAt.UnixMilli()
	}
	if _, err := l.store.AddEvent(storage.Event{
		EventType: string(event.Type),
		PeerID:    peerID,
		Details:   string(details),
		Timestamp: at,
	}); err != nil {
		l.logger.Warn("record event failed", "type", string(event.Type), "err", err)
	}

	if l.out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.out, "\n[%s] %s (peer %s)\n", event.Type, event.Message, event.PeerID)
	if code := event.Data["inviteCode"]; code != "" {
		_, _ = fmt.Fprintf(l.out, "  approve with: approve %s %s %s\n", event.PeerID, nameOr(event.Data["friendName"], "<name>"), code)
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
