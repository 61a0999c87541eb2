package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures automatic event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// AddEvent inserts a notification event and applies retention pruning.
func (s *Store) AddEvent(event Event) (int64, error) {
	if strings.TrimSpace(event.EventType) == "" {
		return 0, errors.New("event_type is required")
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return 0, errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerID *string
	if event.PeerID != nil {
		trimmed := strings.TrimSpace(*event.PeerID)
		if trimmed != "" {
			peerID = &trimmed
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO events (event_type, peer_id, details, timestamp) VALUES (?, ?, ?, ?)`,
		event.EventType,
		nullString(peerID),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %q: %w", event.EventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read event id: %w", err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneEvents(cutoff); err != nil {
			return id, fmt.Errorf("prune events: %w", err)
		}
	}

	return id, nil
}

// ListEvents returns recent events, newest first.
func (s *Store) ListEvents(filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, event_type, peer_id, details, timestamp FROM events`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// PruneEvents removes events older than cutoff timestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event  Event
		peerID sql.NullString
	)
	if err := row.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Timestamp); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	event.PeerID = stringPtr(peerID)
	return &event, nil
}
