package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Get returns the raw value stored under namespace.
func (s *Store) Get(namespace string) ([]byte, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, errors.New("namespace is required")
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE namespace = ?`, namespace).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", namespace, err)
	}

	return value, nil
}

// Put stores value under namespace, replacing any previous value.
func (s *Store) Put(namespace string, value []byte) error {
	if strings.TrimSpace(namespace) == "" {
		return errors.New("namespace is required")
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", namespace, err)
	}

	return nil
}

// Delete removes namespace. Deleting a missing namespace is not an error.
func (s *Store) Delete(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete %q: %w", namespace, err)
	}
	return nil
}

// GetJSON decodes the JSON document stored under namespace into out.
func (s *Store) GetJSON(namespace string, out any) error {
	raw, err := s.Get(namespace)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %q: %w", namespace, err)
	}
	return nil
}
