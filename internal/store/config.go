package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Config keys. Values are opaque blobs; booleans are stored as a single
// 0/1 byte.
const (
	configLegalHoldChangeNotified = "legal_hold_change_notified"
	configLegalHoldRequest        = "legal_hold_request"
)

func (s *Store) setConfig(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set config %s: %w", key, err)
	}
	return nil
}

func (s *Store) getConfig(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get config %s: %w", key, err)
	}
	return v, nil
}

// SetLegalHoldChangeNotified records whether the user has been shown the
// most recent legal hold change.
func (s *Store) SetLegalHoldChangeNotified(notified bool) error {
	v := []byte{0}
	if notified {
		v[0] = 1
	}
	return s.setConfig(configLegalHoldChangeNotified, v)
}

// LegalHoldChangeNotified reports whether the user has been shown the most
// recent legal hold change. Defaults to true when never set.
func (s *Store) LegalHoldChangeNotified() (bool, error) {
	v, err := s.getConfig(configLegalHoldChangeNotified)
	if err != nil {
		return false, err
	}
	if v == nil {
		return true, nil
	}
	return len(v) == 1 && v[0] == 1, nil
}

// SetLegalHoldRequest stores a pending legal hold consent request receipt.
func (s *Store) SetLegalHoldRequest(receipt []byte) error {
	return s.setConfig(configLegalHoldRequest, receipt)
}

// LegalHoldRequest returns the stored consent request receipt, or nil.
func (s *Store) LegalHoldRequest() ([]byte, error) {
	return s.getConfig(configLegalHoldRequest)
}

// DeleteLegalHoldRequest removes the stored consent request receipt.
func (s *Store) DeleteLegalHoldRequest() error {
	_, err := s.db.Exec(`DELETE FROM config WHERE key = ?`, configLegalHoldRequest)
	if err != nil {
		return fmt.Errorf("store: delete legal hold request: %w", err)
	}
	return nil
}
