package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cobalt-im/cobalt-go/internal/content"
)

// User is another participant as known locally.
type User struct {
	ID           string
	LegalHold    UserLegalHoldState
	Availability content.Availability
}

// SaveUser inserts or replaces a user row.
func (s *Store) SaveUser(u *User) error {
	_, err := s.db.Exec(`
		INSERT INTO user (id, legal_hold_state, availability) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			legal_hold_state = excluded.legal_hold_state,
			availability = excluded.availability`,
		u.ID, int(u.LegalHold), int(u.Availability))
	if err != nil {
		return fmt.Errorf("store: save user: %w", err)
	}
	return nil
}

// User loads a user by id. Returns nil, nil when absent.
func (s *Store) User(id string) (*User, error) {
	var u User
	var hold, avail int
	err := s.db.QueryRow(`
		SELECT id, legal_hold_state, availability FROM user WHERE id = ?`, id).
		Scan(&u.ID, &hold, &avail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load user: %w", err)
	}
	u.LegalHold = UserLegalHoldState(hold)
	u.Availability = content.Availability(avail)
	return &u, nil
}

// UserLegalHoldState returns the user's legal hold state; unknown users
// are not under hold.
func (s *Store) UserLegalHoldState(userID string) (UserLegalHoldState, error) {
	u, err := s.User(userID)
	if err != nil {
		return UserHoldDisabled, err
	}
	if u == nil {
		return UserHoldDisabled, nil
	}
	return u.LegalHold, nil
}

// SetUserLegalHoldState stores the user's legal hold state, creating the
// user row if needed.
func (s *Store) SetUserLegalHoldState(userID string, state UserLegalHoldState) error {
	_, err := s.db.Exec(`
		INSERT INTO user (id, legal_hold_state) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET legal_hold_state = excluded.legal_hold_state`,
		userID, int(state))
	if err != nil {
		return fmt.Errorf("store: set user legal hold state: %w", err)
	}
	return nil
}

// SetAvailability stores the user's last signaled availability.
func (s *Store) SetAvailability(userID string, a content.Availability) error {
	_, err := s.db.Exec(`
		INSERT INTO user (id, availability) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET availability = excluded.availability`,
		userID, int(a))
	if err != nil {
		return fmt.Errorf("store: set availability: %w", err)
	}
	return nil
}
