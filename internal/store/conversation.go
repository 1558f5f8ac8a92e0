package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is a chat a user participates in. GroupID is set for
// group-protocol conversations; OtherUserID for 1:1 connection
// conversations.
type Conversation struct {
	ID              string
	Protocol        Protocol
	GroupID         string
	OtherUserID     string
	LegalHoldStatus LegalHoldStatus
	LastReadAt      time.Time
}

// SaveConversation inserts or replaces a conversation row.
func (s *Store) SaveConversation(c *Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation (id, protocol, group_id, other_user_id, legal_hold_status, last_read_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protocol = excluded.protocol,
			group_id = excluded.group_id,
			other_user_id = excluded.other_user_id,
			legal_hold_status = excluded.legal_hold_status`,
		c.ID, int(c.Protocol), c.GroupID, c.OtherUserID, int(c.LegalHoldStatus), c.LastReadAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save conversation: %w", err)
	}
	return nil
}

// Conversation loads a conversation by id. Returns nil, nil when absent.
func (s *Store) Conversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, protocol, group_id, other_user_id, legal_hold_status, last_read_at
		FROM conversation WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load conversation: %w", err)
	}
	return c, nil
}

// ConversationsByUser returns all conversations the given user is a member
// of, ordered by conversation id for determinism.
func (s *Store) ConversationsByUser(userID string) ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.protocol, c.group_id, c.other_user_id, c.legal_hold_status, c.last_read_at
		FROM conversation c JOIN member m ON m.conversation_id = c.id
		WHERE m.user_id = ? ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations by user: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: conversations by user: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var protocol, status int
	var lastRead int64
	if err := row.Scan(&c.ID, &protocol, &c.GroupID, &c.OtherUserID, &status, &lastRead); err != nil {
		return nil, err
	}
	c.Protocol = Protocol(protocol)
	c.LegalHoldStatus = LegalHoldStatus(status)
	if lastRead != 0 {
		c.LastReadAt = time.UnixMilli(lastRead).UTC()
	}
	return &c, nil
}

// AddMember adds a user to a conversation's member list.
func (s *Store) AddMember(conversationID, userID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO member (conversation_id, user_id) VALUES (?, ?)`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a conversation's member list.
func (s *Store) RemoveMember(conversationID, userID string) error {
	_, err := s.db.Exec(`
		DELETE FROM member WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

// Members returns the member user ids of a conversation.
func (s *Store) Members(conversationID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT user_id FROM member WHERE conversation_id = ? ORDER BY rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: members: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// IsSelfMember reports whether the local user is a member of the
// conversation.
func (s *Store) IsSelfMember(conversationID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM member WHERE conversation_id = ? AND user_id = ?`,
		conversationID, s.self).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: self membership: %w", err)
	}
	return n > 0, nil
}

// MembersUnderHold returns the conversation members whose legal hold state
// is currently enabled, in membership order.
func (s *Store) MembersUnderHold(conversationID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT m.user_id
		FROM member m JOIN user u ON u.id = m.user_id
		WHERE m.conversation_id = ? AND u.legal_hold_state = ?
		ORDER BY m.rowid`, conversationID, int(UserHoldEnabled))
	if err != nil {
		return nil, fmt.Errorf("store: members under hold: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UpdateLegalHoldStatus sets the conversation's legal hold status and
// reports whether the stored value actually changed.
func (s *Store) UpdateLegalHoldStatus(conversationID string, status LegalHoldStatus) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE conversation SET legal_hold_status = ?
		WHERE id = ? AND legal_hold_status <> ?`,
		int(status), conversationID, int(status))
	if err != nil {
		return false, fmt.Errorf("store: update legal hold status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update legal hold status: %w", err)
	}
	return n > 0, nil
}

// SetLastRead moves the conversation's read marker, never backwards.
func (s *Store) SetLastRead(conversationID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE conversation SET last_read_at = ?
		WHERE id = ? AND last_read_at < ?`,
		at.UnixMilli(), conversationID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set last read: %w", err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
