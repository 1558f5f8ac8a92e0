package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message kinds. Regular kinds come from decrypted content; the legal hold
// kinds are locally minted system messages.
const (
	KindText             = "text"
	KindAsset            = "asset"
	KindRestrictedAsset  = "restricted-asset"
	KindKnock            = "knock"
	KindCalling          = "calling"
	KindUnknown          = "unknown"
	KindFailedDecryption = "failed-decryption"

	KindLegalHoldMembersEnabled       = "legalhold-members-enabled"
	KindLegalHoldMembersDisabled      = "legalhold-members-disabled"
	KindLegalHoldConversationEnabled  = "legalhold-conversation-enabled"
	KindLegalHoldConversationDisabled = "legalhold-conversation-disabled"
)

// AssetInfo carries attachment metadata and decryption material.
type AssetInfo struct {
	Name     string
	MimeType string
	Size     int64
	AssetID  string
	Domain   string
	Key      []byte
	SHA256   []byte
}

// Message is a persisted timeline entry: a regular message or a locally
// minted system message.
type Message struct {
	ID             string
	ConversationID string
	SenderUserID   string
	SenderDevice   string
	SentAt         time.Time
	EditedAt       time.Time // zero unless edited
	Kind           string
	Body           string    // text body or calling payload
	Members        []string  // legal hold member system messages
	Data           []byte    // undecryptable blob kept for diagnosis
	Asset          *AssetInfo
	ExpireAfter    time.Duration
	Visible        bool
	Deleted        bool
}

// PersistMessage inserts a message. Re-inserting the same (id,
// conversation) pair is a no-op so duplicate envelope delivery is absorbed
// here.
func (s *Store) PersistMessage(m *Message) error {
	var asset AssetInfo
	if m.Asset != nil {
		asset = *m.Asset
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message (
			id, conversation_id, sender_user_id, sender_device, sent_at, edited_at,
			kind, body, members, data,
			asset_name, asset_mime_type, asset_size, asset_id, asset_domain, asset_key, asset_sha256,
			expire_after_ms, visible, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderUserID, m.SenderDevice,
		m.SentAt.UnixMilli(), editedAtMillis(m.EditedAt),
		m.Kind, m.Body, strings.Join(m.Members, ","), m.Data,
		asset.Name, asset.MimeType, asset.Size, asset.AssetID, asset.Domain, asset.Key, asset.SHA256,
		int64(m.ExpireAfter/time.Millisecond), boolInt(m.Visible), boolInt(m.Deleted))
	if err != nil {
		return fmt.Errorf("store: persist message: %w", err)
	}
	return nil
}

// Message loads a single message. Returns nil, nil when absent.
func (s *Store) Message(conversationID, messageID string) (*Message, error) {
	row := s.db.QueryRow(selectMessage+` WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load message: %w", err)
	}
	return m, nil
}

// LastMessage returns the most recent message in a conversation, or nil.
func (s *Store) LastMessage(conversationID string) (*Message, error) {
	row := s.db.QueryRow(selectMessage+`
		WHERE conversation_id = ? ORDER BY sent_at DESC, rowid DESC LIMIT 1`,
		conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last message: %w", err)
	}
	return m, nil
}

// Messages returns all messages of a conversation in timeline order.
func (s *Store) Messages(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(selectMessage+`
		WHERE conversation_id = ? ORDER BY sent_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ExtendSystemMessageMembers replaces the member list of a legal hold
// system message in place.
func (s *Store) ExtendSystemMessageMembers(conversationID, messageID string, members []string) error {
	res, err := s.db.Exec(`
		UPDATE message SET members = ? WHERE conversation_id = ? AND id = ?`,
		strings.Join(members, ","), conversationID, messageID)
	if err != nil {
		return fmt.Errorf("store: extend system message members: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: extend system message members: message %s not found", messageID)
	}
	return nil
}

// MarkDeleted tombstones a message: content is wiped, the entry stays.
func (s *Store) MarkDeleted(conversationID, messageID string) error {
	_, err := s.db.Exec(`
		UPDATE message SET deleted = 1, visible = 0, body = '', data = NULL,
			asset_name = '', asset_mime_type = '', asset_size = 0,
			asset_id = '', asset_domain = '', asset_key = NULL, asset_sha256 = NULL
		WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID)
	if err != nil {
		return fmt.Errorf("store: mark deleted: %w", err)
	}
	return nil
}

// UpdateText replaces a text message's body after an edit.
func (s *Store) UpdateText(conversationID, messageID, newText string, editedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE message SET body = ?, edited_at = ?
		WHERE conversation_id = ? AND id = ? AND deleted = 0`,
		newText, editedAt.UnixMilli(), conversationID, messageID)
	if err != nil {
		return fmt.Errorf("store: update text: %w", err)
	}
	return nil
}

// UpdateAssetKeys fills in the decryption material of a previously
// persisted asset message and makes it visible.
func (s *Store) UpdateAssetKeys(conversationID, messageID string, key, sha256Digest []byte) error {
	_, err := s.db.Exec(`
		UPDATE message SET asset_key = ?, asset_sha256 = ?, visible = 1
		WHERE conversation_id = ? AND id = ? AND deleted = 0`,
		key, sha256Digest, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("store: update asset keys: %w", err)
	}
	return nil
}

// SetReaction records the sender's reaction to a message; an empty emoji
// clears it.
func (s *Store) SetReaction(conversationID, messageID, senderUserID, emoji string) error {
	var err error
	if emoji == "" {
		_, err = s.db.Exec(`
			DELETE FROM reaction
			WHERE conversation_id = ? AND message_id = ? AND sender_user_id = ?`,
			conversationID, messageID, senderUserID)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO reaction (message_id, conversation_id, sender_user_id, emoji)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, conversation_id, sender_user_id)
			DO UPDATE SET emoji = excluded.emoji`,
			messageID, conversationID, senderUserID, emoji)
	}
	if err != nil {
		return fmt.Errorf("store: set reaction: %w", err)
	}
	return nil
}

// Reactions returns emoji by sender for a message.
func (s *Store) Reactions(conversationID, messageID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT sender_user_id, emoji FROM reaction
		WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var sender, emoji string
		if err := rows.Scan(&sender, &emoji); err != nil {
			return nil, fmt.Errorf("store: reactions: %w", err)
		}
		out[sender] = emoji
	}
	return out, rows.Err()
}

// ClearConversation removes all messages up to and including the given
// time, and their reactions.
func (s *Store) ClearConversation(conversationID string, before time.Time) error {
	_, err := s.db.Exec(`
		DELETE FROM reaction WHERE conversation_id = ? AND message_id IN (
			SELECT id FROM message WHERE conversation_id = ? AND sent_at <= ?)`,
		conversationID, conversationID, before.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: clear conversation: %w", err)
	}
	_, err = s.db.Exec(`
		DELETE FROM message WHERE conversation_id = ? AND sent_at <= ?`,
		conversationID, before.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: clear conversation: %w", err)
	}
	return nil
}

const selectMessage = `
	SELECT id, conversation_id, sender_user_id, sender_device, sent_at, edited_at,
		kind, body, members, data,
		asset_name, asset_mime_type, asset_size, asset_id, asset_domain, asset_key, asset_sha256,
		expire_after_ms, visible, deleted
	FROM message`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var asset AssetInfo
	var sentAt, editedAt, expireMs int64
	var members string
	var visible, deleted int
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderUserID, &m.SenderDevice,
		&sentAt, &editedAt, &m.Kind, &m.Body, &members, &m.Data,
		&asset.Name, &asset.MimeType, &asset.Size, &asset.AssetID, &asset.Domain,
		&asset.Key, &asset.SHA256, &expireMs, &visible, &deleted)
	if err != nil {
		return nil, err
	}
	m.SentAt = time.UnixMilli(sentAt).UTC()
	if editedAt != 0 {
		m.EditedAt = time.UnixMilli(editedAt).UTC()
	}
	if members != "" {
		m.Members = strings.Split(members, ",")
	}
	if asset.AssetID != "" || asset.Name != "" || asset.MimeType != "" || len(asset.Key) > 0 {
		m.Asset = &asset
	}
	m.ExpireAfter = time.Duration(expireMs) * time.Millisecond
	m.Visible = visible != 0
	m.Deleted = deleted != 0
	return &m, nil
}

func editedAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
