package coresvc

import (
	"context"
	"time"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

// PairwiseCrypto decrypts envelopes of pairwise-ratchet conversations. The
// session id identifies one sender device; the implementation owns session
// lookup and derivation. Decryption failures are generally unrecoverable
// without a new session and are never retried.
type PairwiseCrypto interface {
	Decrypt(ctx context.Context, sessionID string, ciphertext []byte) ([]byte, error)
}

// GroupResult is the outcome of one group-tree decrypt call. Application
// is nil for buffered or out-of-order handshake material. A pending commit
// delay means the group expects this client to commit buffered proposals
// after the delay has elapsed.
type GroupResult struct {
	Application   []byte
	SenderDevice  string
	PendingCommit bool
	CommitDelay   time.Duration
}

// GroupCrypto decrypts envelopes of group-key-tree conversations and
// commits pending proposals when asked.
type GroupCrypto interface {
	Decrypt(ctx context.Context, groupID string, ciphertext []byte) (GroupResult, error)
	CommitPending(ctx context.Context, groupID string) error
}

// ConversationStore is the conversation-side persistence the core needs.
type ConversationStore interface {
	Conversation(id string) (*store.Conversation, error)
	ConversationsByUser(userID string) ([]*store.Conversation, error)
	MembersUnderHold(conversationID string) ([]string, error)
	UpdateLegalHoldStatus(conversationID string, status store.LegalHoldStatus) (bool, error)
	IsSelfMember(conversationID string) (bool, error)
	SetLastRead(conversationID string, at time.Time) error
	ClearConversation(conversationID string, before time.Time) error
}

// MessageStore is the message-side persistence the core needs.
type MessageStore interface {
	PersistMessage(m *store.Message) error
	Message(conversationID, messageID string) (*store.Message, error)
	LastMessage(conversationID string) (*store.Message, error)
	ExtendSystemMessageMembers(conversationID, messageID string, members []string) error
	MarkDeleted(conversationID, messageID string) error
	UpdateText(conversationID, messageID, newText string, editedAt time.Time) error
	UpdateAssetKeys(conversationID, messageID string, key, sha256Digest []byte) error
	SetReaction(conversationID, messageID, senderUserID, emoji string) error
}

// UserStore holds per-user state derived from events.
type UserStore interface {
	UserLegalHoldState(userID string) (store.UserLegalHoldState, error)
	SetUserLegalHoldState(userID string, state store.UserLegalHoldState) error
	SetAvailability(userID string, a content.Availability) error
}

// UserConfigStore holds self-account legal hold bookkeeping.
type UserConfigStore interface {
	SetLegalHoldChangeNotified(notified bool) error
	DeleteLegalHoldRequest() error
}

// Refetcher reaches the backend to refresh device lists and legal hold
// facts. Failures are logged and never block local state transitions.
type Refetcher interface {
	RefetchSelfDevices(ctx context.Context) error
	RefetchDevices(ctx context.Context, userIDs []string) error
	FetchUserLegalHold(ctx context.Context, userID string) (bool, error)
}

// CallingHandler consumes calling-signaling payloads. Optional; calling
// content is dropped when no handler is configured.
type CallingHandler interface {
	OnCallingMessage(ctx context.Context, m *store.Message, payload string) error
}
