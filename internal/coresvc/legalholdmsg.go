package coresvc

import (
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/cobalt-im/cobalt-go/internal/store"
)

// SystemMessages emits the client-local legal hold timeline entries. They
// have no wire form: ids are generated locally and a replay of the same
// trigger regenerates equivalent messages.
//
// Consecutive member entries of the same direction merge into one: when
// the newest message of the conversation is a members-enabled entry and
// another user comes under hold, that user joins its member list instead
// of adding a new row. Entries about the self user never merge.
type SystemMessages struct {
	self     string
	messages MessageStore
	logger   *log.Logger
}

// NewSystemMessages creates the legal hold system message writer.
func NewSystemMessages(selfUserID string, messages MessageStore, logger *log.Logger) *SystemMessages {
	return &SystemMessages{self: selfUserID, messages: messages, logger: logger}
}

// UserEnabled records that userID came under legal hold in the
// conversation. Persistence failures are logged, not propagated: a missing
// system message must not wedge event processing.
func (sm *SystemMessages) UserEnabled(conversationID, userID string, at time.Time) {
	sm.forMember(conversationID, userID, store.KindLegalHoldMembersEnabled, at)
}

// UserDisabled records that userID left legal hold in the conversation.
func (sm *SystemMessages) UserDisabled(conversationID, userID string, at time.Time) {
	sm.forMember(conversationID, userID, store.KindLegalHoldMembersDisabled, at)
}

// ConversationEnabled records that the conversation as a whole became
// subject to legal hold. Never merged.
func (sm *SystemMessages) ConversationEnabled(conversationID string, at time.Time) {
	sm.insert(conversationID, store.KindLegalHoldConversationEnabled, nil, at)
}

// ConversationDisabled records that the conversation as a whole left
// legal hold.
func (sm *SystemMessages) ConversationDisabled(conversationID string, at time.Time) {
	sm.insert(conversationID, store.KindLegalHoldConversationDisabled, nil, at)
}

func (sm *SystemMessages) forMember(conversationID, userID, kind string, at time.Time) {
	if userID != sm.self {
		last, err := sm.messages.LastMessage(conversationID)
		if err != nil {
			logf(sm.logger, "legal hold message: load last message of %s: %v", conversationID, err)
			return
		}
		if last != nil && last.Kind == kind {
			if slices.Contains(last.Members, userID) {
				return
			}
			if err := sm.messages.ExtendSystemMessageMembers(conversationID, last.ID, append(last.Members, userID)); err != nil {
				logf(sm.logger, "legal hold message: extend %s: %v", last.ID, err)
			}
			return
		}
	}
	sm.insert(conversationID, kind, []string{userID}, at)
}

func (sm *SystemMessages) insert(conversationID, kind string, members []string, at time.Time) {
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderUserID:   sm.self,
		SentAt:         at,
		Kind:           kind,
		Members:        members,
		Visible:        true,
	}
	if err := sm.messages.PersistMessage(m); err != nil {
		logf(sm.logger, "legal hold message: persist %s in %s: %v", kind, conversationID, err)
	}
}
