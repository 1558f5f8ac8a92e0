// Package coresvc is the event-processing core: it decrypts backend
// envelopes, routes the decrypted content to persistence, and keeps the
// per-user and per-conversation legal hold state machines consistent.
package coresvc

import (
	"log"
)

// Service decrypts envelopes and routes their content. It owns no
// transport: the caller's event-dispatch loop feeds it envelopes, one call
// per event.
type Service struct {
	self          string
	pairwise      PairwiseCrypto
	group         GroupCrypto
	conversations ConversationStore
	messages      MessageStore
	users         UserStore
	tracker       *Tracker
	commits       *CommitScheduler
	calling       CallingHandler
	locks         *keyLock // serializes processing per conversation id
	logger        *log.Logger
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	SelfUserID    string
	Pairwise      PairwiseCrypto
	Group         GroupCrypto
	Conversations ConversationStore
	Messages      MessageStore
	Users         UserStore
	Tracker       *Tracker
	Commits       *CommitScheduler
	Calling       CallingHandler // optional
	Logger        *log.Logger    // nil disables logging
}

// NewService creates the envelope-processing service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		self:          cfg.SelfUserID,
		pairwise:      cfg.Pairwise,
		group:         cfg.Group,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		users:         cfg.Users,
		tracker:       cfg.Tracker,
		commits:       cfg.Commits,
		calling:       cfg.Calling,
		locks:         newKeyLock(),
		logger:        cfg.Logger,
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
