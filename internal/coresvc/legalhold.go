package coresvc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

// Tracker keeps the per-user and per-conversation legal hold state
// machines consistent across every signal that carries hold information:
// explicit backend events, sender-embedded message flags, membership
// changes, new connections, send failures, and direct user fetches.
//
// All writes go through read-compare-write critical sections keyed by the
// entity being changed, so replayed events are no-ops and concurrent
// signals about the same user serialize.
type Tracker struct {
	self          string
	conversations ConversationStore
	users         UserStore
	config        UserConfigStore
	remote        Refetcher
	sysmsg        *SystemMessages
	gate          *SyncGate
	locks         *keyLock
	logger        *log.Logger
}

// TrackerConfig holds configuration for creating a Tracker.
type TrackerConfig struct {
	SelfUserID    string
	Conversations ConversationStore
	Messages      MessageStore
	Users         UserStore
	Config        UserConfigStore
	Remote        Refetcher
	Gate          *SyncGate   // nil runs backend reconciliation inline
	Logger        *log.Logger // nil disables logging
}

// NewTracker creates the legal hold tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		self:          cfg.SelfUserID,
		conversations: cfg.Conversations,
		users:         cfg.Users,
		config:        cfg.Config,
		remote:        cfg.Remote,
		sysmsg:        NewSystemMessages(cfg.SelfUserID, cfg.Messages, cfg.Logger),
		gate:          cfg.Gate,
		locks:         newKeyLock(),
		logger:        cfg.Logger,
	}
}

// NewMessage is the hold-relevant part of a just-persisted message,
// handed to the tracker after routing.
type NewMessage struct {
	ConversationID string
	SenderUserID   string
	Timestamp      time.Time
	Flag           content.LegalHoldFlag
}

// HandleEnable processes an explicit backend event placing userID under
// legal hold.
func (t *Tracker) HandleEnable(ctx context.Context, userID string, at time.Time) error {
	unlock := t.locks.lock("user:" + userID)
	defer unlock()
	return t.applyUserHold(ctx, userID, true, at)
}

// HandleDisable processes an explicit backend event releasing userID from
// legal hold.
func (t *Tracker) HandleDisable(ctx context.Context, userID string, at time.Time) error {
	unlock := t.locks.lock("user:" + userID)
	defer unlock()
	return t.applyUserHold(ctx, userID, false, at)
}

// HandleUserFetch applies a legal hold fact learned by fetching the user
// from the backend, through the same transition as an explicit event.
func (t *Tracker) HandleUserFetch(ctx context.Context, userID string, enabled bool) error {
	unlock := t.locks.lock("user:" + userID)
	defer unlock()
	return t.applyUserHold(ctx, userID, enabled, time.Now())
}

// applyUserHold is the single user-level transition. Change detection runs
// against the stored state before anything is persisted; a no-op event
// causes no refetch, no messages, and no notification reset. Caller holds
// the user lock.
func (t *Tracker) applyUserHold(ctx context.Context, userID string, enabled bool, at time.Time) error {
	cur, err := t.users.UserLegalHoldState(userID)
	if err != nil {
		return fmt.Errorf("legal hold: load state of %s: %w", userID, err)
	}
	target := store.UserHoldDisabled
	if enabled {
		target = store.UserHoldEnabled
	}
	changed := cur != target

	if userID == t.self {
		// Enabling consumes any pending request; disabling clears one that
		// the admin withdrew before we answered it.
		if err := t.config.DeleteLegalHoldRequest(); err != nil {
			logf(t.logger, "legal hold: delete pending request: %v", err)
		}
		if changed {
			if err := t.remote.RefetchSelfDevices(ctx); err != nil {
				logf(t.logger, "legal hold: refetch self devices: %v", err)
			}
			if err := t.config.SetLegalHoldChangeNotified(false); err != nil {
				return fmt.Errorf("legal hold: reset change notification: %w", err)
			}
		}
	} else if changed {
		if err := t.remote.RefetchDevices(ctx, []string{userID}); err != nil {
			logf(t.logger, "legal hold: refetch devices of %s: %v", userID, err)
		}
	}

	if !changed {
		return nil
	}

	// Membership is read before the state flips so the affected
	// conversations are the ones the user was visible in at event time.
	convs, err := t.conversations.ConversationsByUser(userID)
	if err != nil {
		return fmt.Errorf("legal hold: list conversations of %s: %w", userID, err)
	}
	if err := t.users.SetUserLegalHoldState(userID, target); err != nil {
		return fmt.Errorf("legal hold: persist state of %s: %w", userID, err)
	}

	// Conversation status first, member message second: the member entry
	// must stay the newest message so the next one can merge into it. The
	// conversation lock nests inside the user lock, never the other way.
	for _, c := range convs {
		unlockConv := t.locks.lock("conv:" + c.ID)
		if err := t.reconcileConversation(c.ID, at); err != nil {
			logf(t.logger, "legal hold: reconcile conversation %s: %v", c.ID, err)
		}
		if enabled {
			t.sysmsg.UserEnabled(c.ID, userID, at)
		} else {
			t.sysmsg.UserDisabled(c.ID, userID, at)
		}
		unlockConv()
	}
	return nil
}

// HandleNewMessage applies a sender-embedded legal hold flag. The flag is
// a lower-trust signal: it flips the conversation status and backdates the
// resulting system message by a millisecond so it sorts before its trigger,
// and on a disabled-to-enabled surprise from another user it schedules a
// backend fetch of that user rather than trusting the flag for user state.
func (t *Tracker) HandleNewMessage(ctx context.Context, msg NewMessage) error {
	if msg.Flag == content.LegalHoldUnset {
		return nil
	}

	surprise, err := t.applyMessageFlag(msg)
	if err != nil {
		return err
	}
	if surprise {
		// Somebody in the conversation came under hold and we missed the
		// event. Deferred until the client is live so a backfill replay
		// does not hammer the backend. Submitted outside the conversation
		// lock: an inline run reconciles this conversation itself.
		userID := msg.SenderUserID
		t.submit(userID, func() {
			if err := t.reconcileUserFromBackend(context.Background(), userID); err != nil {
				logf(t.logger, "legal hold: reconcile user %s: %v", userID, err)
			}
		})
	}
	return nil
}

func (t *Tracker) applyMessageFlag(msg NewMessage) (surprise bool, err error) {
	unlock := t.locks.lock("conv:" + msg.ConversationID)
	defer unlock()

	conv, err := t.conversations.Conversation(msg.ConversationID)
	if err != nil {
		return false, fmt.Errorf("legal hold: load conversation %s: %w", msg.ConversationID, err)
	}
	if conv == nil {
		logf(t.logger, "legal hold: flag for unknown conversation %s", msg.ConversationID)
		return false, nil
	}

	want := store.LegalHoldDisabled
	if msg.Flag == content.LegalHoldEnabled {
		want = store.LegalHoldEnabled
	}
	if conv.LegalHoldStatus == want {
		return false, nil
	}

	surprise = want == store.LegalHoldEnabled &&
		conv.LegalHoldStatus == store.LegalHoldDisabled && msg.SenderUserID != t.self

	at := msg.Timestamp.Add(-time.Millisecond)
	changed, err := t.conversations.UpdateLegalHoldStatus(msg.ConversationID, want)
	if err != nil {
		return false, fmt.Errorf("legal hold: update conversation %s: %w", msg.ConversationID, err)
	}
	if changed {
		if want == store.LegalHoldEnabled {
			t.sysmsg.ConversationEnabled(msg.ConversationID, at)
		} else {
			t.sysmsg.ConversationDisabled(msg.ConversationID, at)
		}
	}
	return surprise, nil
}

// HandleMembersChanged re-derives the conversation status after a
// membership change. When we ourselves are no longer a member the hold
// facts become unobservable and the status degrades to unknown, silently.
func (t *Tracker) HandleMembersChanged(ctx context.Context, conversationID string, at time.Time) error {
	unlock := t.locks.lock("conv:" + conversationID)
	defer unlock()

	selfMember, err := t.conversations.IsSelfMember(conversationID)
	if err != nil {
		return fmt.Errorf("legal hold: check membership of %s: %w", conversationID, err)
	}
	if !selfMember {
		if _, err := t.conversations.UpdateLegalHoldStatus(conversationID, store.LegalHoldUnknown); err != nil {
			return fmt.Errorf("legal hold: mark %s unknown: %w", conversationID, err)
		}
		return nil
	}
	return t.reconcileConversation(conversationID, at)
}

// HandleNewConnection seeds the hold status of a conversation created by a
// connection request. The connection event can arrive before the local
// conversation exists; the caller gets ErrUnknownConversation and is
// expected to redeliver once the conversation has been created.
func (t *Tracker) HandleNewConnection(ctx context.Context, conn Connection) error {
	unlock := t.locks.lock("conv:" + conn.ConversationID)
	defer unlock()

	conv, err := t.conversations.Conversation(conn.ConversationID)
	if err != nil {
		return fmt.Errorf("legal hold: load conversation %s: %w", conn.ConversationID, err)
	}
	if conv == nil {
		return fmt.Errorf("legal hold: %w: %s", ErrUnknownConversation, conn.ConversationID)
	}

	switch conn.Status {
	case ConnectionMissingLegalHoldConsent:
		// The other side refuses a held conversation; degraded until the
		// consent situation resolves.
		if _, err := t.conversations.UpdateLegalHoldStatus(conn.ConversationID, store.LegalHoldDegraded); err != nil {
			return fmt.Errorf("legal hold: degrade %s: %w", conn.ConversationID, err)
		}
		return nil
	case ConnectionAccepted:
		state, err := t.users.UserLegalHoldState(conn.UserID)
		if err != nil {
			return fmt.Errorf("legal hold: load state of %s: %w", conn.UserID, err)
		}
		target := store.LegalHoldDisabled
		if state == store.UserHoldEnabled {
			target = store.LegalHoldEnabled
		}
		changed, err := t.conversations.UpdateLegalHoldStatus(conn.ConversationID, target)
		if err != nil {
			return fmt.Errorf("legal hold: update %s: %w", conn.ConversationID, err)
		}
		if changed && target == store.LegalHoldEnabled {
			t.sysmsg.ConversationEnabled(conn.ConversationID, time.Now())
		}
		return nil
	default:
		return nil
	}
}

// HandleMessageSendFailure runs after the backend rejected a send because
// the conversation's device set changed. recoverDevices refreshes device
// lists and user hold facts; the member-set diff around it yields the
// users whose hold state flipped. The returned bool is whether the
// conversation is under hold after recovery, deciding the flag for the
// resend. The emitted messages are backdated a millisecond so they sort
// before the message being resent.
func (t *Tracker) HandleMessageSendFailure(ctx context.Context, conversationID string, at time.Time, recoverDevices func(ctx context.Context) error) (bool, error) {
	unlock := t.locks.lock("conv:" + conversationID)
	defer unlock()

	before, err := t.conversations.MembersUnderHold(conversationID)
	if err != nil {
		return false, fmt.Errorf("legal hold: members under hold in %s: %w", conversationID, err)
	}

	if recoverDevices != nil {
		if err := recoverDevices(ctx); err != nil {
			return false, fmt.Errorf("legal hold: recover devices of %s: %w", conversationID, err)
		}
	}

	after, err := t.conversations.MembersUnderHold(conversationID)
	if err != nil {
		return false, fmt.Errorf("legal hold: members under hold in %s: %w", conversationID, err)
	}

	was := make(map[string]bool, len(before))
	for _, u := range before {
		was[u] = true
	}
	is := make(map[string]bool, len(after))
	for _, u := range after {
		is[u] = true
	}

	msgAt := at.Add(-time.Millisecond)
	if err := t.reconcileConversation(conversationID, msgAt); err != nil {
		return false, err
	}
	for _, u := range after {
		if !was[u] {
			t.sysmsg.UserEnabled(conversationID, u, msgAt)
		}
	}
	for _, u := range before {
		if !is[u] {
			t.sysmsg.UserDisabled(conversationID, u, msgAt)
		}
	}
	return len(after) > 0, nil
}

// reconcileConversation derives the conversation status from its members:
// any member under hold forces enabled; none flips enabled back to
// disabled. Degraded and unknown conversations leave those states only
// through their own transitions, never by the absence of held members.
// Caller holds the conversation lock.
func (t *Tracker) reconcileConversation(conversationID string, at time.Time) error {
	conv, err := t.conversations.Conversation(conversationID)
	if err != nil {
		return fmt.Errorf("legal hold: load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return nil
	}

	under, err := t.conversations.MembersUnderHold(conversationID)
	if err != nil {
		return fmt.Errorf("legal hold: members under hold in %s: %w", conversationID, err)
	}

	target := conv.LegalHoldStatus
	if len(under) > 0 {
		target = store.LegalHoldEnabled
	} else if conv.LegalHoldStatus == store.LegalHoldEnabled {
		target = store.LegalHoldDisabled
	}

	changed, err := t.conversations.UpdateLegalHoldStatus(conversationID, target)
	if err != nil {
		return fmt.Errorf("legal hold: update conversation %s: %w", conversationID, err)
	}
	if !changed {
		return nil
	}
	if target == store.LegalHoldEnabled {
		t.sysmsg.ConversationEnabled(conversationID, at)
	} else {
		t.sysmsg.ConversationDisabled(conversationID, at)
	}
	return nil
}

func (t *Tracker) reconcileUserFromBackend(ctx context.Context, userID string) error {
	enabled, err := t.remote.FetchUserLegalHold(ctx, userID)
	if err != nil {
		return fmt.Errorf("legal hold: fetch user %s: %w", userID, err)
	}
	return t.HandleUserFetch(ctx, userID, enabled)
}

func (t *Tracker) submit(key string, fn func()) {
	if t.gate == nil {
		fn()
		return
	}
	t.gate.Submit(key, fn)
}
