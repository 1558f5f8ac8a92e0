package coresvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func TestEnableUpdatesUserAndConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice", "bob")

	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}

	state, err := e.store.UserLegalHoldState("alice")
	if err != nil {
		t.Fatal(err)
	}
	if state != store.UserHoldEnabled {
		t.Fatalf("user state = %v", state)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("conversation status = %v", got)
	}
	if len(e.remote.refetched) != 1 || e.remote.refetched[0][0] != "alice" {
		t.Fatalf("refetched = %v", e.remote.refetched)
	}

	msgs := e.messages(t, "conv1")
	want := []string{store.KindLegalHoldConversationEnabled, store.KindLegalHoldMembersEnabled}
	if !equalStrings(kinds(msgs), want) {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
	if !equalStrings(msgs[1].Members, []string{"alice"}) {
		t.Fatalf("members = %v", msgs[1].Members)
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	before := len(e.messages(t, "conv1"))

	// Replayed event: no refetch, no new messages.
	if err := e.tracker.HandleEnable(ctx, "alice", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(e.remote.refetched) != 1 {
		t.Fatalf("refetched = %v", e.remote.refetched)
	}
	if got := len(e.messages(t, "conv1")); got != before {
		t.Fatalf("messages = %d, want %d", got, before)
	}
}

func TestDisableReversesEnable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleDisable(ctx, "alice", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	if got := e.status(t, "conv1"); got != store.LegalHoldDisabled {
		t.Fatalf("conversation status = %v", got)
	}
	msgs := e.messages(t, "conv1")
	want := []string{
		store.KindLegalHoldConversationEnabled,
		store.KindLegalHoldMembersEnabled,
		store.KindLegalHoldConversationDisabled,
		store.KindLegalHoldMembersDisabled,
	}
	if !equalStrings(kinds(msgs), want) {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
}

func TestSelfEnable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolPairwise, "self", "alice")
	if err := e.store.SetLegalHoldRequest([]byte("receipt")); err != nil {
		t.Fatal(err)
	}

	if err := e.tracker.HandleEnable(ctx, "self", t0); err != nil {
		t.Fatal(err)
	}

	if e.remote.selfRefetches != 1 {
		t.Fatalf("self refetches = %d", e.remote.selfRefetches)
	}
	notified, err := e.store.LegalHoldChangeNotified()
	if err != nil {
		t.Fatal(err)
	}
	if notified {
		t.Fatal("change notification should be pending")
	}
	receipt, err := e.store.LegalHoldRequest()
	if err != nil {
		t.Fatal(err)
	}
	if receipt != nil {
		t.Fatal("pending request should be consumed")
	}
}

func TestSelfDisableClearsReceipt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.tracker.HandleEnable(ctx, "self", t0); err != nil {
		t.Fatal(err)
	}
	// A request the admin withdrew can leave its receipt behind; lifting
	// the hold must clear it too.
	if err := e.store.SetLegalHoldRequest([]byte("receipt")); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleDisable(ctx, "self", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	receipt, err := e.store.LegalHoldRequest()
	if err != nil {
		t.Fatal(err)
	}
	if receipt != nil {
		t.Fatal("disable should clear the pending request")
	}
}

func TestSelfReplayKeepsNotification(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.tracker.HandleEnable(ctx, "self", t0); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetLegalHoldChangeNotified(true); err != nil {
		t.Fatal(err)
	}

	// The same fact again must not re-raise the notification.
	if err := e.tracker.HandleEnable(ctx, "self", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	notified, err := e.store.LegalHoldChangeNotified()
	if err != nil {
		t.Fatal(err)
	}
	if !notified {
		t.Fatal("replay should not reset the notification")
	}
}

func TestMemberMessagesMerge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice", "bob")

	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleEnable(ctx, "bob", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	msgs := e.messages(t, "conv1")
	want := []string{store.KindLegalHoldConversationEnabled, store.KindLegalHoldMembersEnabled}
	if !equalStrings(kinds(msgs), want) {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
	if !equalStrings(msgs[1].Members, []string{"alice", "bob"}) {
		t.Fatalf("members = %v", msgs[1].Members)
	}

	// The opposite direction starts a fresh message.
	if err := e.tracker.HandleDisable(ctx, "alice", t0.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	msgs = e.messages(t, "conv1")
	last := msgs[len(msgs)-1]
	if last.Kind != store.KindLegalHoldMembersDisabled || !equalStrings(last.Members, []string{"alice"}) {
		t.Fatalf("last = %s %v", last.Kind, last.Members)
	}
}

func TestSelfNeverMerges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleEnable(ctx, "self", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	msgs := e.messages(t, "conv1")
	last := msgs[len(msgs)-1]
	if last.Kind != store.KindLegalHoldMembersEnabled || !equalStrings(last.Members, []string{"self"}) {
		t.Fatalf("last = %s %v", last.Kind, last.Members)
	}
	// Two separate member messages, not one merged list.
	if msgs[len(msgs)-2].Kind != store.KindLegalHoldMembersEnabled {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
}

func TestMessageFlagFlipsConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")
	e.remote.holds["alice"] = true

	err := e.tracker.HandleNewMessage(ctx, NewMessage{
		ConversationID: "conv1",
		SenderUserID:   "alice",
		Timestamp:      t0,
		Flag:           content.LegalHoldEnabled,
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}
	// The sender's hold state was unknown, so it was fetched and applied.
	if e.remote.fetchCount() != 1 {
		t.Fatalf("fetches = %v", e.remote.fetched)
	}
	state, err := e.store.UserLegalHoldState("alice")
	if err != nil {
		t.Fatal(err)
	}
	if state != store.UserHoldEnabled {
		t.Fatalf("user state = %v", state)
	}

	msgs := e.messages(t, "conv1")
	if msgs[0].Kind != store.KindLegalHoldConversationEnabled {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
	// System message sorts just before its trigger.
	if !msgs[0].SentAt.Equal(t0.Add(-time.Millisecond)) {
		t.Fatalf("sent at %v, want %v", msgs[0].SentAt, t0.Add(-time.Millisecond))
	}
}

func TestMessageFlagNoopWhenUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	err := e.tracker.HandleNewMessage(ctx, NewMessage{
		ConversationID: "conv1",
		SenderUserID:   "alice",
		Timestamp:      t0,
		Flag:           content.LegalHoldDisabled,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.remote.fetchCount() != 0 {
		t.Fatalf("fetches = %v", e.remote.fetched)
	}
	if got := len(e.messages(t, "conv1")); got != 0 {
		t.Fatalf("messages = %d", got)
	}
}

func TestMessageFlagUnsetIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	err := e.tracker.HandleNewMessage(ctx, NewMessage{
		ConversationID: "conv1",
		SenderUserID:   "alice",
		Timestamp:      t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldDisabled {
		t.Fatalf("status = %v", got)
	}
}

func TestMessageFlagFromSelfSkipsFetch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	err := e.tracker.HandleNewMessage(ctx, NewMessage{
		ConversationID: "conv1",
		SenderUserID:   "self",
		Timestamp:      t0,
		Flag:           content.LegalHoldEnabled,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}
	if e.remote.fetchCount() != 0 {
		t.Fatalf("fetches = %v", e.remote.fetched)
	}
}

func TestMembersChangedReconciles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self")
	if err := e.store.SetUserLegalHoldState("alice", store.UserHoldEnabled); err != nil {
		t.Fatal(err)
	}

	// Held user joins.
	if err := e.store.AddMember("conv1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleMembersChanged(ctx, "conv1", t0); err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}

	// Held user leaves.
	if err := e.store.RemoveMember("conv1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleMembersChanged(ctx, "conv1", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldDisabled {
		t.Fatalf("status = %v", got)
	}
}

func TestSelfRemovalDegradesToUnknown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")
	if err := e.tracker.HandleEnable(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	before := len(e.messages(t, "conv1"))

	if err := e.store.RemoveMember("conv1", "self"); err != nil {
		t.Fatal(err)
	}
	if err := e.tracker.HandleMembersChanged(ctx, "conv1", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	if got := e.status(t, "conv1"); got != store.LegalHoldUnknown {
		t.Fatalf("status = %v", got)
	}
	// Unobservable, so silent.
	if got := len(e.messages(t, "conv1")); got != before {
		t.Fatalf("messages = %d, want %d", got, before)
	}
}

func TestDegradedSurvivesReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")
	if _, err := e.store.UpdateLegalHoldStatus("conv1", store.LegalHoldDegraded); err != nil {
		t.Fatal(err)
	}

	if err := e.tracker.HandleMembersChanged(ctx, "conv1", t0); err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldDegraded {
		t.Fatalf("status = %v", got)
	}
}

func TestConnectionMissingConsent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolPairwise, "self", "alice")

	err := e.tracker.HandleNewConnection(ctx, Connection{
		ConversationID: "conv1",
		UserID:         "alice",
		Status:         ConnectionMissingLegalHoldConsent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldDegraded {
		t.Fatalf("status = %v", got)
	}
}

func TestConnectionAcceptedSeedsFromUserState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolPairwise, "self", "alice")
	if err := e.store.SetUserLegalHoldState("alice", store.UserHoldEnabled); err != nil {
		t.Fatal(err)
	}

	err := e.tracker.HandleNewConnection(ctx, Connection{
		ConversationID: "conv1",
		UserID:         "alice",
		Status:         ConnectionAccepted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}
}

func TestConnectionUnknownConversation(t *testing.T) {
	e := newEnv(t)

	// Connection events can land before the conversation is created
	// locally; the caller needs a recognizable error to redeliver on.
	err := e.tracker.HandleNewConnection(context.Background(), Connection{
		ConversationID: "ghost",
		UserID:         "alice",
		Status:         ConnectionAccepted,
	})
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentHoldEventsKeepStatusConsistent(t *testing.T) {
	for i := 0; i < 5; i++ {
		e := newEnv(t)
		ctx := context.Background()
		e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice", "bob")
		if err := e.tracker.HandleEnable(ctx, "bob", t0); err != nil {
			t.Fatal(err)
		}

		// Opposite transitions for two members racing on one conversation.
		// Whatever order they land in, the stored status must agree with
		// the member table once both are done.
		errc := make(chan error, 2)
		go func() {
			errc <- e.tracker.HandleEnable(ctx, "alice", t0.Add(time.Second))
		}()
		go func() {
			errc <- e.tracker.HandleDisable(ctx, "bob", t0.Add(time.Second))
		}()
		for j := 0; j < 2; j++ {
			if err := <-errc; err != nil {
				t.Fatal(err)
			}
		}

		under, err := e.store.MembersUnderHold("conv1")
		if err != nil {
			t.Fatal(err)
		}
		if !equalStrings(under, []string{"alice"}) {
			t.Fatalf("under hold = %v", under)
		}
		if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
			t.Fatalf("status = %v", got)
		}
	}
}

func TestSendFailureDetectsNewHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	underHold, err := e.tracker.HandleMessageSendFailure(ctx, "conv1", t0, func(ctx context.Context) error {
		// Device refresh discovers alice's new legal hold devices.
		return e.store.SetUserLegalHoldState("alice", store.UserHoldEnabled)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !underHold {
		t.Fatal("conversation should be under hold after recovery")
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}

	msgs := e.messages(t, "conv1")
	want := []string{store.KindLegalHoldConversationEnabled, store.KindLegalHoldMembersEnabled}
	if !equalStrings(kinds(msgs), want) {
		t.Fatalf("kinds = %v", kinds(msgs))
	}
	for _, m := range msgs {
		if !m.SentAt.Equal(t0.Add(-time.Millisecond)) {
			t.Fatalf("sent at %v", m.SentAt)
		}
	}
}

func TestSendFailureNoChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	underHold, err := e.tracker.HandleMessageSendFailure(ctx, "conv1", t0, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if underHold {
		t.Fatal("no member is under hold")
	}
	if got := len(e.messages(t, "conv1")); got != 0 {
		t.Fatalf("messages = %d", got)
	}
}

func TestSendFailureRecoveryError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")

	wantErr := errors.New("backend down")
	_, err := e.tracker.HandleMessageSendFailure(ctx, "conv1", t0, func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if got := len(e.messages(t, "conv1")); got != 0 {
		t.Fatalf("messages = %d", got)
	}
}
