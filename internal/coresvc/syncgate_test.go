package coresvc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSyncGateBuffersUntilLive(t *testing.T) {
	phases := make(chan SyncPhase)
	g := NewSyncGate(phases, nil)
	defer g.Close()

	var runs atomic.Int32
	g.Submit("alice", func() { runs.Add(1) })

	phases <- PhaseSlowSync
	phases <- PhaseProcessingPendingEvents
	if runs.Load() != 0 {
		t.Fatal("ran before live")
	}

	phases <- PhaseLive
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestSyncGateDeduplicatesByKey(t *testing.T) {
	phases := make(chan SyncPhase)
	g := NewSyncGate(phases, nil)
	defer g.Close()

	var alice, bob atomic.Int32
	g.Submit("alice", func() { alice.Add(1) })
	g.Submit("alice", func() { alice.Add(1) })
	g.Submit("bob", func() { bob.Add(1) })
	g.Submit("alice", func() { alice.Add(1) })

	phases <- PhaseLive
	waitFor(t, func() bool { return alice.Load() == 1 && bob.Load() == 1 })
}

func TestSyncGateRunsInlineWhenLive(t *testing.T) {
	phases := make(chan SyncPhase)
	g := NewSyncGate(phases, nil)
	defer g.Close()

	phases <- PhaseLive
	waitFor(t, func() bool {
		var ran atomic.Bool
		g.Submit("probe", func() { ran.Store(true) })
		return ran.Load()
	})

	// Live submissions are not deduplicated.
	var runs atomic.Int32
	g.Submit("alice", func() { runs.Add(1) })
	g.Submit("alice", func() { runs.Add(1) })
	if runs.Load() != 2 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestTrackerDefersFetchUntilLive(t *testing.T) {
	e := newEnv(t)
	phases := make(chan SyncPhase)
	gate := NewSyncGate(phases, nil)
	defer gate.Close()
	e.tracker.gate = gate

	e.addConversation(t, "conv1", store.ProtocolGroup, "self", "alice")
	e.addConversation(t, "conv2", store.ProtocolGroup, "self", "alice")
	e.remote.holds["alice"] = true

	ctx := context.Background()
	for _, conv := range []string{"conv1", "conv2"} {
		err := e.tracker.HandleNewMessage(ctx, NewMessage{
			ConversationID: conv,
			SenderUserID:   "alice",
			Timestamp:      time.Now(),
			Flag:           content.LegalHoldEnabled,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Backfill replay: the status flips locally but the backend stays
	// untouched.
	if e.remote.fetchCount() != 0 {
		t.Fatalf("fetches = %v", e.remote.fetched)
	}
	if got := e.status(t, "conv1"); got != store.LegalHoldEnabled {
		t.Fatalf("status = %v", got)
	}

	phases <- PhaseLive
	waitFor(t, func() bool { return e.remote.fetchCount() == 1 })

	// Both conversations queued the same user; one fetch serves both.
	time.Sleep(20 * time.Millisecond)
	if e.remote.fetchCount() != 1 {
		t.Fatalf("fetches = %v", e.remote.fetched)
	}
}

func TestSyncGateCloseDiscardsBuffer(t *testing.T) {
	phases := make(chan SyncPhase)
	g := NewSyncGate(phases, nil)

	var runs atomic.Int32
	g.Submit("alice", func() { runs.Add(1) })
	g.Close()

	if runs.Load() != 0 {
		t.Fatal("buffered work ran on close")
	}
}
