package coresvc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cobalt-im/cobalt-go/internal/store"
)

// fakePairwise decrypts by ciphertext lookup.
type fakePairwise struct {
	plaintexts map[string][]byte
	err        error
}

func (f *fakePairwise) Decrypt(ctx context.Context, sessionID string, ciphertext []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	pt, ok := f.plaintexts[string(ciphertext)]
	if !ok {
		return nil, errors.New("no session")
	}
	return pt, nil
}

// fakeGroup decrypts by ciphertext lookup and records commits.
type fakeGroup struct {
	mu      sync.Mutex
	results map[string]GroupResult
	err     error
	commits []string
}

func (f *fakeGroup) Decrypt(ctx context.Context, groupID string, ciphertext []byte) (GroupResult, error) {
	if f.err != nil {
		return GroupResult{}, f.err
	}
	res, ok := f.results[string(ciphertext)]
	if !ok {
		return GroupResult{}, errors.New("unknown ciphertext")
	}
	return res, nil
}

func (f *fakeGroup) CommitPending(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, groupID)
	return nil
}

func (f *fakeGroup) committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commits...)
}

// fakeRemote records backend calls and serves hold facts from a map.
type fakeRemote struct {
	mu            sync.Mutex
	selfRefetches int
	refetched     [][]string
	fetched       []string
	holds         map[string]bool
	fetchErr      error
}

func (f *fakeRemote) RefetchSelfDevices(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selfRefetches++
	return nil
}

func (f *fakeRemote) RefetchDevices(ctx context.Context, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refetched = append(f.refetched, userIDs)
	return nil
}

func (f *fakeRemote) FetchUserLegalHold(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return false, f.fetchErr
	}
	f.fetched = append(f.fetched, userID)
	return f.holds[userID], nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type env struct {
	store    *store.Store
	pairwise *fakePairwise
	group    *fakeGroup
	remote   *fakeRemote
	tracker  *Tracker
	commits  *CommitScheduler
	service  *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "self")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	e := &env{
		store:    st,
		pairwise: &fakePairwise{plaintexts: map[string][]byte{}},
		group:    &fakeGroup{results: map[string]GroupResult{}},
		remote:   &fakeRemote{holds: map[string]bool{}},
	}
	e.tracker = NewTracker(TrackerConfig{
		SelfUserID:    "self",
		Conversations: st,
		Messages:      st,
		Users:         st,
		Config:        st,
		Remote:        e.remote,
	})
	e.commits = NewCommitScheduler(e.group, nil)
	t.Cleanup(e.commits.Close)
	e.service = NewService(ServiceConfig{
		SelfUserID:    "self",
		Pairwise:      e.pairwise,
		Group:         e.group,
		Conversations: st,
		Messages:      st,
		Users:         st,
		Tracker:       e.tracker,
		Commits:       e.commits,
	})
	return e
}

func (e *env) addConversation(t *testing.T, id string, protocol store.Protocol, members ...string) {
	t.Helper()
	c := &store.Conversation{ID: id, Protocol: protocol, LegalHoldStatus: store.LegalHoldDisabled}
	if protocol == store.ProtocolGroup {
		c.GroupID = "group-" + id
	}
	if err := e.store.SaveConversation(c); err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if err := e.store.AddMember(id, m); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *env) status(t *testing.T, conversationID string) store.LegalHoldStatus {
	t.Helper()
	c, err := e.store.Conversation(conversationID)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatalf("conversation %s not found", conversationID)
	}
	return c.LegalHoldStatus
}

func (e *env) messages(t *testing.T, conversationID string) []*store.Message {
	t.Helper()
	msgs, err := e.store.Messages(conversationID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func kinds(msgs []*store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
