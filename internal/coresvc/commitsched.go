package coresvc

import (
	"context"
	"log"
	"sync"
	"time"
)

// CommitScheduler fires pending-proposal commits for group conversations.
// One timer per group; rescheduling replaces any earlier timer, so the
// newest requested deadline wins.
type CommitScheduler struct {
	mu     sync.Mutex
	group  GroupCrypto
	timers map[string]*time.Timer
	closed bool
	logger *log.Logger
}

// NewCommitScheduler creates a commit scheduler on the given group crypto.
func NewCommitScheduler(group GroupCrypto, logger *log.Logger) *CommitScheduler {
	return &CommitScheduler{
		group:  group,
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// Schedule arranges a commit for groupID at the given deadline. A deadline
// in the past fires immediately.
func (cs *CommitScheduler) Schedule(groupID string, at time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	if t, ok := cs.timers[groupID]; ok {
		t.Stop()
	}
	d := max(time.Until(at), 0)
	cs.timers[groupID] = time.AfterFunc(d, func() { cs.fire(groupID) })
}

// Close stops all pending timers. Commits already in flight finish.
func (cs *CommitScheduler) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closed = true
	for id, t := range cs.timers {
		t.Stop()
		delete(cs.timers, id)
	}
}

func (cs *CommitScheduler) fire(groupID string) {
	cs.mu.Lock()
	delete(cs.timers, groupID)
	cs.mu.Unlock()

	if err := cs.group.CommitPending(context.Background(), groupID); err != nil {
		logf(cs.logger, "commit pending proposals of group %s: %v", groupID, err)
		return
	}
	logf(cs.logger, "committed pending proposals of group %s", groupID)
}
