package coresvc

import (
	"log"
	"sync"
)

// SyncGate defers backend-touching reconciliation work until the client
// has finished backfilling. Work submitted before the live phase is
// buffered in arrival order, deduplicated by key; the buffer drains once
// when the phase turns live, and later submissions run immediately.
type SyncGate struct {
	mu      sync.Mutex
	live    bool
	pending []gateEntry
	seen    map[string]bool

	quit chan struct{}
	done chan struct{}

	logger *log.Logger
}

type gateEntry struct {
	key string
	fn  func()
}

// NewSyncGate creates a gate watching the given phase stream. The stream
// is expected to stay open for the client's lifetime; Close detaches from
// it.
func NewSyncGate(phases <-chan SyncPhase, logger *log.Logger) *SyncGate {
	g := &SyncGate{
		seen:   make(map[string]bool),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go g.watch(phases)
	return g
}

// Submit schedules fn. Duplicate keys collapse to the first submission
// while buffered.
func (g *SyncGate) Submit(key string, fn func()) {
	g.mu.Lock()
	if g.live {
		g.mu.Unlock()
		fn()
		return
	}
	if g.seen[key] {
		g.mu.Unlock()
		return
	}
	g.seen[key] = true
	g.pending = append(g.pending, gateEntry{key: key, fn: fn})
	g.mu.Unlock()
}

// Close stops watching the phase stream. Buffered work is discarded: it
// re-derives from persistent state on the next start.
func (g *SyncGate) Close() {
	close(g.quit)
	<-g.done
}

func (g *SyncGate) watch(phases <-chan SyncPhase) {
	defer close(g.done)
	for {
		select {
		case <-g.quit:
			return
		case phase, ok := <-phases:
			if !ok {
				return
			}
			g.setPhase(phase)
		}
	}
}

func (g *SyncGate) setPhase(phase SyncPhase) {
	g.mu.Lock()
	wasLive := g.live
	g.live = phase == PhaseLive
	var drain []gateEntry
	if g.live && !wasLive {
		drain = g.pending
		g.pending = nil
		g.seen = make(map[string]bool)
	}
	g.mu.Unlock()

	if len(drain) > 0 {
		logf(g.logger, "sync phase %s: draining %d deferred tasks", phase, len(drain))
	}
	for _, e := range drain {
		e.fn()
	}
}
