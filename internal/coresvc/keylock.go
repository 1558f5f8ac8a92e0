package coresvc

import "sync"

// keyLock provides a mutex per key. Transitions are read-modify-write over
// shared per-user and per-conversation state; serializing per key avoids
// lost updates without one global lock across all conversations.
type keyLock struct {
	mu      sync.Mutex
	entries map[string]*keyLockEntry
}

type keyLockEntry struct {
	m    sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[string]*keyLockEntry)}
}

// lock acquires the mutex for key and returns its release func.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &keyLockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.m.Lock()
	return func() {
		e.m.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
