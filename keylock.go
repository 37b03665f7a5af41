package jobstore

import "sync"

// keyLock serializes work per trigger key inside one instance. Entries are
// reference counted and dropped when unused.
type keyLock struct {
	mu      sync.Mutex
	entries map[TriggerKey]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[TriggerKey]*keyLockEntry)}
}

// lock blocks until key is free and returns the matching unlock func.
func (l *keyLock) lock(key TriggerKey) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyLockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
