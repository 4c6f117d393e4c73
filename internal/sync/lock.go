// Package sync provides keyed locking.
package sync

import "sync"

// KeyLock manages named mutexes for granular locking. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int // holders plus waiters, guarded by KeyLock.mu
}

// NewKeyLock creates a new KeyLock instance
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key
func (l *KeyLock) Lock(key string) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
}

// Unlock releases the lock for key. Unlocking a key that is not locked is a no-op.
func (l *KeyLock) Unlock(key string) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	m.refs--
	if m.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()

	m.Unlock()
}

// TryLock attempts to acquire the lock, returning true if successful
func (l *KeyLock) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	if !m.TryLock() {
		return false
	}
	m.refs++
	return true
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
