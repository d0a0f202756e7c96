package chat

import "sync"

// SessionLocks is a set of mutexes keyed by session id. Entries are dropped
// once no goroutine holds or waits on them.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*refMutex)}
}

// Lock acquires the session's mutex and returns its release function.
func (l *SessionLocks) Lock(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &refMutex{}
		l.locks[sessionID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
