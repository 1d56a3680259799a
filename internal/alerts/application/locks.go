package application

import "sync"

// unitLocks serializes work per unit id. Entries are dropped once no goroutine holds or waits on them.
type unitLocks struct {
	mu    sync.Mutex
	locks map[string]*unitLock
}

type unitLock struct {
	mu   sync.Mutex
	refs int
}

func newUnitLocks() *unitLocks {
	return &unitLocks{locks: make(map[string]*unitLock)}
}

func (l *unitLocks) lock(unitID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[unitID]
	if !ok {
		entry = &unitLock{}
		l.locks[unitID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, unitID)
		}
		l.mu.Unlock()
	}
}

func (l *unitLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
