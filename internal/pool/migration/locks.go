package migration

import "sync"

// lockSet ensures a replica is migrated by at most one job at a time.
type lockSet struct {
	mu     sync.Mutex
	owners map[string]string
}

func newLockSet() *lockSet {
	return &lockSet{owners: make(map[string]string)}
}

func (l *lockSet) tryLock(id, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.owners[id]; ok && cur != owner {
		return false
	}
	l.owners[id] = owner
	return true
}

func (l *lockSet) unlock(id, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[id] == owner {
		delete(l.owners, id)
	}
}

func (l *lockSet) owner(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.owners[id]
	return o, ok
}
