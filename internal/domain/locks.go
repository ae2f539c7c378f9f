package domain

import "sync"

// userLocks hands out one mutex per user so allocation for a single user
// never interleaves with itself. Two concurrent sync triggers would otherwise
// both pass the not-already-pledged filter before either commits.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *userLocks) forUser(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[userID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[userID] = lock
	return lock
}
