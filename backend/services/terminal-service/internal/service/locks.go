package service

import "sync"

// orderLocks serializes read-modify-write cycles per order id. Entries are
// reference counted and dropped when the last holder unlocks.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// Lock blocks until orderID is free and returns the matching unlock func.
func (l *orderLocks) Lock(orderID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[orderID]
	if !ok {
		lock = &orderLock{}
		l.locks[orderID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}

func (l *orderLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
