package reconcile

import "sync"

// ThreadLocks serializes work per thread id. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu      sync.Mutex
	waiters int
}

// NewThreadLocks creates an empty lock table.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// Lock blocks until the caller owns threadID and returns the release func.
func (l *ThreadLocks) Lock(threadID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{}
		l.locks[threadID] = tl
	}
	tl.waiters++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.waiters--
		if tl.waiters == 0 {
			delete(l.locks, threadID)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of threads currently locked or awaited.
func (l *ThreadLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
