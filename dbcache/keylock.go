package dbcache

import "sync"

// locker serializes the read-decide-enqueue sequence of cache operations.
type locker interface {
	lock(key string) (unlock func())
}

// keyLock hands out one mutex per key. Entries are created on demand and
// evicted once no goroutine holds or waits for them, so unrelated keys never
// contend and the map stays bounded by the number of keys in flight.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*refMutex)}
}

func (l *keyLock) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// globalLock is a single critical section shared by every key.
type globalLock struct {
	mu sync.Mutex
}

func (g *globalLock) lock(string) func() {
	g.mu.Lock()
	return g.mu.Unlock
}
