package encounter

import (
	"context"
	"sync"
	"time"
)

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker grants exclusive locks keyed by encounter id across processes.
// Lock blocks until the lock is held, ctx is done, or the backend fails.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// lockEntry holds the per-key semaphore and its reference count.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// keyedMutex is an in-process table of exclusive locks keyed by string.
// Entries are reference counted and removed once nobody holds or waits on
// them, so the table only grows with concurrently contended keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *keyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	entry := k.acquire(key)
	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			k.release(key)
		}, nil
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
}

// size returns the number of live entries.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
