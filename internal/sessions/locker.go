package sessions

import (
	"context"
	"sync"
	"time"
)

// keyLock is a FIFO-fair mutex for one session key. Waiters are queued in
// arrival order and the lock is handed directly to the head of the queue on
// release, which is what gives turns their admission-order completion
// guarantee within a conversation.
type keyLock struct {
	mu       sync.Mutex
	held     bool
	waiters  []chan struct{}
	lastUsed time.Time

	// removed marks an entry Cleanup dropped from the map. A caller that
	// fetched the entry before the drop must re-fetch instead of locking
	// it, or two goroutines could hold separate locks for one key.
	removed bool
}

// Locker manages per-key FIFO locks.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewLocker creates a new per-key lock manager.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key's lock is held or ctx is done. The returned
// release function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	lk := l.lockEntry(key)
	if !lk.held {
		lk.held = true
		lk.lastUsed = time.Now()
		lk.mu.Unlock()
		return func() { l.release(lk) }, nil
	}

	w := make(chan struct{})
	lk.waiters = append(lk.waiters, w)
	lk.mu.Unlock()

	select {
	case <-w:
		// Lock handed off; held stays true.
		return func() { l.release(lk) }, nil
	case <-ctx.Done():
		lk.mu.Lock()
		// The handoff may have raced the cancellation. If we were
		// signaled, we now own the lock and must pass it on.
		select {
		case <-w:
			lk.mu.Unlock()
			l.release(lk)
		default:
			for i, cand := range lk.waiters {
				if cand == w {
					lk.waiters = append(lk.waiters[:i], lk.waiters[i+1:]...)
					break
				}
			}
			lk.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the lock only if it is free with no waiters.
func (l *Locker) TryAcquire(key string) (func(), bool) {
	lk := l.lockEntry(key)
	defer lk.mu.Unlock()

	if lk.held || len(lk.waiters) > 0 {
		return nil, false
	}
	lk.held = true
	lk.lastUsed = time.Now()
	return func() { l.release(lk) }, true
}

func (l *Locker) release(lk *keyLock) {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	lk.lastUsed = time.Now()
	if len(lk.waiters) > 0 {
		w := lk.waiters[0]
		lk.waiters = lk.waiters[1:]
		close(w)
		return
	}
	lk.held = false
}

func (l *Locker) get(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[key]
	if !ok {
		lk = &keyLock{}
		l.locks[key] = lk
	}
	return lk
}

// lockEntry returns the key's live map entry with its mutex held,
// re-fetching if a concurrent Cleanup removed the entry in between.
func (l *Locker) lockEntry(key string) *keyLock {
	for {
		lk := l.get(key)
		lk.mu.Lock()
		if !lk.removed {
			return lk
		}
		lk.mu.Unlock()
	}
}

// Cleanup drops lock entries that are free, waiter-less, and unused since
// cutoff. Called by the store's reaper pass.
func (l *Locker) Cleanup(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, lk := range l.locks {
		lk.mu.Lock()
		if !lk.held && len(lk.waiters) == 0 && lk.lastUsed.Before(cutoff) {
			lk.removed = true
			delete(l.locks, key)
		}
		lk.mu.Unlock()
	}
}
