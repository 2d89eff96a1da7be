// Package lock provides per-session locking so interactions for the same
// session never apply concurrently, while different sessions run in parallel.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrAcquire is returned when a lock could not be acquired before the
// context was cancelled.
var ErrAcquire = errors.New("lock acquisition cancelled")

// keyedMutex wraps a mutex with reference counting for cleanup.
type keyedMutex struct {
	mu       sync.Mutex
	refCount int
}

// SessionLock provides per-key mutual exclusion. The zero value is not
// usable; construct with NewSessionLock.
type SessionLock struct {
	locks sync.Map // map[string]*keyedMutex
	pool  sync.Pool
}

// NewSessionLock creates a new SessionLock instance.
func NewSessionLock() *SessionLock {
	return &SessionLock{
		pool: sync.Pool{
			New: func() any {
				return &keyedMutex{}
			},
		},
	}
}

// getLock retrieves or creates the mutex for the given key.
func (sl *SessionLock) getLock(key string) *keyedMutex {
	if v, ok := sl.locks.Load(key); ok {
		return v.(*keyedMutex)
	}

	newLock := sl.pool.Get().(*keyedMutex)
	newLock.refCount = 0

	actual, loaded := sl.locks.LoadOrStore(key, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		sl.pool.Put(newLock)
	}
	return actual.(*keyedMutex)
}

// Lock acquires the lock for a key.
func (sl *SessionLock) Lock(key string) {
	lock := sl.getLock(key)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a key.
func (sl *SessionLock) Unlock(key string) {
	if v, ok := sl.locks.Load(key); ok {
		lock := v.(*keyedMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (sl *SessionLock) TryLock(key string) bool {
	lock := sl.getLock(key)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// WithLock executes fn while holding the key's lock.
func (sl *SessionLock) WithLock(key string, fn func() error) error {
	sl.Lock(key)
	defer sl.Unlock(key)
	return fn()
}

// WithLockContext executes fn while holding the key's lock, giving up if the
// context is cancelled before the lock is acquired.
func (sl *SessionLock) WithLockContext(ctx context.Context, key string, fn func() error) error {
	lock := sl.getLock(key)

	acquired := make(chan struct{})
	go func() {
		lock.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		lock.refCount++
		defer sl.Unlock(key)
		return fn()
	case <-ctx.Done():
		// The pending goroutine will still acquire; hand the release off.
		go func() {
			<-acquired
			lock.mu.Unlock()
		}()
		return ErrAcquire
	}
}

// IsLocked checks if a key currently has an active lock.
// Note: this is a point-in-time check and may change immediately after.
func (sl *SessionLock) IsLocked(key string) bool {
	if v, ok := sl.locks.Load(key); ok {
		lock := v.(*keyedMutex)
		if lock.mu.TryLock() {
			lock.mu.Unlock()
			return false
		}
		return true
	}
	return false
}
