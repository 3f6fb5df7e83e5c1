package compose

import (
	"context"
	"sync"
	"sync/atomic"
)

// controlLock is a fail-fast exclusive lock.
type controlLock struct {
	held atomic.Bool
}

// ControlLocks hands out one exclusive lock per service name, plus
// AllServices for whole-fleet operations. Acquisition never queues: a
// caller that finds the lock held gets ErrConflict and should retry later.
type ControlLocks struct {
	mu    sync.Mutex
	locks map[string]*controlLock
}

// NewControlLocks returns an empty registry.
func NewControlLocks() *ControlLocks {
	return &ControlLocks{locks: make(map[string]*controlLock)}
}

func (c *ControlLocks) get(name string) *controlLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &controlLock{}
		c.locks[name] = l
	}
	return l
}

// Key maps an empty target to AllServices.
func Key(name string) string {
	if name == "" {
		return AllServices
	}
	return name
}

// TryAcquire takes the lock for name if it is free. The returned release
// func is safe to call more than once.
func (c *ControlLocks) TryAcquire(name string) (release func(), ok bool) {
	l := c.get(Key(name))
	if !l.held.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.held.Store(false) })
	}, true
}

// Held reports whether the lock for name is currently taken.
func (c *ControlLocks) Held(name string) bool {
	c.mu.Lock()
	l, ok := c.locks[Key(name)]
	c.mu.Unlock()
	return ok && l.held.Load()
}

// Do runs fn while holding the lock for name, or returns a *ConflictError
// without running it when the lock is taken.
func (c *ControlLocks) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	release, ok := c.TryAcquire(name)
	if !ok {
		return &ConflictError{Target: Key(name)}
	}
	defer release()
	return fn(ctx)
}
