// Package keylock serializes work per key. The booking path holds a
// provider key while it checks for conflicts and writes the appointment.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned by TryLock when the key is held elsewhere.
var ErrNotAcquired = errors.New("keylock: lock not acquired")

// Unlock releases a held key. It is safe to call more than once.
type Unlock func()

// Locker hands out exclusive access to a key.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock returns ErrNotAcquired instead of waiting.
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker. Entries are dropped once no caller
// holds or waits on them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) unlocker(key string, e *entry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(key, e)
		})
	}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	e := l.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	e := l.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
		return l.unlocker(key, e), nil
	default:
		l.releaseRef(key, e)
		return nil, ErrNotAcquired
	}
}

// held reports the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
