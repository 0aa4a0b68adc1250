package lock

import (
	"context"
	"sync"
)

// Keyed provides mutual exclusion per string key. Holders of different keys
// never contend; operations on the same key are strictly serialized.
// Acquisition honors context cancellation so a caller that gives up waiting
// leaves the lock untouched.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyed constructs an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. On a ctx
// error the lock is not held and nothing needs to be released.
func (k *Keyed) Acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.unref(key, e)
		return ctx.Err()
	}
}

// Release frees the lock for key. The coordinator always pairs
// Acquire/Release via defer; releasing a key that is not held is a no-op.
func (k *Keyed) Release(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-e.ch:
	default:
	}
	k.unref(key, e)
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
