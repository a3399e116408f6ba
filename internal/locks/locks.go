// Package locks serializes work per key. The orchestrator takes one lock per
// workflow run so that at most one workflow task for a run is in flight on
// this process; the history version check keeps correctness across processes.
package locks

import (
	"context"
	"sync"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires exclusive locks by key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex is an in-process Locker. Entries are dropped when no goroutine
// holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var _ Locker = (*KeyedMutex)(nil)
