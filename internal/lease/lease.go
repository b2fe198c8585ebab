// Package lease guards a DOI so that only one worker acts on it at a time,
// even when several worker processes share the event queues during a shard
// rebalance.
package lease

import (
	"context"
	"sync"
)

// Locker hands out exclusive leases on string keys.
type Locker interface {
	// Acquire blocks until the lease is held or ctx is done. The returned
	// release function is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocal constructs a Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]chan struct{})}
}

// Acquire waits for key to become free.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[key]
		if !busy {
			ch := make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
