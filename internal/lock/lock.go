// Package lock provides per-processor single-flight locks.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out named, non-blocking locks. A failed acquisition returns
// ok=false immediately; the caller is expected to skip its work.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local is an in-process Locker for single-process deployments and tests.
// The ttl is ignored: a lock lives until released.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocal() *Local {
	return &Local{locks: map[string]*sync.Mutex{}}
}

func (l *Local) TryAcquire(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}
