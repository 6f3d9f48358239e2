package redisclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// localLocker is the single-process Locker used when LOCK_BACKEND=local and
// in tests. Waiters queue on a per-key channel for up to wait.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

func NewLocalLocker(wait time.Duration) Locker {
	return &localLocker{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.ref(key)
	defer l.unref(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case kl.ch <- struct{}{}:
	case <-timer.C:
		return ErrLockNotAcquired
	case <-ctx.Done():
		return fmt.Errorf("acquire schedule lock: %w", ctx.Err())
	}
	defer func() { <-kl.ch }()

	return fn(ctx)
}

func (l *localLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *localLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.locks[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
