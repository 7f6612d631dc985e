// Package locks provides the per-record advisory lock that serializes sync
// jobs touching the same internal record. The in-process Locker is the
// default; the Redis-backed Locker coordinates across multiple engine
// instances.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when another worker currently holds the lock.
var ErrLockHeld = errors.New("locks: lock held by another worker")

// Locker acquires advisory locks keyed by internal record ID. Acquire either
// returns a release function or ErrLockHeld; it does not queue. The TTL
// bounds how long a crashed holder can block the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// ---------------------------------------------------------------------------
// In-process locker
// ---------------------------------------------------------------------------

type localEntry struct {
	expiresAt time.Time
}

// LocalLocker is a mutex-guarded lock table for single-process deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]localEntry),
		now:  time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.held[key]; ok && l.now().Before(entry.expiresAt) {
		return nil, ErrLockHeld
	}

	expires := l.now().Add(ttl)
	l.held[key] = localEntry{expiresAt: expires}

	released := false
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		// Only delete if this acquisition still owns the key. A lock that
		// expired and was re-acquired belongs to the new holder.
		if entry, ok := l.held[key]; ok && entry.expiresAt.Equal(expires) {
			delete(l.held, key)
		}
	}
	return release, nil
}
